package main

import (
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"go-httpd/middleware"
	"go-httpd/server"
	"go-httpd/ws"
)

// newServer assembles the middleware stack and the demo responder. The
// returned func releases what the stack holds open.
func newServer(cfg *HTTPDConfig, root string, jwtSecret []byte, log zerolog.Logger) (*server.Server, func(), error) {
	static, err := middleware.NewStatic(root, cfg.Static, log)
	if err != nil {
		return nil, nil, err
	}

	a := &app{
		hub:     ws.NewHub(log),
		metrics: middleware.NewMetrics(),
		wsOpts: ws.Options{
			ReadLimit:   cfg.WSReadLimit,
			CheckOrigin: func(*server.Request) bool { return true },
		},
		log:     log,
		started: time.Now(),
	}

	mws := []server.Middleware{
		middleware.RequestID(),
		middleware.AccessLog(log),
		a.metrics,
		middleware.Recoverer(log),
		static,
		middleware.BearerAuth(jwtSecret, middleware.AuthOptions{
			Protect: cfg.AuthProtect,
			Exempt:  cfg.AuthExempt,
		}),
	}
	if len(jwtSecret) == 0 {
		log.Warn().Strs("protect", cfg.AuthProtect).Msg("[auth] APP_JWT_SECRET is not set, protected paths will reject every request")
	}

	maxHeader := cfg.MaxHeaderBytes
	srv, err := server.New(server.Config{
		Address:        cfg.Address,
		Port:           cfg.Port,
		ReusePort:      cfg.ReusePort,
		MaxConnections: cfg.MaxConnections,
		NewParser: func() server.Parser {
			return &server.RequestParser{MaxHeaderBytes: maxHeader}
		},
		Middleware: mws,
		Responder:  a,
		Logger:     &log,
	})
	if err != nil {
		static.Close()
		return nil, nil, err
	}
	a.srv = srv

	return srv, func() { static.Close() }, nil
}

func printBanner(log zerolog.Logger, cfg *HTTPDConfig, root string) {
	log.Info().Msg("=============================================")
	log.Info().Msgf(" go-httpd listening on %s:%d", cfg.Address, cfg.Port)
	log.Info().Msg("=============================================")
	log.Info().Msgf(" Reuse port: %v", cfg.ReusePort)
	if cfg.MaxConnections > 0 {
		log.Info().Msgf(" Max connections: %d", cfg.MaxConnections)
	} else {
		log.Info().Msg(" Max connections: unlimited")
	}
	log.Info().Msg(" Static rules:")
	for _, rule := range cfg.Static {
		dir := rule.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		log.Info().Msgf("   %s → %s", rule.Prefix, dir)
	}
	log.Info().Msg("=============================================")
}

func main() {
	log := newLogger(os.Stderr)

	root := getProjectRoot()
	cfg := loadConfig(root, log)
	applyEnv(cfg, log)

	srv, cleanup, err := newServer(cfg, root, []byte(os.Getenv("APP_JWT_SECRET")), log)
	if err != nil {
		log.Fatal().Err(err).Msg("[server] failed to create server")
	}
	defer cleanup()

	// Close on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdownCh
		log.Info().Str("signal", sig.String()).Msg("[shutdown] signal received, closing server")
		if err := srv.Close(); err != nil {
			log.Warn().Err(err).Msg("[shutdown] close error")
		}
	}()

	printBanner(log, cfg, root)

	if err := srv.Start(); err != nil && !errors.Is(err, server.ErrServerClosed) {
		cleanup()
		log.Fatal().Err(err).Msg("[server] listen error")
	}
	log.Info().Msg("[shutdown] server closed")
}
