package main

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"go-httpd/middleware"
	"go-httpd/server"
)

const configFile = "go_httpd.json"

type HTTPDConfig struct {
	Address        string `json:"address"`
	Port           int    `json:"port"`
	ReusePort      bool   `json:"reuse_port"`
	MaxConnections int    `json:"max_connections"`
	MaxHeaderBytes int    `json:"max_header_bytes"`

	Static []middleware.StaticRule `json:"static"`

	// path prefixes that need a bearer token, and exceptions
	AuthProtect []string `json:"auth_protect"`
	AuthExempt  []string `json:"auth_exempt"`

	WSReadLimit int64 `json:"ws_read_limit"`
}

// defaultConfig returns sane defaults when go_httpd.json
// is missing or invalid.
func defaultConfig() *HTTPDConfig {
	return &HTTPDConfig{
		Port:           server.DefaultPort,
		MaxConnections: 0, // unlimited
		MaxHeaderBytes: server.DefaultMaxHeaderBytes,
		Static: []middleware.StaticRule{
			{Prefix: "/assets/", Dir: "public/assets"},
			{Prefix: "/css/", Dir: "public/css"},
			{Prefix: "/js/", Dir: "public/js"},
			{Prefix: "/images/", Dir: "public/images"},
		},
		AuthProtect: []string{"/__ws/user"},
		WSReadLimit: 64 << 10,
	}
}

// loadConfig tries to read go_httpd.json from projectRoot;
// falls back to defaults on any error.
func loadConfig(projectRoot string, log zerolog.Logger) *HTTPDConfig {
	cfgPath := filepath.Join(projectRoot, configFile)

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		log.Info().Err(err).Str("path", cfgPath).Msg("[config] no go_httpd.json found, using defaults")
		return defaultConfig()
	}

	var cfg HTTPDConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warn().Err(err).Str("path", cfgPath).Msg("[config] invalid go_httpd.json, using defaults")
		return defaultConfig()
	}

	def := defaultConfig()

	if cfg.Port <= 0 || cfg.Port > 65535 {
		log.Warn().Msgf("[config] port=%d is invalid, falling back to %d", cfg.Port, def.Port)
		cfg.Port = def.Port
	}

	if cfg.MaxConnections < 0 {
		log.Warn().Msgf("[config] max_connections=%d is invalid, falling back to unlimited", cfg.MaxConnections)
		cfg.MaxConnections = def.MaxConnections
	}

	if cfg.MaxHeaderBytes <= 0 {
		log.Warn().Msgf("[config] max_header_bytes=%d is invalid, falling back to %d", cfg.MaxHeaderBytes, def.MaxHeaderBytes)
		cfg.MaxHeaderBytes = def.MaxHeaderBytes
	}

	if cfg.WSReadLimit <= 0 {
		cfg.WSReadLimit = def.WSReadLimit
	}

	if len(cfg.Static) == 0 {
		log.Info().Msg("[config] no static rules configured, using default static rules")
		cfg.Static = def.Static
	} else {
		rules := cfg.Static[:0]
		for i, rule := range cfg.Static {
			if !strings.HasPrefix(rule.Prefix, "/") {
				log.Warn().Msgf("[config] static[%d].prefix=%q does not start with '/', fixing", i, rule.Prefix)
				rule.Prefix = "/" + rule.Prefix
			}
			if !strings.HasSuffix(rule.Prefix, "/") {
				rule.Prefix += "/"
			}
			if rule.Dir == "" {
				log.Warn().Msgf("[config] static[%d].dir is empty, dropping the rule", i)
				continue
			}
			rules = append(rules, rule)
		}
		cfg.Static = rules
	}

	if cfg.AuthProtect == nil {
		cfg.AuthProtect = def.AuthProtect
	}
	return &cfg
}

// applyEnv lets APP_SERVER_ADDR override the configured listen address.
// It accepts "host:port", ":port" or a bare port.
func applyEnv(cfg *HTTPDConfig, log zerolog.Logger) {
	addr := os.Getenv("APP_SERVER_ADDR")
	if addr == "" {
		return
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("[config] ignoring APP_SERVER_ADDR")
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn().Str("addr", addr).Msg("[config] ignoring APP_SERVER_ADDR with a bad port")
		return
	}
	cfg.Address, cfg.Port = host, port
}

func getProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}
		dir = parent
	}
}
