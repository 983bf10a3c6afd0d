package middleware

import (
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"go-httpd/server"
)

// MaxCachedFileSize is the largest file Static keeps in memory. Bigger
// files are streamed from disk on every request.
const MaxCachedFileSize = 1 << 20

// StaticRule maps a URL prefix onto a directory.
type StaticRule struct {
	Prefix string `json:"prefix"`
	Dir    string `json:"dir"`
}

type cachedFile struct {
	body        []byte
	size        int64
	modTime     time.Time
	contentType string
}

// Static serves GET and HEAD requests under its rules from disk. Files are
// cached in memory; an fsnotify watcher on the rule directories evicts
// them when they change. Requests that match no file go down the chain.
type Static struct {
	rules   []StaticRule // Dir made absolute
	cache   *xsync.MapOf[string, *cachedFile]
	watcher *fsnotify.Watcher
	log     zerolog.Logger
	done    chan struct{}
}

// NewStatic resolves each rule's Dir against root and starts watching it.
// Directories that do not exist yet are served if they appear later but
// are not watched.
func NewStatic(root string, rules []StaticRule, log zerolog.Logger) (*Static, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("static: creating watcher: %w", err)
	}

	s := &Static{
		cache:   xsync.NewMapOf[string, *cachedFile](),
		watcher: watcher,
		log:     log,
		done:    make(chan struct{}),
	}
	for _, rule := range rules {
		dir := rule.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		dir = filepath.Clean(dir)
		s.rules = append(s.rules, StaticRule{Prefix: segmentPrefix(rule.Prefix), Dir: dir})
		s.watchTree(dir)
	}

	go s.watch()
	return s, nil
}

// segmentPrefix makes p match whole path segments only, so "/static"
// covers "/static/app.js" but not "/staticfoo".
func segmentPrefix(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// watchTree adds dir and everything below it to the watcher.
func (s *Static) watchTree(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		s.log.Debug().Err(err).Str("dir", dir).Msg("[static] not watching")
	}
}

func (s *Static) watch() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.evict(ev.Name)
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					s.watchTree(ev.Name)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("[static] watcher error")
		}
	}
}

// evict drops path and, if it was a directory, everything under it.
func (s *Static) evict(path string) {
	s.cache.Delete(path)
	prefix := path + string(filepath.Separator)
	s.cache.Range(func(key string, _ *cachedFile) bool {
		if strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
		}
		return true
	})
}

// Close stops the watcher.
func (s *Static) Close() error {
	err := s.watcher.Close()
	<-s.done
	return err
}

// Cached returns how many files are held in memory.
func (s *Static) Cached() int {
	return s.cache.Size()
}

// Intercept makes Static a server.Middleware.
func (s *Static) Intercept(req *server.Request, next server.Handler) (*server.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return next.Respond(req)
	}

	path, err := url.PathUnescape(req.Path())
	if err != nil {
		return nil, fmt.Errorf("static: path %q: %w", req.Path(), server.ErrBadRequest)
	}

	for _, rule := range s.rules {
		if !strings.HasPrefix(path, rule.Prefix) {
			continue
		}

		rel := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(path, rule.Prefix)))
		full := filepath.Join(rule.Dir, rel)

		// Prevent ../../ escapes
		if full != rule.Dir && !strings.HasPrefix(full, rule.Dir+string(filepath.Separator)) {
			return nil, fmt.Errorf("static: %q escapes %s: %w", path, rule.Prefix, server.ErrForbidden)
		}

		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		return s.serve(req, full, info)
	}

	return next.Respond(req)
}

func (s *Static) serve(req *server.Request, full string, info os.FileInfo) (*server.Response, error) {
	modTime := info.ModTime().UTC().Truncate(time.Second)

	if since, err := http.ParseTime(req.Header.Get("If-Modified-Since")); err == nil && !modTime.After(since) {
		resp := server.NewResponse(http.StatusNotModified)
		resp.Header.Set("Last-Modified", modTime.Format(http.TimeFormat))
		return resp, nil
	}

	resp := server.NewResponse(http.StatusOK)
	resp.Header.Set("Last-Modified", modTime.Format(http.TimeFormat))

	if info.Size() > MaxCachedFileSize {
		f, err := os.Open(full)
		if err != nil {
			return nil, fmt.Errorf("static: %w", err)
		}
		resp.Header.Set("Content-Type", contentType(full, nil))
		resp.Header.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		resp.BodyStream = f
		return resp, nil
	}

	cf, ok := s.cache.Load(full)
	if !ok || cf.size != info.Size() || !cf.modTime.Equal(info.ModTime()) {
		body, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("static: %w", err)
		}
		cf = &cachedFile{
			body:        body,
			size:        info.Size(),
			modTime:     info.ModTime(),
			contentType: contentType(full, body),
		}
		s.cache.Store(full, cf)
	}

	resp.Header.Set("Content-Type", cf.contentType)
	resp.Header.Set("Content-Length", strconv.Itoa(len(cf.body)))
	resp.Body = cf.body
	return resp, nil
}

func contentType(name string, body []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	if body != nil {
		return http.DetectContentType(body)
	}
	return "application/octet-stream"
}
