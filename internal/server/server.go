// Package server exposes a running pipeline over HTTP: counters as JSON and
// the latest overlay canvas as PNG.
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config holds all server configuration.
type Config struct {
	Addr  string
	Token string // bearer token; endpoints are open when empty

	AuthFailLimit  int // failed attempts per client IP per window, 0 = unlimited
	AuthFailWindow time.Duration

	TLSCert string // PEM files, take precedence over TLS
	TLSKey  string
	TLS     *tls.Config

	// Stats returns the JSON body of /stats.
	Stats func() any
	// Snapshot returns the last overlay frame, or nil when there is none.
	Snapshot func() image.Image
}

type Server struct {
	cfg     Config
	started time.Time

	mu       sync.Mutex
	srv      *http.Server
	failures map[string]*authFailures
}

type authFailures struct {
	count int
	since time.Time
}

func New(cfg Config) *Server {
	if cfg.AuthFailWindow <= 0 {
		cfg.AuthFailWindow = time.Minute
	}
	return &Server{cfg: cfg, started: time.Now(), failures: make(map[string]*authFailures)}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /debug/overlay", s.handleDebugOverlay)
	return mux
}

// ListenAndServe serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	var err error
	switch {
	case s.cfg.TLSCert != "":
		log.Printf("server: status on https://%s", s.cfg.Addr)
		err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	case s.cfg.TLS != nil:
		log.Printf("server: status on https://%s (self-signed)", s.cfg.Addr)
		srv.TLSConfig = s.cfg.TLS
		err = srv.ListenAndServeTLS("", "")
	default:
		log.Printf("server: status on http://%s", s.cfg.Addr)
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	if s.cfg.Stats == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg.Stats()); err != nil {
		log.Printf("server: encode stats: %v", err)
	}
}

func (s *Server) handleDebugOverlay(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var img image.Image
	if s.cfg.Snapshot != nil {
		img = s.cfg.Snapshot()
	}
	if img == nil {
		http.Error(w, "no overlay frame yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		log.Printf("server: encode overlay: %v", err)
	}
}

// authorize checks the bearer token and writes the error response when it
// fails. Clients over the failure limit are refused without checking.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	ip := clientIP(r)
	if s.limited(ip) {
		http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
		return false
	}
	want := "Bearer " + s.cfg.Token
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(want)) == 1 {
		return true
	}
	s.recordFailure(ip)
	w.Header().Set("WWW-Authenticate", `Bearer realm="hdmimix"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) limited(ip string) bool {
	if s.cfg.AuthFailLimit <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.failures[ip]
	if f == nil {
		return false
	}
	if time.Since(f.since) > s.cfg.AuthFailWindow {
		delete(s.failures, ip)
		return false
	}
	return f.count >= s.cfg.AuthFailLimit
}

func (s *Server) recordFailure(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.failures[ip]
	if f == nil || time.Since(f.since) > s.cfg.AuthFailWindow {
		f = &authFailures{since: time.Now()}
		s.failures[ip] = f
	}
	f.count++
	if f.count == s.cfg.AuthFailLimit {
		log.Printf("server: %s reached %d failed auth attempts", ip, f.count)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
