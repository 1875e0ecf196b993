package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/tokenrelay/pkg/config"
	"github.com/lkarlslund/tokenrelay/pkg/metrics"
	"github.com/lkarlslund/tokenrelay/pkg/usage"
)

const completionsPath = "/chat/completions"

type Server struct {
	cfg             config.ServerConfig
	catalog         *config.ModelCatalog
	sink            *usage.Sink
	metrics         *metrics.Collector
	client          *http.Client
	upstreamURL     string
	upstreamAPIKey  string
	maxRequestBytes int64

	httpServer          *http.Server
	activeProxyRequests atomic.Int64
	draining            atomic.Bool
	background          sync.WaitGroup
}

// NewServer wires the relay routes. sink and collector may be nil; the relay
// then runs without accounting or metrics.
func NewServer(cfg *config.ServerConfig, sink *usage.Sink, collector *metrics.Collector) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil server config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if sink == nil {
		sink = usage.NewSink(nil, collector)
	}
	s := &Server{
		cfg:             *cfg,
		catalog:         cfg.Catalog(),
		sink:            sink,
		metrics:         collector,
		client:          newUpstreamClient(cfg.Upstream.TimeoutSeconds),
		upstreamURL:     cfg.Upstream.URL,
		upstreamAPIKey:  cfg.Upstream.APIKey,
		maxRequestBytes: cfg.MaxRequestBytes,
	}
	if s.maxRequestBytes <= 0 {
		s.maxRequestBytes = config.NewDefaultServerConfig().MaxRequestBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleStatus)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/model", s.handleModel)
	r.Get("/ws/tokens", s.handleTokenSocket)
	r.With(s.normalizeRequest).Post(completionsPath, s.handleCompletions)
	if cfg.Metrics.Enabled && collector != nil {
		r.Handle(cfg.Metrics.Path, collector.Handler())
	}

	var handler http.Handler = r
	if len(cfg.CORS.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}).Handler(r)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// newUpstreamClient bounds only the wait for response headers so long
// streams are never cut off. Zero means no bound.
func newUpstreamClient(timeoutSeconds int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if timeoutSeconds > 0 {
		transport.ResponseHeaderTimeout = time.Duration(timeoutSeconds) * time.Second
	}
	return &http.Client{Transport: transport}
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg
	errCh := make(chan error, 2)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := s.httpServer
		httpsSrv.Addr = ":443"
		httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("https listening", "addr", ":443", "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		err := s.waitForStop(ctx, errCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		s.finish(shutdownCtx)
		return err
	}

	go func() {
		log.Info("relay listening", "addr", cfg.ListenAddr, "upstream", cfg.Upstream.URL)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	err := s.waitForStop(ctx, errCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	s.finish(shutdownCtx)
	return err
}

// waitForStop blocks until ctx ends or a listener fails, then drains
// in-flight relays.
func (s *Server) waitForStop(ctx context.Context, errCh <-chan error) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.waitForProxyIdle(drainCtx)
	if err == nil {
		err = firstErr(errCh)
	}
	return err
}

// finish gives pending accounting writes until ctx ends, then closes the
// store.
func (s *Server) finish(ctx context.Context) {
	if !s.waitForAccounting(ctx) {
		log.Warn("shutdown: abandoning pending accounting writes")
	}
	if err := s.sink.Close(); err != nil {
		log.Warn("failed to close usage store", "err", err)
	}
}

func (s *Server) waitForAccounting(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := r.URL.Path == completionsPath
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: relay idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active relays", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: drain timed out", "active", active)
			return
		case <-t.C:
		}
	}
}

// requestClientIP returns the peer address, or the address set by RealIP
// when proxy headers are trusted. Unparseable values yield "".
func requestClientIP(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if parsed, _, err := net.SplitHostPort(host); err == nil {
		host = strings.TrimSpace(parsed)
	}
	if net.ParseIP(host) == nil {
		return ""
	}
	return host
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
