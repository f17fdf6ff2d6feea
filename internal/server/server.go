// Package server exposes the upload and retrieval pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"relaybox/internal/metrics"
	"relaybox/internal/store"
	"relaybox/internal/transfer"
)

const (
	allowRemoteEnvKey = "RELAYBOX_ALLOW_REMOTE"
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 15 * time.Second

	// Whole files move through the request body, so body timeouts are sized
	// for transfers rather than JSON payloads.
	readTimeout  = 10 * time.Minute
	writeTimeout = 10 * time.Minute

	uploadConcurrencyLimit   = 4
	downloadConcurrencyLimit = 8

	defaultMultipartMemory int64 = 8 << 20
)

// Options wires the server to the transfer pipeline.
type Options struct {
	Uploader           *transfer.Uploader
	Retriever          *transfer.Retriever
	Store              store.ManifestStore
	Metrics            metrics.Metrics
	ChannelKind        string
	MultipartMaxMemory int64
	MaxUploadBytes     int64
}

// Server wraps HTTP handlers for the relaybox API.
type Server struct {
	addr               string
	uploader           *transfer.Uploader
	retriever          *transfer.Retriever
	store              store.ManifestStore
	metrics            metrics.Metrics
	logger             *slog.Logger
	channelKind        string
	multipartMaxMemory int64
	maxUploadBytes     int64
	uploadLimiter      chan struct{}
	downloadLimiter    chan struct{}
}

// New creates a new server instance.
func New(addr string, opts Options, logger *slog.Logger) (*Server, error) {
	if opts.Uploader == nil || opts.Retriever == nil {
		return nil, fmt.Errorf("uploader and retriever are required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("manifest store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.MultipartMaxMemory <= 0 {
		opts.MultipartMaxMemory = defaultMultipartMemory
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = transfer.DefaultMaxUploadBytes
	}

	return &Server{
		addr:               addr,
		uploader:           opts.Uploader,
		retriever:          opts.Retriever,
		store:              opts.Store,
		metrics:            opts.Metrics,
		logger:             logger,
		channelKind:        opts.ChannelKind,
		multipartMaxMemory: opts.MultipartMaxMemory,
		maxUploadBytes:     opts.MaxUploadBytes,
		uploadLimiter:      make(chan struct{}, uploadConcurrencyLimit),
		downloadLimiter:    make(chan struct{}, downloadConcurrencyLimit),
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.withRequestLogging(s.routes())
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.log().Info("starting server", "addr", s.addr)
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAddr converts a base API URL into a listen address.
func ListenAddr(apiURL string) (string, error) {
	if apiURL == "" {
		return "", fmt.Errorf("api url is required")
	}
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		host := u.Hostname()
		if !isAllowedListenHost(host) {
			return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
		}
		return u.Host, nil
	}

	host, _, err := net.SplitHostPort(apiURL)
	if err == nil && !isAllowedListenHost(host) {
		return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
	}

	return apiURL, nil
}

func isAllowedListenHost(host string) bool {
	if host == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(allowRemoteEnvKey)), "true") {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) acquireLimiter(limiter chan struct{}, w http.ResponseWriter, r *http.Request, name string) bool {
	if limiter == nil {
		return true
	}
	select {
	case limiter <- struct{}{}:
		return true
	default:
		err := apiError{
			status:  http.StatusTooManyRequests,
			code:    "resource_exhausted",
			errCode: ErrCodeResourceExhausted,
			err:     fmt.Errorf("too many concurrent %s requests", name),
		}
		s.writeErrorReq(w, r, http.StatusTooManyRequests, err)
		return false
	}
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Server) releaseLimiter(limiter chan struct{}) {
	if limiter == nil {
		return
	}
	select {
	case <-limiter:
	default:
	}
}

func (s *Server) withLimiter(w http.ResponseWriter, r *http.Request, limiter chan struct{}, name string, fn func()) {
	if !s.acquireLimiter(limiter, w, r, name) {
		return
	}
	defer s.releaseLimiter(limiter)
	fn()
}
