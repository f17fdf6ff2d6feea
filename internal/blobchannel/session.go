package blobchannel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultOperationTimeout = 60 * time.Second
	DefaultQueueSize        = 64
)

// Session owns a Channel and runs every operation on a single goroutine in
// submission order. The wrapped channel is never called concurrently.
type Session struct {
	inner   Channel
	timeout time.Duration
	logger  *slog.Logger
	queue   chan *sessionRequest
	done    chan struct{}
	stopped chan struct{}
	observe func(op string, elapsed time.Duration, err error)

	mu      sync.RWMutex
	started bool
	closed  bool
}

type sessionRequest struct {
	ctx   context.Context
	op    string
	run   func(ctx context.Context) (any, error)
	reply chan sessionResult
}

type sessionResult struct {
	value any
	err   error
}

// NewSession wraps inner. A non-positive timeout uses DefaultOperationTimeout.
func NewSession(inner Channel, timeout time.Duration, queueSize int, logger *slog.Logger) *Session {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		inner:   inner,
		timeout: timeout,
		logger:  logger.With("component", "channel-session"),
		queue:   make(chan *sessionRequest, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SetObserver registers a callback invoked after every operation. It must be
// called before Start.
func (s *Session) SetObserver(fn func(op string, elapsed time.Duration, err error)) {
	s.observe = fn
}

// Start launches the consumer goroutine.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.loop()
}

// Close stops the consumer and fails queued requests with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.done)
	s.mu.Unlock()

	if started {
		<-s.stopped
	}
	return nil
}

// MaxBlobSize returns the wrapped channel's ceiling.
func (s *Session) MaxBlobSize() int64 {
	return s.inner.MaxBlobSize()
}

// Ready reports ErrChannelUnavailable until the session is running and the
// wrapped channel is ready.
func (s *Session) Ready(ctx context.Context) error {
	_, err := s.submit(ctx, "ready", func(ctx context.Context) (any, error) {
		return nil, s.inner.Ready(ctx)
	})
	return err
}

// Upload queues one blob upload and waits for its URL.
func (s *Session) Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	value, err := s.submit(ctx, "upload", func(ctx context.Context) (any, error) {
		return s.inner.Upload(ctx, name, r, size)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Fetch queues one blob download. The body is read completely on the session
// goroutine, bounded by the channel ceiling, and returned as an in-memory reader.
func (s *Session) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	value, err := s.submit(ctx, "fetch", func(ctx context.Context) (any, error) {
		rc, err := s.inner.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return readBounded(rc, s.inner.MaxBlobSize())
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(value.([]byte))), nil
}

func (s *Session) submit(ctx context.Context, op string, run func(ctx context.Context) (any, error)) (any, error) {
	s.mu.RLock()
	ready := s.started && !s.closed
	s.mu.RUnlock()
	if !ready {
		return nil, fmt.Errorf("%w: session not running", ErrChannelUnavailable)
	}

	req := &sessionRequest{ctx: ctx, op: op, run: run, reply: make(chan sessionResult, 1)}
	select {
	case s.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}

	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

func (s *Session) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			s.drain()
			return
		case req := <-s.queue:
			s.handle(req)
		}
	}
}

func (s *Session) handle(req *sessionRequest) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- sessionResult{err: err}
		return
	}
	ctx, cancel := context.WithTimeout(req.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	value, err := req.run(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded && req.ctx.Err() == nil {
		err = fmt.Errorf("%s timed out after %s: %w", req.op, s.timeout, err)
	}
	elapsed := time.Since(start)
	s.logger.Debug("channel operation complete", "op", req.op, "duration_ms", elapsed.Milliseconds(), "error", err)
	if s.observe != nil {
		s.observe(req.op, elapsed, err)
	}
	req.reply <- sessionResult{value: value, err: err}
}

func (s *Session) drain() {
	for {
		select {
		case req := <-s.queue:
			req.reply <- sessionResult{err: ErrSessionClosed}
		default:
			return
		}
	}
}
