// Package blobchannel abstracts the remote message-attachment service used as
// blob storage.
package blobchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrChannelUnavailable means the channel session is not ready; callers may retry later.
	ErrChannelUnavailable = errors.New("blob channel unavailable")
	// ErrSessionClosed is returned for requests still queued when a session shuts down.
	ErrSessionClosed = errors.New("blob channel session closed")
	// ErrBlobTooLarge is returned when a blob exceeds the channel ceiling.
	ErrBlobTooLarge = errors.New("blob exceeds channel size limit")
)

// Channel stores named binary blobs and returns durable, fetchable URLs.
type Channel interface {
	Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error)
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
	MaxBlobSize() int64
	Ready(ctx context.Context) error
}

// StatusError is a non-success HTTP response from the channel or its CDN.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

// readBounded reads r fully, failing when it holds more than limit bytes.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBlobTooLarge, limit)
	}
	return data, nil
}
