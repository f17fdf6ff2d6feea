package transfer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	uploadSpoolPrefix = "upload-"
	artifactPrefix    = "combined-"
)

// Janitor deletes scratch files after a delay. Pending deletions run
// immediately when the janitor closes or its parent context ends.
type Janitor struct {
	fs     afero.Fs
	logger *slog.Logger
	stop   func() bool

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewJanitor returns a janitor bound to ctx.
func NewJanitor(ctx context.Context, fs afero.Fs, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		fs:      fs,
		logger:  logger.With("component", "janitor"),
		pending: map[string]*time.Timer{},
	}
	j.stop = context.AfterFunc(ctx, func() { _ = j.Close() })
	return j
}

// Schedule removes path after delay. A non-positive delay, or a closed
// janitor, removes it now.
func (j *Janitor) Schedule(path string, delay time.Duration) {
	j.mu.Lock()
	if j.closed || delay <= 0 {
		j.mu.Unlock()
		j.remove(path)
		return
	}
	if existing, ok := j.pending[path]; ok {
		existing.Stop()
	}
	j.pending[path] = time.AfterFunc(delay, func() { j.fire(path) })
	j.mu.Unlock()
}

// Pending returns the number of scheduled deletions.
func (j *Janitor) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Close cancels timers and deletes every pending path.
func (j *Janitor) Close() error {
	j.stop()

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	paths := make([]string, 0, len(j.pending))
	for path, timer := range j.pending {
		timer.Stop()
		paths = append(paths, path)
	}
	j.pending = map[string]*time.Timer{}
	j.mu.Unlock()

	for _, path := range paths {
		j.remove(path)
	}
	return nil
}

// SweepStale removes upload spools and download artifacts in dir older than
// maxAge. It returns the number of files removed.
func (j *Janitor) SweepStale(dir string, maxAge time.Duration) (int, error) {
	entries, err := afero.ReadDir(j.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !isScratchName(entry.Name()) {
			continue
		}
		if entry.ModTime().After(cutoff) {
			continue
		}
		if err := j.fs.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			j.logger.Warn("stale scratch removal failed", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("removed stale scratch files", "dir", dir, "count", removed)
	}
	return removed, nil
}

func (j *Janitor) fire(path string) {
	j.mu.Lock()
	if _, ok := j.pending[path]; !ok {
		j.mu.Unlock()
		return
	}
	delete(j.pending, path)
	j.mu.Unlock()
	j.remove(path)
}

func (j *Janitor) remove(path string) {
	if err := j.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		j.logger.Warn("scratch cleanup failed", "path", path, "error", err)
		return
	}
	j.logger.Debug("scratch file removed", "path", path)
}

func isScratchName(name string) bool {
	return strings.HasPrefix(name, uploadSpoolPrefix) || strings.HasPrefix(name, artifactPrefix)
}
