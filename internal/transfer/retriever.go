package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"relaybox/internal/blobchannel"
	"relaybox/internal/checksum"
	"relaybox/internal/codegen"
	"relaybox/internal/metrics"
	"relaybox/internal/models"
	"relaybox/internal/store"
)

// DefaultCleanupDelay is how long a delivered artifact is kept around.
const DefaultCleanupDelay = 10 * time.Second

// RetrieverOptions configures a Retriever.
type RetrieverOptions struct {
	Channel      blobchannel.Channel
	Store        store.ManifestStore
	Fs           afero.Fs
	ScratchDir   string
	Janitor      *Janitor
	CleanupDelay time.Duration
	// SkipChecksum disables digest verification after reassembly. Size is
	// always verified.
	SkipChecksum bool
	Metrics      metrics.Metrics
	Logger       *slog.Logger
}

// Retriever reassembles stored files from their manifests.
type Retriever struct {
	channel      blobchannel.Channel
	store        store.ManifestStore
	fs           afero.Fs
	dir          string
	janitor      *Janitor
	cleanupDelay time.Duration
	verify       bool
	metrics      metrics.Metrics
	logger       *slog.Logger
}

// Download is a reassembled file ready to be streamed. Release must be called
// once the caller is done with File.
type Download struct {
	Manifest *models.Manifest
	File     afero.File
	Path     string

	release func()
	once    sync.Once
}

// Release closes the file and schedules the artifact for deletion.
func (d *Download) Release() {
	d.once.Do(d.release)
}

// NewRetriever validates options and returns a Retriever.
func NewRetriever(opts RetrieverOptions) (*Retriever, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("blob channel is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("manifest store is required")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if strings.TrimSpace(opts.ScratchDir) == "" {
		return nil, fmt.Errorf("scratch dir is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Janitor == nil {
		return nil, fmt.Errorf("janitor is required")
	}
	if opts.CleanupDelay < 0 {
		opts.CleanupDelay = 0
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if err := opts.Fs.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Retriever{
		channel:      opts.Channel,
		store:        opts.Store,
		fs:           opts.Fs,
		dir:          opts.ScratchDir,
		janitor:      opts.Janitor,
		cleanupDelay: opts.CleanupDelay,
		verify:       !opts.SkipChecksum,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "retriever"),
	}, nil
}

// Lookup returns the manifest for code or ErrUnknownCode.
func (r *Retriever) Lookup(ctx context.Context, code string) (*models.Manifest, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !codegen.Valid(code) {
		return nil, ErrUnknownCode
	}
	manifest, err := r.store.GetManifest(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownCode
	}
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return manifest, nil
}

// Retrieve fetches every part of code in order into a fresh artifact and
// verifies it. No artifact is returned unless every part arrived intact.
func (r *Retriever) Retrieve(ctx context.Context, code string) (download *Download, err error) {
	start := time.Now()
	defer func() {
		var size int64
		if download != nil {
			size = download.Manifest.FileSize
		}
		r.metrics.ObserveRetrieval(metrics.Outcome(err), size, time.Since(start).Seconds())
	}()

	manifest, err := r.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	artifact := filepath.Join(r.dir, artifactPrefix+manifest.RetrievalCode+"-"+uuid.NewString()+manifest.FileType)
	f, err := r.fs.OpenFile(artifact, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	discard := func() {
		_ = f.Close()
		if rmErr := r.fs.Remove(artifact); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.logger.Warn("artifact cleanup failed", "path", artifact, "error", rmErr)
		}
	}

	if err := r.assemble(ctx, manifest, f); err != nil {
		discard()
		r.logger.Warn("retrieval failed", "code", manifest.RetrievalCode, "error", err)
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, fmt.Errorf("rewind artifact: %w", err)
	}

	if count, err := r.store.IncrementDownloadCount(ctx, manifest.RetrievalCode); err != nil {
		r.logger.Warn("download count update failed", "code", manifest.RetrievalCode, "error", err)
	} else {
		manifest.DownloadCount = count
	}

	r.logger.Info("file reassembled",
		"code", manifest.RetrievalCode,
		"file", manifest.FileName,
		"size", humanize.IBytes(uint64(manifest.FileSize)),
		"parts", manifest.NumParts(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return &Download{
		Manifest: manifest,
		File:     f,
		Path:     artifact,
		release: func() {
			if err := f.Close(); err != nil {
				r.logger.Warn("artifact close failed", "path", artifact, "error", err)
			}
			r.janitor.Schedule(artifact, r.cleanupDelay)
		},
	}, nil
}

func (r *Retriever) assemble(ctx context.Context, manifest *models.Manifest, dst io.Writer) error {
	hasher := checksum.NewHasher()
	out := io.MultiWriter(dst, hasher)
	buf := make([]byte, checksum.BlockSize)

	for i, partURL := range manifest.PartURLs {
		index := i + 1
		if err := ctx.Err(); err != nil {
			return &PartFetchError{Index: index, URL: partURL, Cause: err}
		}
		n, err := r.fetchPart(ctx, partURL, out, buf)
		if err != nil {
			return &PartFetchError{Index: index, URL: partURL, Cause: err}
		}
		if len(manifest.PartSizes) == len(manifest.PartURLs) && n != manifest.PartSizes[i] {
			return &PartFetchError{
				Index: index,
				URL:   partURL,
				Cause: fmt.Errorf("received %d bytes, expected %d", n, manifest.PartSizes[i]),
			}
		}
	}

	if hasher.Size() != manifest.FileSize {
		return &IntegrityMismatch{
			Field:    "size",
			Expected: strconv.FormatInt(manifest.FileSize, 10),
			Actual:   strconv.FormatInt(hasher.Size(), 10),
		}
	}
	if r.verify {
		if sum := hasher.Sum(); !checksum.Equal(sum, manifest.Checksum) {
			return &IntegrityMismatch{Field: "checksum", Expected: manifest.Checksum, Actual: sum}
		}
	}
	return nil
}

func (r *Retriever) fetchPart(ctx context.Context, partURL string, out io.Writer, buf []byte) (int64, error) {
	rc, err := r.channel.Fetch(ctx, partURL)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.CopyBuffer(out, rc, buf)
}
