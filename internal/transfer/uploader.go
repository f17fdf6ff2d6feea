// Package transfer drives uploads through the blob channel and reassembles
// stored files from their manifests.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"relaybox/internal/blobchannel"
	"relaybox/internal/checksum"
	"relaybox/internal/chunker"
	"relaybox/internal/codegen"
	"relaybox/internal/metrics"
	"relaybox/internal/models"
	"relaybox/internal/store"
)

const (
	// UnknownSize tells Store to trust the spooled byte count.
	UnknownSize int64 = -1

	DefaultMaxUploadBytes int64 = 512 << 20

	// persistAttempts bounds regeneration after a code race lost in the store.
	persistAttempts = 3
)

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	Channel        blobchannel.Channel
	Store          store.ManifestStore
	Fs             afero.Fs
	ScratchDir     string
	PartSize       int64
	MaxUploadBytes int64
	ChannelID      string
	Metrics        metrics.Metrics
	Logger         *slog.Logger
	// NewCode overrides the code source. Nil uses codegen.New.
	NewCode func() (string, error)
	Now     func() time.Time
}

// Uploader stores files by relaying their parts through a blob channel.
type Uploader struct {
	channel   blobchannel.Channel
	store     store.ManifestStore
	fs        afero.Fs
	dir       string
	partSize  int64
	maxUpload int64
	channelID string
	metrics   metrics.Metrics
	logger    *slog.Logger
	newCode   func() (string, error)
	now       func() time.Time
}

// NewUploader validates options and returns an Uploader.
func NewUploader(opts UploaderOptions) (*Uploader, error) {
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
	if opts.PartSize <= 0 {
		opts.PartSize = models.DefaultPartSize
	}
	if limit := opts.Channel.MaxBlobSize(); opts.PartSize > limit {
		return nil, fmt.Errorf("part size %d exceeds channel limit %d", opts.PartSize, limit)
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewCode == nil {
		opts.NewCode = codegen.New
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := opts.Fs.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Uploader{
		channel:   opts.Channel,
		store:     opts.Store,
		fs:        opts.Fs,
		dir:       opts.ScratchDir,
		partSize:  opts.PartSize,
		maxUpload: opts.MaxUploadBytes,
		channelID: opts.ChannelID,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "uploader"),
		newCode:   opts.NewCode,
		now:       opts.Now,
	}, nil
}

// PartSize returns the configured part size.
func (u *Uploader) PartSize() int64 {
	return u.partSize
}

// Store spools r, uploads it as one blob or as ordered parts, and persists
// the manifest. totalSize may be UnknownSize.
func (u *Uploader) Store(ctx context.Context, r io.Reader, fileName string, totalSize int64) (manifest *models.Manifest, err error) {
	start := time.Now()
	defer func() {
		var size int64
		parts := 0
		if manifest != nil {
			size, parts = manifest.FileSize, manifest.NumParts()
		}
		u.metrics.ObserveUpload(metrics.Outcome(err), size, parts, time.Since(start).Seconds())
	}()

	name, err := u.validate(r, fileName, totalSize)
	if err != nil {
		return nil, err
	}
	if err := u.channel.Ready(ctx); err != nil {
		if errors.Is(err, ErrChannelUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	spoolPath, size, err := u.spool(r, totalSize)
	if spoolPath != "" {
		defer u.removeSpool(spoolPath)
	}
	if err != nil {
		return nil, err
	}

	result, err := u.transfer(ctx, spoolPath, name, size)
	if err != nil {
		u.logger.Warn("upload aborted", "file", name, "size", humanize.IBytes(uint64(size)), "error", err)
		return nil, err
	}

	manifest = &models.Manifest{
		FileName:  name,
		FileSize:  size,
		FileType:  models.FileType(name),
		PartURLs:  result.urls,
		PartSizes: result.sizes,
		Checksum:  result.digest,
		ChannelID: u.channelID,
		CreatedAt: u.now().UTC(),
	}
	if err := u.persist(ctx, manifest); err != nil {
		return nil, err
	}

	u.logger.Info("file stored",
		"code", manifest.RetrievalCode,
		"file", name,
		"size", humanize.IBytes(uint64(size)),
		"parts", manifest.NumParts(),
		"chunked", manifest.Chunked(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return manifest, nil
}

func (u *Uploader) validate(r io.Reader, fileName string, totalSize int64) (string, error) {
	if r == nil {
		return "", validationError("file", "no file part in request")
	}
	name := baseName(fileName)
	if name == "" {
		return "", validationError("file", "no selected file")
	}
	switch {
	case totalSize == 0:
		return "", validationError("file", "file is empty")
	case totalSize < UnknownSize:
		return "", validationError("file", "invalid size %d", totalSize)
	case totalSize > u.maxUpload:
		return "", validationError("file", "file is %s, limit is %s", humanize.IBytes(uint64(totalSize)), humanize.IBytes(uint64(u.maxUpload)))
	}
	return name, nil
}

// spool copies r into a scratch file owned by this upload.
func (u *Uploader) spool(r io.Reader, totalSize int64) (string, int64, error) {
	spoolPath := filepath.Join(u.dir, uploadSpoolPrefix+uuid.NewString())
	f, err := u.fs.OpenFile(spoolPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create spool: %w", err)
	}
	n, copyErr := io.CopyBuffer(f, io.LimitReader(r, u.maxUpload+1), make([]byte, checksum.BlockSize))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		return spoolPath, 0, fmt.Errorf("spool upload: %w", copyErr)
	case closeErr != nil:
		return spoolPath, 0, fmt.Errorf("spool upload: %w", closeErr)
	case n > u.maxUpload:
		return spoolPath, 0, validationError("file", "file exceeds limit of %s", humanize.IBytes(uint64(u.maxUpload)))
	case n == 0:
		return spoolPath, 0, validationError("file", "file is empty")
	case totalSize != UnknownSize && n != totalSize:
		return spoolPath, 0, validationError("file", "received %d bytes, expected %d", n, totalSize)
	}
	return spoolPath, n, nil
}

type transferResult struct {
	urls   []string
	sizes  []int64
	digest string
}

// transfer checksums the spool and uploads its parts concurrently. Each
// goroutine reads through its own handle.
func (u *Uploader) transfer(ctx context.Context, spoolPath, name string, size int64) (*transferResult, error) {
	result := &transferResult{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		f, err := u.fs.Open(spoolPath)
		if err != nil {
			return err
		}
		defer f.Close()
		digest, err := checksum.Compute(f)
		if err != nil {
			return err
		}
		if digest.SizeBytes != size {
			return fmt.Errorf("checksum covered %d bytes, spooled %d", digest.SizeBytes, size)
		}
		result.digest = digest.Hex
		return nil
	})

	g.Go(func() error {
		f, err := u.fs.Open(spoolPath)
		if err != nil {
			return err
		}
		defer f.Close()
		urls, sizes, err := u.uploadParts(gctx, f, name, size)
		if err != nil {
			return err
		}
		result.urls, result.sizes = urls, sizes
		return nil
	})

	if err := g.Wait(); err != nil {
		var failed *UploadFailed
		if errors.As(err, &failed) {
			return nil, err
		}
		return nil, &UploadFailed{Reason: err}
	}
	return result, nil
}

// uploadParts sends parts strictly in sequence order. Each part is read
// straight from the spool. The first failure stops the loop.
func (u *Uploader) uploadParts(ctx context.Context, src io.ReaderAt, name string, size int64) ([]string, []int64, error) {
	parts, err := chunker.New(src, size, u.partSize)
	if err != nil {
		return nil, nil, err
	}
	count := parts.Count()
	urls := make([]string, 0, count)
	sizes := make([]int64, 0, count)

	for seq := 1; seq <= count; seq++ {
		partName := name
		if count > 1 {
			partName = models.PartName(name, seq)
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, &UploadFailed{Part: seq, Name: partName, Reason: err}
		}
		section, err := parts.Section(seq)
		if err != nil {
			return nil, nil, &UploadFailed{Part: seq, Name: partName, Reason: err}
		}

		url, err := u.channel.Upload(ctx, partName, section, section.Size())
		if err != nil {
			return nil, nil, &UploadFailed{Part: seq, Name: partName, Reason: err}
		}
		urls = append(urls, url)
		sizes = append(sizes, section.Size())
		u.logger.Debug("part uploaded",
			"file", name,
			"part", seq,
			"of", count,
			"size", humanize.IBytes(uint64(section.Size())),
		)
	}
	return urls, sizes, nil
}

// persist assigns a free code and writes the manifest. A code taken between
// the existence check and the insert is regenerated.
func (u *Uploader) persist(ctx context.Context, manifest *models.Manifest) error {
	exists := func(code string) (bool, error) {
		return u.store.ManifestExists(ctx, code)
	}
	var lastErr error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		code, err := codegen.Unique(u.newCode, exists)
		if err != nil {
			return fmt.Errorf("generate retrieval code: %w", err)
		}
		manifest.RetrievalCode = code
		err = u.store.CreateManifest(ctx, manifest)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrCodeExists) {
			return fmt.Errorf("persist manifest: %w", err)
		}
		lastErr = err
		u.logger.Warn("retrieval code taken during insert, regenerating", "code", code)
	}
	return fmt.Errorf("persist manifest: %w", lastErr)
}

func (u *Uploader) removeSpool(spoolPath string) {
	if err := u.fs.Remove(spoolPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.logger.Warn("spool cleanup failed", "path", spoolPath, "error", err)
	}
}

// baseName strips any client-supplied directory components.
func baseName(fileName string) string {
	name := strings.TrimSpace(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "" {
		return ""
	}
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
