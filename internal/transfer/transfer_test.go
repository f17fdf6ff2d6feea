package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"relaybox/internal/blobchannel"
	"relaybox/internal/models"
	"relaybox/internal/store"
)

const scratchDir = "/scratch"

// fakeChannel keeps blobs in memory and fails chosen calls.
type fakeChannel struct {
	mu           sync.Mutex
	blobs        map[string][]byte
	names        []string
	uploadCalls  int
	fetchCalls   int
	failUploadAt int
	failFetchAt  int
	notReady     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{blobs: map[string][]byte{}}
}

func (c *fakeChannel) Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadCalls++
	if c.uploadCalls == c.failUploadAt {
		return "", errors.New("channel rejected message")
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("declared %d bytes, got %d", size, len(data))
	}
	url := fmt.Sprintf("mem://%d/%s", len(c.blobs)+1, name)
	c.blobs[url] = data
	c.names = append(c.names, name)
	return url, nil
}

func (c *fakeChannel) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchCalls++
	if c.fetchCalls == c.failFetchAt {
		return nil, &blobchannel.StatusError{Op: "fetch", StatusCode: 404}
	}
	data, ok := c.blobs[url]
	if !ok {
		return nil, &blobchannel.StatusError{Op: "fetch", StatusCode: 404}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *fakeChannel) MaxBlobSize() int64 { return 64 << 20 }

func (c *fakeChannel) Ready(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notReady {
		return fmt.Errorf("%w: gateway not connected", blobchannel.ErrChannelUnavailable)
	}
	return nil
}

func (c *fakeChannel) uploadedNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

type harness struct {
	fs        afero.Fs
	channel   *fakeChannel
	store     store.ManifestStore
	uploader  *Uploader
	retriever *Retriever
	janitor   *Janitor
}

func newHarness(t *testing.T, partSize int64, mutate ...func(*UploaderOptions)) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relaybox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{fs: afero.NewMemMapFs(), channel: newFakeChannel(), store: st}
	opts := UploaderOptions{
		Channel:    h.channel,
		Store:      st,
		Fs:         h.fs,
		ScratchDir: scratchDir,
		PartSize:   partSize,
		ChannelID:  "123",
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.uploader, err = NewUploader(opts)
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}

	h.janitor = NewJanitor(context.Background(), h.fs, nil)
	t.Cleanup(func() { h.janitor.Close() })
	h.retriever, err = NewRetriever(RetrieverOptions{
		Channel:    h.channel,
		Store:      opts.Store,
		Fs:         h.fs,
		ScratchDir: scratchDir,
		Janitor:    h.janitor,
	})
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}
	return h
}

func (h *harness) scratchFiles(t *testing.T) []string {
	t.Helper()
	entries, err := afero.ReadDir(h.fs, scratchDir)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return data
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func readDownload(t *testing.T, d *Download) []byte {
	t.Helper()
	data, err := io.ReadAll(d.File)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	return data
}

func TestRoundTripAcrossSizes(t *testing.T) {
	const partSize = 1024
	for _, size := range []int{1, 100, partSize - 1, partSize, partSize + 1, 3 * partSize, 3*partSize + 7} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			h := newHarness(t, partSize)
			ctx := context.Background()
			data := randomBytes(t, size)

			manifest, err := h.uploader.Store(ctx, bytes.NewReader(data), "sample.bin", int64(size))
			if err != nil {
				t.Fatalf("store: %v", err)
			}
			wantParts := (size + partSize - 1) / partSize
			if manifest.NumParts() != wantParts {
				t.Fatalf("expected %d parts, got %d", wantParts, manifest.NumParts())
			}
			if manifest.Checksum != sha256Hex(data) {
				t.Fatalf("recorded checksum mismatch")
			}

			download, err := h.retriever.Retrieve(ctx, manifest.RetrievalCode)
			if err != nil {
				t.Fatalf("retrieve: %v", err)
			}
			defer download.Release()
			got := readDownload(t, download)
			if !bytes.Equal(got, data) {
				t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
			}
			if sha256Hex(got) != manifest.Checksum {
				t.Fatalf("retrieved checksum does not match manifest")
			}
		})
	}
}

func TestStoreSinglePartFile(t *testing.T) {
	h := newHarness(t, models.DefaultPartSize)
	data := randomBytes(t, 3*1024*1024)

	manifest, err := h.uploader.Store(context.Background(), bytes.NewReader(data), "photo.jpg", int64(len(data)))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if manifest.NumParts() != 1 || manifest.Chunked() {
		t.Fatalf("expected single part, got %d", manifest.NumParts())
	}
	if manifest.FileSize != 3*1024*1024 {
		t.Fatalf("expected file_size 3 MiB, got %d", manifest.FileSize)
	}
	if !models.IsRetrievalCode(manifest.RetrievalCode) {
		t.Fatalf("single part upload must return a code, got %q", manifest.RetrievalCode)
	}
	if names := h.channel.uploadedNames(); len(names) != 1 || names[0] != "photo.jpg" {
		t.Fatalf("expected blob named photo.jpg, got %v", names)
	}
	if manifest.FileType != ".jpg" || manifest.ChannelID != "123" {
		t.Fatalf("unexpected metadata: %+v", manifest)
	}
	if files := h.scratchFiles(t); len(files) != 0 {
		t.Fatalf("spool not removed: %v", files)
	}
}

func TestStoreChunkedTwentyMiB(t *testing.T) {
	h := newHarness(t, models.DefaultPartSize)
	ctx := context.Background()
	data := randomBytes(t, 20*1024*1024)

	manifest, err := h.uploader.Store(ctx, bytes.NewReader(data), "backup.zip", UnknownSize)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	const mib = 1024 * 1024
	wantSizes := []int64{8 * mib, 8 * mib, 4 * mib}
	if manifest.NumParts() != 3 {
		t.Fatalf("expected 3 parts, got %d", manifest.NumParts())
	}
	for i, size := range wantSizes {
		if manifest.PartSizes[i] != size {
			t.Fatalf("part %d: expected %d bytes, got %d", i+1, size, manifest.PartSizes[i])
		}
	}
	names := h.channel.uploadedNames()
	wantNames := []string{"backup_part1.zip", "backup_part2.zip", "backup_part3.zip"}
	if strings.Join(names, ",") != strings.Join(wantNames, ",") {
		t.Fatalf("expected parts %v in order, got %v", wantNames, names)
	}

	download, err := h.retriever.Retrieve(ctx, manifest.RetrievalCode)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	defer download.Release()
	got := readDownload(t, download)
	if int64(len(got)) != 20*mib || sha256Hex(got) != sha256Hex(data) {
		t.Fatalf("reassembled file does not match original")
	}
	if download.Manifest.DownloadCount != 1 {
		t.Fatalf("expected download count 1, got %d", download.Manifest.DownloadCount)
	}
}

func TestStoreAbortsOnPartFailure(t *testing.T) {
	h := newHarness(t, 1024)
	h.channel.failUploadAt = 2
	ctx := context.Background()

	_, err := h.uploader.Store(ctx, bytes.NewReader(randomBytes(t, 3000)), "notes.txt", 3000)
	var failed *UploadFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected UploadFailed, got %v", err)
	}
	if failed.Part != 2 || failed.Name != "notes_part2.txt" {
		t.Fatalf("expected failure on part 2, got %+v", failed)
	}
	if h.channel.uploadCalls != 2 {
		t.Fatalf("expected remaining parts to be skipped, got %d upload calls", h.channel.uploadCalls)
	}

	list, err := h.store.ListManifests(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no manifest after failure, got %d", len(list))
	}
	if files := h.scratchFiles(t); len(files) != 0 {
		t.Fatalf("spool not removed after failure: %v", files)
	}
}

func TestStoreRegeneratesCollidingCode(t *testing.T) {
	codes := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	var calls int
	h := newHarness(t, 1024, func(opts *UploaderOptions) {
		opts.NewCode = func() (string, error) {
			code := codes[min(calls, len(codes)-1)]
			calls++
			return code, nil
		}
	})
	ctx := context.Background()

	first, err := h.uploader.Store(ctx, strings.NewReader("first"), "a.txt", 5)
	if err != nil {
		t.Fatalf("store first: %v", err)
	}
	if first.RetrievalCode != "AAAAAAAA" {
		t.Fatalf("expected AAAAAAAA, got %s", first.RetrievalCode)
	}

	second, err := h.uploader.Store(ctx, strings.NewReader("second"), "b.txt", 6)
	if err != nil {
		t.Fatalf("store second: %v", err)
	}
	if second.RetrievalCode != "BBBBBBBB" {
		t.Fatalf("expected regenerated code BBBBBBBB, got %s", second.RetrievalCode)
	}

	got, err := h.store.GetManifest(ctx, "AAAAAAAA")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FileName != "a.txt" {
		t.Fatalf("first manifest was overwritten: %+v", got)
	}
}

// racingStore reports codes free but loses the first insert.
type racingStore struct {
	store.ManifestStore
	lost bool
}

func (s *racingStore) ManifestExists(ctx context.Context, code string) (bool, error) {
	return false, nil
}

func (s *racingStore) CreateManifest(ctx context.Context, m *models.Manifest) error {
	if !s.lost {
		s.lost = true
		return fmt.Errorf("%w: %s", store.ErrCodeExists, m.RetrievalCode)
	}
	return s.ManifestStore.CreateManifest(ctx, m)
}

func TestStoreRetriesInsertRace(t *testing.T) {
	var racing *racingStore
	h := newHarness(t, 1024, func(opts *UploaderOptions) {
		racing = &racingStore{ManifestStore: opts.Store}
		opts.Store = racing
	})

	manifest, err := h.uploader.Store(context.Background(), strings.NewReader("payload"), "a.txt", 7)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !racing.lost {
		t.Fatal("expected the first insert to lose the race")
	}
	if _, err := h.store.GetManifest(context.Background(), manifest.RetrievalCode); err != nil {
		t.Fatalf("manifest not persisted: %v", err)
	}
}

func TestGeneratedCodesNeverShareAManifest(t *testing.T) {
	h := newHarness(t, 1024)
	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		manifest, err := h.uploader.Store(ctx, strings.NewReader("x"), "x.txt", 1)
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		if seen[manifest.RetrievalCode] {
			t.Fatalf("code %s issued twice", manifest.RetrievalCode)
		}
		seen[manifest.RetrievalCode] = true
	}
}

func TestStoreChannelUnavailable(t *testing.T) {
	h := newHarness(t, 1024)
	h.channel.notReady = true

	_, err := h.uploader.Store(context.Background(), strings.NewReader("hello"), "a.txt", 5)
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
	if h.channel.uploadCalls != 0 {
		t.Fatalf("expected no uploads, got %d", h.channel.uploadCalls)
	}
	if files := h.scratchFiles(t); len(files) != 0 {
		t.Fatalf("expected no scratch files, got %v", files)
	}
}

func TestStoreValidation(t *testing.T) {
	h := newHarness(t, 1024, func(opts *UploaderOptions) {
		opts.MaxUploadBytes = 10
	})
	cases := []struct {
		name     string
		r        io.Reader
		fileName string
		size     int64
	}{
		{"missing file", nil, "a.txt", 1},
		{"empty name", strings.NewReader("x"), "", 1},
		{"dot name", strings.NewReader("x"), "..", 1},
		{"empty file", strings.NewReader(""), "a.txt", 0},
		{"empty unknown size", strings.NewReader(""), "a.txt", UnknownSize},
		{"declared too large", strings.NewReader("x"), "a.txt", 11},
		{"stream too large", strings.NewReader(strings.Repeat("x", 11)), "a.txt", UnknownSize},
		{"short stream", strings.NewReader("abc"), "a.txt", 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.uploader.Store(context.Background(), tc.r, tc.fileName, tc.size)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if h.channel.uploadCalls != 0 {
		t.Fatalf("validation failures must not reach the channel")
	}
	if files := h.scratchFiles(t); len(files) != 0 {
		t.Fatalf("expected no scratch files, got %v", files)
	}
}

func TestStoreStripsClientDirectories(t *testing.T) {
	h := newHarness(t, 1024)
	manifest, err := h.uploader.Store(context.Background(), strings.NewReader("x"), `C:\Users\me\report.pdf`, 1)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if manifest.FileName != "report.pdf" {
		t.Fatalf("expected report.pdf, got %q", manifest.FileName)
	}
}

func TestRetrieveUnknownCode(t *testing.T) {
	h := newHarness(t, 1024)
	for _, code := range []string{"ZZZZZZZZ", "short", ""} {
		if _, err := h.retriever.Retrieve(context.Background(), code); !errors.Is(err, ErrUnknownCode) {
			t.Fatalf("expected ErrUnknownCode for %q, got %v", code, err)
		}
	}
}

func TestRetrieveIsAtomicOnFetchFailure(t *testing.T) {
	h := newHarness(t, 1024)
	ctx := context.Background()
	manifest, err := h.uploader.Store(ctx, bytes.NewReader(randomBytes(t, 3000)), "a.bin", 3000)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	h.channel.failFetchAt = 2

	download, err := h.retriever.Retrieve(ctx, manifest.RetrievalCode)
	if download != nil {
		t.Fatal("no download may be returned on failure")
	}
	var fetchErr *PartFetchError
	if !errors.As(err, &fetchErr) || fetchErr.Index != 2 {
		t.Fatalf("expected PartFetchError for part 2, got %v", err)
	}
	var status *blobchannel.StatusError
	if !errors.As(err, &status) || status.StatusCode != 404 {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if files := h.scratchFiles(t); len(files) != 0 {
		t.Fatalf("partial artifact left behind: %v", files)
	}
	got, err := h.store.GetManifest(ctx, manifest.RetrievalCode)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DownloadCount != 0 {
		t.Fatalf("failed retrieval must not count, got %d", got.DownloadCount)
	}
}

func TestRetrieveDetectsCorruption(t *testing.T) {
	h := newHarness(t, 1024)
	ctx := context.Background()
	manifest, err := h.uploader.Store(ctx, strings.NewReader("original"), "a.txt", 8)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	h.channel.blobs[manifest.PartURLs[0]] = []byte("tampered")

	_, err = h.retriever.Retrieve(ctx, manifest.RetrievalCode)
	var mismatch *IntegrityMismatch
	if !errors.As(err, &mismatch) || mismatch.Field != "checksum" {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestRetrieveDetectsTruncation(t *testing.T) {
	h := newHarness(t, 1024)
	ctx := context.Background()
	m := &models.Manifest{
		RetrievalCode: "TRUNC001",
		FileName:      "a.txt",
		FileSize:      8,
		FileType:      ".txt",
		PartURLs:      []string{"mem://x/a.txt"},
		Checksum:      sha256Hex([]byte("original")),
		CreatedAt:     time.Now(),
	}
	if err := h.store.CreateManifest(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.channel.blobs["mem://x/a.txt"] = []byte("orig")

	_, err := h.retriever.Retrieve(ctx, "TRUNC001")
	var mismatch *IntegrityMismatch
	if !errors.As(err, &mismatch) || mismatch.Field != "size" {
		t.Fatalf("expected size mismatch, got %v", err)
	}
}

func TestConcurrentRetrievalsUseDistinctArtifacts(t *testing.T) {
	h := newHarness(t, 1024)
	ctx := context.Background()
	data := randomBytes(t, 2500)
	manifest, err := h.uploader.Store(ctx, bytes.NewReader(data), "a.bin", 2500)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	first, err := h.retriever.Retrieve(ctx, manifest.RetrievalCode)
	if err != nil {
		t.Fatalf("retrieve first: %v", err)
	}
	second, err := h.retriever.Retrieve(ctx, manifest.RetrievalCode)
	if err != nil {
		t.Fatalf("retrieve second: %v", err)
	}
	if first.Path == second.Path {
		t.Fatalf("retrievals share artifact %s", first.Path)
	}
	if !bytes.Equal(readDownload(t, first), data) || !bytes.Equal(readDownload(t, second), data) {
		t.Fatal("artifact content mismatch")
	}
	first.Release()
	second.Release()
	if second.Manifest.DownloadCount != 2 {
		t.Fatalf("expected download count 2, got %d", second.Manifest.DownloadCount)
	}
}

func TestDownloadReleaseSchedulesCleanup(t *testing.T) {
	h := newHarness(t, 1024)
	ctx := context.Background()
	manifest, err := h.uploader.Store(ctx, strings.NewReader("hello"), "a.txt", 5)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	h.retriever.cleanupDelay = time.Hour
	download, err := h.retriever.Retrieve(ctx, manifest.RetrievalCode)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(download.Path), "combined-"+manifest.RetrievalCode+"-") {
		t.Fatalf("unexpected artifact name %s", download.Path)
	}
	download.Release()
	download.Release()
	if h.janitor.Pending() != 1 {
		t.Fatalf("expected one pending deletion, got %d", h.janitor.Pending())
	}
	if exists, _ := afero.Exists(h.fs, download.Path); !exists {
		t.Fatal("artifact removed before the cleanup delay")
	}

	if err := h.janitor.Close(); err != nil {
		t.Fatalf("close janitor: %v", err)
	}
	if exists, _ := afero.Exists(h.fs, download.Path); exists {
		t.Fatal("artifact not removed on janitor close")
	}
}
