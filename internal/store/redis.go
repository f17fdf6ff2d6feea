package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relaybox/internal/models"
)

const (
	defaultRedisURL  = "redis://localhost:6379"
	redisKeyPrefix   = "relaybox:"
	redisIndexKey    = redisKeyPrefix + "manifests"
	redisStatsKey    = redisKeyPrefix + "stats"
	redisDialTimeout = 2 * time.Second
)

// RedisStore persists manifests in Redis. Manifest content is written once
// with SETNX; the download counter lives in its own key.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects to url and verifies the connection.
func OpenRedis(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Backend names the storage engine.
func (s *RedisStore) Backend() string {
	return BackendRedis
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ManifestExists checks whether a manifest exists by code.
func (s *RedisStore) ManifestExists(ctx context.Context, code string) (bool, error) {
	n, err := s.client.Exists(ctx, manifestKey(code)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateManifest claims the code with SETNX, then indexes it.
func (s *RedisStore) CreateManifest(ctx context.Context, manifest *models.Manifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}
	stored := *manifest
	stored.DownloadCount = 0
	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	ok, err := s.client.SetNX(ctx, manifestKey(manifest.RetrievalCode), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrCodeExists, manifest.RetrievalCode)
	}

	pipe := s.client.TxPipeline()
	if manifest.DownloadCount > 0 {
		pipe.Set(ctx, downloadsKey(manifest.RetrievalCode), manifest.DownloadCount, 0)
	}
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{
		Score:  float64(manifest.CreatedAt.UnixNano()),
		Member: manifest.RetrievalCode,
	})
	pipe.HIncrBy(ctx, redisStatsKey, "bytes", manifest.FileSize)
	pipe.HIncrBy(ctx, redisStatsKey, "parts", int64(manifest.NumParts()))
	pipe.HIncrBy(ctx, redisStatsKey, "downloads", manifest.DownloadCount)
	if _, err := pipe.Exec(ctx); err != nil {
		_ = s.client.Del(context.WithoutCancel(ctx), manifestKey(manifest.RetrievalCode)).Err()
		return fmt.Errorf("index manifest: %w", err)
	}
	return nil
}

// GetManifest returns one manifest with its current download count.
func (s *RedisStore) GetManifest(ctx context.Context, code string) (*models.Manifest, error) {
	pipe := s.client.Pipeline()
	content := pipe.Get(ctx, manifestKey(code))
	downloads := pipe.Get(ctx, downloadsKey(code))
	_, _ = pipe.Exec(ctx)

	return decodeRedisManifest(content, downloads)
}

// IncrementDownloadCount uses INCR on the counter key.
func (s *RedisStore) IncrementDownloadCount(ctx context.Context, code string) (int64, error) {
	exists, err := s.ManifestExists(ctx, code)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotFound
	}
	pipe := s.client.TxPipeline()
	count := pipe.Incr(ctx, downloadsKey(code))
	pipe.HIncrBy(ctx, redisStatsKey, "downloads", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

// ListManifests returns the most recent manifests, newest first.
func (s *RedisStore) ListManifests(ctx context.Context, limit int) ([]models.Manifest, error) {
	codes, err := s.client.ZRevRange(ctx, redisIndexKey, 0, int64(clampLimit(limit))-1).Result()
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return []models.Manifest{}, nil
	}

	pipe := s.client.Pipeline()
	contents := make([]*redis.StringCmd, len(codes))
	counts := make([]*redis.StringCmd, len(codes))
	for i, code := range codes {
		contents[i] = pipe.Get(ctx, manifestKey(code))
		counts[i] = pipe.Get(ctx, downloadsKey(code))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]models.Manifest, 0, len(codes))
	for i := range codes {
		manifest, err := decodeRedisManifest(contents[i], counts[i])
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *manifest)
	}
	return out, nil
}

// StoreInfo reports aggregate counts kept in the stats hash.
func (s *RedisStore) StoreInfo(ctx context.Context) (*StoreInfo, error) {
	total, err := s.client.ZCard(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, err
	}
	stats, err := s.client.HGetAll(ctx, redisStatsKey).Result()
	if err != nil {
		return nil, err
	}
	info := &StoreInfo{Backend: BackendRedis, TotalManifests: total}
	for field, dst := range map[string]*int64{
		"bytes":     &info.TotalBytes,
		"parts":     &info.TotalParts,
		"downloads": &info.TotalDownloads,
	} {
		if raw, ok := stats[field]; ok {
			if _, err := fmt.Sscan(raw, dst); err != nil {
				return nil, fmt.Errorf("parse stats field %s: %w", field, err)
			}
		}
	}
	return info, nil
}

func decodeRedisManifest(content, downloads *redis.StringCmd) (*models.Manifest, error) {
	data, err := content.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var manifest models.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}

	count, err := downloads.Int64()
	switch {
	case errors.Is(err, redis.Nil):
		count = 0
	case err != nil:
		return nil, err
	}
	manifest.DownloadCount = count
	return &manifest, nil
}

func manifestKey(code string) string {
	return redisKeyPrefix + "manifest:" + code
}

func downloadsKey(code string) string {
	return redisKeyPrefix + "manifest:" + code + ":downloads"
}
