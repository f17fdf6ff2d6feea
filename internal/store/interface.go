package store

import (
	"context"
	"errors"

	"relaybox/internal/models"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

var (
	// ErrNotFound is returned when no manifest exists for a code.
	ErrNotFound = errors.New("manifest not found")
	// ErrCodeExists is returned when a manifest already holds the code.
	ErrCodeExists = errors.New("retrieval code already in use")
)

// ManifestStore abstracts manifest storage backends.
type ManifestStore interface {
	ManifestExists(ctx context.Context, code string) (bool, error)
	CreateManifest(ctx context.Context, manifest *models.Manifest) error
	GetManifest(ctx context.Context, code string) (*models.Manifest, error)
	IncrementDownloadCount(ctx context.Context, code string) (int64, error)
	ListManifests(ctx context.Context, limit int) ([]models.Manifest, error)
	StoreInfo(ctx context.Context) (*StoreInfo, error)
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

// StoreInfo summarizes store contents.
type StoreInfo struct {
	Backend        string `json:"backend" yaml:"backend"`
	SchemaVersion  int    `json:"schema_version" yaml:"schema_version"`
	TotalManifests int64  `json:"total_manifests" yaml:"total_manifests"`
	TotalParts     int64  `json:"total_parts" yaml:"total_parts"`
	TotalBytes     int64  `json:"total_bytes" yaml:"total_bytes"`
	TotalDownloads int64  `json:"total_downloads" yaml:"total_downloads"`
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

var (
	_ ManifestStore = (*Store)(nil)
	_ ManifestStore = (*RedisStore)(nil)
	_ ManifestStore = (*Cached)(nil)
)
