package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"relaybox/internal/models"
)

const manifestColumns = "code, file_name, file_size, file_type, checksum, channel_id, created_at, download_count"

// ManifestExists checks whether a manifest exists by code.
func (s *Store) ManifestExists(ctx context.Context, code string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM manifests WHERE code = ? LIMIT 1", code).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateManifest inserts the manifest row and its ordered parts in one
// transaction.
func (s *Store) CreateManifest(ctx context.Context, manifest *models.Manifest) (err error) {
	if err := manifest.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO manifests (`+manifestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		manifest.RetrievalCode,
		manifest.FileName,
		manifest.FileSize,
		manifest.FileType,
		manifest.Checksum,
		manifest.ChannelID,
		formatTime(manifest.CreatedAt),
		manifest.DownloadCount,
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return fmt.Errorf("%w: %s", ErrCodeExists, manifest.RetrievalCode)
		}
		return err
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO manifest_parts (code, seq, url, size) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, partURL := range manifest.PartURLs {
		var size any
		if len(manifest.PartSizes) > 0 {
			size = manifest.PartSizes[i]
		}
		if _, err = stmt.ExecContext(ctx, manifest.RetrievalCode, i+1, partURL, size); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetManifest returns one manifest with parts in sequence order.
func (s *Store) GetManifest(ctx context.Context, code string) (*models.Manifest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE code = ?`, code)
	manifest, err := scanManifest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadParts(ctx, []*models.Manifest{manifest}); err != nil {
		return nil, err
	}
	return manifest, nil
}

// IncrementDownloadCount bumps the counter in place and returns the new value.
func (s *Store) IncrementDownloadCount(ctx context.Context, code string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"UPDATE manifests SET download_count = download_count + 1 WHERE code = ? RETURNING download_count",
		code,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListManifests returns the most recent manifests, newest first.
func (s *Store) ListManifests(ctx context.Context, limit int) ([]models.Manifest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+manifestColumns+` FROM manifests ORDER BY created_at DESC, code ASC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []*models.Manifest
	for rows.Next() {
		manifest, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, manifest)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if err := s.loadParts(ctx, manifests); err != nil {
		return nil, err
	}
	out := make([]models.Manifest, 0, len(manifests))
	for _, manifest := range manifests {
		out = append(out, *manifest)
	}
	return out, nil
}

// StoreInfo reports schema version and aggregate counts.
func (s *Store) StoreInfo(ctx context.Context) (*StoreInfo, error) {
	info := &StoreInfo{Backend: BackendSQLite}
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&info.SchemaVersion); err != nil {
		return nil, err
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(file_size), 0), COALESCE(SUM(download_count), 0)
		FROM manifests`,
	).Scan(&info.TotalManifests, &info.TotalBytes, &info.TotalDownloads)
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM manifest_parts").Scan(&info.TotalParts); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Store) loadParts(ctx context.Context, manifests []*models.Manifest) error {
	if len(manifests) == 0 {
		return nil
	}
	byCode := make(map[string]*models.Manifest, len(manifests))
	placeholders := make([]string, 0, len(manifests))
	args := make([]any, 0, len(manifests))
	for _, manifest := range manifests {
		byCode[manifest.RetrievalCode] = manifest
		placeholders = append(placeholders, "?")
		args = append(args, manifest.RetrievalCode)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT code, url, size FROM manifest_parts WHERE code IN ("+strings.Join(placeholders, ",")+") ORDER BY code, seq",
		args...,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	sized := make(map[string]bool, len(manifests))
	for code := range byCode {
		sized[code] = true
	}
	for rows.Next() {
		var (
			code, partURL string
			size          sql.NullInt64
		)
		if err := rows.Scan(&code, &partURL, &size); err != nil {
			return err
		}
		manifest := byCode[code]
		manifest.PartURLs = append(manifest.PartURLs, partURL)
		if size.Valid {
			manifest.PartSizes = append(manifest.PartSizes, size.Int64)
		} else {
			sized[code] = false
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for code, manifest := range byCode {
		if !sized[code] {
			manifest.PartSizes = nil
		}
	}
	return nil
}

func scanManifest(scanner interface {
	Scan(dest ...any) error
}) (*models.Manifest, error) {
	var (
		manifest  models.Manifest
		createdAt string
	)
	err := scanner.Scan(
		&manifest.RetrievalCode,
		&manifest.FileName,
		&manifest.FileSize,
		&manifest.FileType,
		&manifest.Checksum,
		&manifest.ChannelID,
		&createdAt,
		&manifest.DownloadCount,
	)
	if err != nil {
		return nil, err
	}
	manifest.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", manifest.RetrievalCode, err)
	}
	return &manifest, nil
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: manifests.code")
}
