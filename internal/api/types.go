package api

import (
	"time"

	"relaybox/internal/models"
)

// ErrorResponse is a generic JSON error wrapper.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	Message    string `json:"message" yaml:"message"`
	UniqueCode string `json:"unique_code" yaml:"unique_code"`
	FileName   string `json:"file_name" yaml:"file_name"`
	FileSize   int64  `json:"file_size" yaml:"file_size"`
	Parts      int    `json:"parts" yaml:"parts"`
	Checksum   string `json:"checksum" yaml:"checksum"`
}

// FileSummary is one row of GET /v1/files. It never carries the retrieval
// code, since holding the code is what grants a download.
type FileSummary struct {
	FileName      string    `json:"file_name" yaml:"file_name"`
	FileSize      int64     `json:"file_size" yaml:"file_size"`
	FileType      string    `json:"file_type" yaml:"file_type"`
	Parts         int       `json:"parts" yaml:"parts"`
	UploadTime    time.Time `json:"upload_time" yaml:"upload_time"`
	DownloadCount int64     `json:"download_count" yaml:"download_count"`
}

// FileListResponse wraps a page of recent files.
type FileListResponse struct {
	Files []FileSummary `json:"files" yaml:"files"`
	Count int           `json:"count" yaml:"count"`
}

// InfoResponse describes the running server and its manifest store.
type InfoResponse struct {
	Backend        string `json:"backend" yaml:"backend"`
	SchemaVersion  int    `json:"schema_version" yaml:"schema_version"`
	ChannelKind    string `json:"channel_kind" yaml:"channel_kind"`
	PartSize       int64  `json:"part_size" yaml:"part_size"`
	TotalFiles     int64  `json:"total_files" yaml:"total_files"`
	TotalParts     int64  `json:"total_parts" yaml:"total_parts"`
	TotalBytes     int64  `json:"total_bytes" yaml:"total_bytes"`
	TotalDownloads int64  `json:"total_downloads" yaml:"total_downloads"`
}

// SummaryFromManifest flattens a manifest for listings.
func SummaryFromManifest(m *models.Manifest) FileSummary {
	return FileSummary{
		FileName:      m.FileName,
		FileSize:      m.FileSize,
		FileType:      m.FileType,
		Parts:         m.NumParts(),
		UploadTime:    m.CreatedAt,
		DownloadCount: m.DownloadCount,
	}
}
