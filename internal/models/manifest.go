package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	// RetrievalCodeLength is the fixed length of a retrieval code.
	RetrievalCodeLength = 8
	// RetrievalCodeAlphabet lists the symbols a retrieval code is drawn from.
	RetrievalCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Manifest is the durable record of one stored file.
type Manifest struct {
	RetrievalCode string    `json:"unique_code" yaml:"unique_code"`
	FileName      string    `json:"file_name" yaml:"file_name"`
	FileSize      int64     `json:"file_size" yaml:"file_size"`
	FileType      string    `json:"file_type" yaml:"file_type"`
	PartURLs      []string  `json:"part_urls" yaml:"part_urls"`
	PartSizes     []int64   `json:"part_sizes,omitempty" yaml:"part_sizes,omitempty"`
	Checksum      string    `json:"file_checksum" yaml:"file_checksum"`
	ChannelID     string    `json:"channel_id,omitempty" yaml:"channel_id,omitempty"`
	CreatedAt     time.Time `json:"upload_time" yaml:"upload_time"`
	DownloadCount int64     `json:"download_count" yaml:"download_count"`
}

// NumParts returns the number of remote blobs backing the file.
func (m *Manifest) NumParts() int {
	if m == nil {
		return 0
	}
	return len(m.PartURLs)
}

// Chunked reports whether the file was split across more than one blob.
func (m *Manifest) Chunked() bool {
	return m.NumParts() > 1
}

// Validate checks structural invariants before a manifest is persisted.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is required")
	}
	if !IsRetrievalCode(m.RetrievalCode) {
		return fmt.Errorf("invalid retrieval code %q", m.RetrievalCode)
	}
	if strings.TrimSpace(m.FileName) == "" {
		return fmt.Errorf("file name is required")
	}
	if m.FileSize <= 0 {
		return fmt.Errorf("file size must be positive")
	}
	if len(m.PartURLs) == 0 {
		return fmt.Errorf("manifest must reference at least one part")
	}
	for i, u := range m.PartURLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("part %d has empty url", i+1)
		}
	}
	if len(m.PartSizes) > 0 {
		if len(m.PartSizes) != len(m.PartURLs) {
			return fmt.Errorf("part sizes (%d) do not match part urls (%d)", len(m.PartSizes), len(m.PartURLs))
		}
		var total int64
		for _, size := range m.PartSizes {
			total += size
		}
		if total != m.FileSize {
			return fmt.Errorf("part sizes sum to %d, expected %d", total, m.FileSize)
		}
	}
	if len(m.Checksum) != 64 {
		return fmt.Errorf("checksum must be a hex sha256 digest")
	}
	return nil
}

// IsRetrievalCode reports whether code has the shape of a retrieval code.
func IsRetrievalCode(code string) bool {
	if len(code) != RetrievalCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(RetrievalCodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// FileType returns the extension of name including the leading dot.
func FileType(name string) string {
	return filepath.Ext(name)
}

// PartName returns the blob name used for one part of a chunked upload,
// e.g. "backup_part2.zip".
func PartName(fileName string, sequence int) string {
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)
	return fmt.Sprintf("%s_part%d%s", stem, sequence, ext)
}
