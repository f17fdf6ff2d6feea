package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"relaybox/internal/api"
	"relaybox/internal/format"
	"relaybox/internal/models"
)

var outputFormatter format.Formatter = format.JSONFormatter{}

// writeJSON writes a structured payload in the selected format.
func writeJSON(payload any) error {
	return outputFormatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

func writeFileList(files []api.FileSummary) error {
	for _, file := range files {
		if err := writePlain("%s\n", formatFileLine(file)); err != nil {
			return err
		}
	}
	return nil
}

func formatFileLine(file api.FileSummary) string {
	return fmt.Sprintf("%-9s  %d part(s)  %d download(s)  %s  %s",
		humanize.IBytes(uint64(file.FileSize)),
		file.Parts,
		file.DownloadCount,
		formatTime(file.UploadTime),
		file.FileName,
	)
}

func writeManifestDetail(m models.Manifest) error {
	lines := []string{
		fmt.Sprintf("unique_code: %s", m.RetrievalCode),
		fmt.Sprintf("file_name: %s", m.FileName),
		fmt.Sprintf("file_size: %d (%s)", m.FileSize, humanize.IBytes(uint64(m.FileSize))),
		fmt.Sprintf("file_type: %s", m.FileType),
		fmt.Sprintf("checksum: %s", m.Checksum),
		fmt.Sprintf("upload_time: %s", formatTime(m.CreatedAt)),
		fmt.Sprintf("downloads: %d", m.DownloadCount),
	}
	if m.ChannelID != "" {
		lines = append(lines, fmt.Sprintf("channel_id: %s", m.ChannelID))
	}
	lines = append(lines, fmt.Sprintf("parts: %d", m.NumParts()))
	for i, partURL := range m.PartURLs {
		if len(m.PartSizes) == len(m.PartURLs) {
			lines = append(lines, fmt.Sprintf("  %d: %s (%s)", i+1, partURL, humanize.IBytes(uint64(m.PartSizes[i]))))
			continue
		}
		lines = append(lines, fmt.Sprintf("  %d: %s", i+1, partURL))
	}

	for _, line := range lines {
		if err := writePlain("%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
