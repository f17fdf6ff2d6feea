package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"relaybox/internal/api"
)

// Numeric codes mirrored from the server's error table.
const (
	errCodeRequestTooLarge = 1002
	errCodeUnknownCode     = 2001
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case errCodeUnknownCode:
			lines = append(lines, "hint: retrieval codes are 8 characters (A-Z, 0-9); check for typos.")
		case errCodeRequestTooLarge:
			lines = append(lines, "hint: raise transfer.max_upload_bytes on the server to accept larger files.")
		}
		if apiErr.Code == "resource_exhausted" {
			lines = append(lines, "hint: the server is busy with other transfers; retry shortly.")
		}
		if apiErr.Code == "" {
			lines = append(lines, "hint: verify RELAYBOX_API_URL points to a relaybox server.")
		}
		switch {
		case apiErr.Status == http.StatusServiceUnavailable:
			lines = append(lines, "hint: the blob channel is unreachable; check DISCORD_TOKEN and channel.channel_id on the server.")
		case apiErr.Status >= 500:
			lines = append(lines, "hint: server returned an internal error; check server logs for details.")
		}
		return uniqueLines(lines)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: request timed out; check server health or increase RELAYBOX_HTTP_TIMEOUT.")
		return uniqueLines(lines)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		lines = append(lines,
			"hint: ensure a relaybox server is running at RELAYBOX_API_URL.",
			"hint: start a local server manually with: relaybox srv",
			"hint: you can increase RELAYBOX_HTTP_TIMEOUT for slower environments.",
		)
		return uniqueLines(lines)
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
