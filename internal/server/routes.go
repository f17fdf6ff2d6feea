package server

import (
	"net/http"

	"relaybox/internal/metrics"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health check, info and metrics.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/info", s.handleInfo)
	mux.Handle("GET /metrics", metrics.Handler())

	// Upload form.
	mux.HandleFunc("GET /{$}", s.handleUIIndex)
	mux.Handle("GET /ui/", s.uiAssetHandler())

	// Form endpoints used by the upload page.
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /download", s.handleDownloadForm)

	// Files.
	mux.HandleFunc("GET /v1/files", s.handleListFiles)
	mux.HandleFunc("GET /v1/files/{code}", s.handleDownload)
	mux.HandleFunc("GET /v1/files/{code}/manifest", s.handleGetManifest)

	return mux
}
