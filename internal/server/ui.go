package server

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed uiassets/index.html uiassets/static/*
var uiFS embed.FS

func (s *Server) uiAssetHandler() http.Handler {
	static, err := fs.Sub(uiFS, "uiassets/static")
	if err != nil {
		return http.NotFoundHandler()
	}

	fileServer := http.StripPrefix("/ui/", http.FileServerFS(static))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		fileServer.ServeHTTP(w, r)
	})
}

func (s *Server) handleUIIndex(w http.ResponseWriter, r *http.Request) {
	index, err := fs.ReadFile(uiFS, "uiassets/index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(index)
}
