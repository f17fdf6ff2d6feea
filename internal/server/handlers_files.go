package server

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"relaybox/internal/api"
	"relaybox/internal/store"
)

const (
	// multipartOverhead covers boundaries and part headers around the file.
	multipartOverhead     int64 = 1 << 20
	uploadSuccessMessage        = "File uploaded successfully"
	noFilePartMessage           = "No file part"
	noSelectedFileMessage       = "No selected file"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.withLimiter(w, r, s.uploadLimiter, "upload", func() {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)
		if err := r.ParseMultipartForm(s.multipartMaxMemory); err != nil {
			if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
				s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(errors.New(noFilePartMessage), ErrCodeMissingFile))
				return
			}
			s.writeErrorReq(w, r, http.StatusBadRequest, classifyMultipartError(err))
			return
		}
		defer func() {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				s.log().Warn("multipart cleanup failed", "error", err)
			}
		}()

		file, header, err := r.FormFile("file")
		if err != nil {
			// A part sent without a filename is parsed as a plain value.
			if _, ok := r.MultipartForm.Value["file"]; ok {
				s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(errors.New(noSelectedFileMessage), ErrCodeEmptyFileName))
				return
			}
			s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(errors.New(noFilePartMessage), ErrCodeMissingFile))
			return
		}
		defer file.Close()
		if strings.TrimSpace(header.Filename) == "" {
			s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(errors.New(noSelectedFileMessage), ErrCodeEmptyFileName))
			return
		}

		manifest, err := s.uploader.Store(r.Context(), file, header.Filename, header.Size)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		s.writeJSON(w, http.StatusOK, api.UploadResponse{
			Message:    uploadSuccessMessage,
			UniqueCode: manifest.RetrievalCode,
			FileName:   manifest.FileName,
			FileSize:   manifest.FileSize,
			Parts:      manifest.NumParts(),
			Checksum:   manifest.Checksum,
		})
	})
}

func (s *Server) handleDownloadForm(w http.ResponseWriter, r *http.Request) {
	s.serveDownload(w, r, r.FormValue("unique_code"))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveDownload(w, r, r.PathValue("code"))
}

func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request, code string) {
	s.withLimiter(w, r, s.downloadLimiter, "download", func() {
		download, err := s.retriever.Retrieve(r.Context(), code)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		defer download.Release()

		manifest := download.Manifest
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": manifest.FileName}))
		w.Header().Set("X-Relaybox-Checksum", manifest.Checksum)
		http.ServeContent(w, r, manifest.FileName, manifest.CreatedAt, download.File)
	})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	manifest, err := s.retriever.Lookup(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit, err := queryIntDefault(r, "limit", store.DefaultListLimit)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	manifests, err := s.store.ListManifests(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	resp := api.FileListResponse{Files: make([]api.FileSummary, 0, len(manifests))}
	for i := range manifests {
		resp.Files = append(resp.Files, api.SummaryFromManifest(&manifests[i]))
	}
	resp.Count = len(resp.Files)
	s.writeJSON(w, http.StatusOK, resp)
}
