package server

import (
	"net/http"

	"relaybox/internal/api"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.StoreInfo(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	resp := api.InfoResponse{
		Backend:        info.Backend,
		SchemaVersion:  info.SchemaVersion,
		ChannelKind:    s.channelKind,
		PartSize:       s.uploader.PartSize(),
		TotalFiles:     info.TotalManifests,
		TotalParts:     info.TotalParts,
		TotalBytes:     info.TotalBytes,
		TotalDownloads: info.TotalDownloads,
	}

	s.writeJSON(w, http.StatusOK, resp)
}
