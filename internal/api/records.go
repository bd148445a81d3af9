package api

import (
	"net/http"

	"github.com/seantiz/specrun/internal/store"
)

// listRecordsResponse wraps the paginated list response.
type listRecordsResponse struct {
	Records []*store.StoredRecord `json:"records"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	specID := r.URL.Query().Get("spec_id")

	records, total, err := s.store.ListRecords(r.Context(), specID, limit, offset)
	if err != nil {
		s.logger.Error("list records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	if records == nil {
		records = []*store.StoredRecord{}
	}

	s.writeJSON(w, http.StatusOK, listRecordsResponse{
		Records: records,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRecordStats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}
