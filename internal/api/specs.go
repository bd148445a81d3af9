package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/specrun/internal/agent"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/store"
)

// Specification sources reported by the list endpoint.
const (
	sourceProject = "project"
	sourceStore   = "store"
)

// SaveSpecBody is the JSON body for PUT /v1/specs/{id}. Revision names the
// stored revision the body was edited from; it is ignored for a
// specification that has never been saved.
type SaveSpecBody struct {
	ID       string               `json:"id"`
	Revision string               `json:"revision"`
	Spec     *model.Specification `json:"spec"`
}

type saveSpecResponse struct {
	ID       string `json:"id"`
	Revision string `json:"revision"`
}

type specEntry struct {
	model.SpecSummary
	Source string `json:"source"`
}

type listSpecsResponse struct {
	Specifications []specEntry `json:"specifications"`
	Total          int         `json:"total"`
}

func (s *Server) handleListSpecs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.specEntries(r.Context())
	if err != nil {
		s.logger.Error("list specifications", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list specifications")
		return
	}
	s.writeJSON(w, http.StatusOK, listSpecsResponse{Specifications: entries, Total: len(entries)})
}

// specEntries merges the project's specifications with the saved ones. A
// saved body replaces the project file of the same id.
func (s *Server) specEntries(ctx context.Context) ([]specEntry, error) {
	byID := make(map[string]specEntry)
	for _, sum := range s.catalog.Summaries() {
		byID[sum.ID] = specEntry{SpecSummary: sum, Source: sourceProject}
	}
	saved, err := s.store.ListSpecifications(ctx)
	if err != nil {
		return nil, err
	}
	for _, sum := range saved {
		byID[sum.ID] = specEntry{SpecSummary: sum, Source: sourceStore}
	}

	out := make([]specEntry, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// loadSpec returns the saved body of id, or the project's copy when it was
// never saved.
func (s *Server) loadSpec(ctx context.Context, id string) (*model.Specification, string, error) {
	spec, err := s.store.LoadSpecification(ctx, id)
	if err == nil {
		return spec, sourceStore, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}
	spec, err = s.catalog.LoadSpecification(ctx, id)
	if errors.Is(err, agent.ErrSpecNotFound) {
		return nil, "", store.ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return spec, sourceProject, nil
}

// specID returns the specification id matched by a /v1/specs/* route.
func specID(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

func (s *Server) handleGetSpec(w http.ResponseWriter, r *http.Request) {
	id := specID(r)
	if id == "" {
		s.writeError(w, http.StatusNotFound, "specification not found")
		return
	}

	spec, _, err := s.loadSpec(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "specification not found")
		return
	}
	if err != nil {
		s.logger.Error("get specification", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get specification")
		return
	}

	s.writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleSaveSpec(w http.ResponseWriter, r *http.Request) {
	id := specID(r)
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	var body SaveSpecBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Spec == nil {
		s.writeError(w, http.StatusBadRequest, "spec is required")
		return
	}
	if body.ID != "" && body.ID != id {
		s.writeError(w, http.StatusBadRequest, "id does not match path")
		return
	}
	if body.Spec.ID != "" && body.Spec.ID != id {
		s.writeError(w, http.StatusBadRequest, "spec id does not match path")
		return
	}
	lc, err := model.ParseLifecycle(string(body.Spec.Lifecycle))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body.Spec.ID = id
	body.Spec.Lifecycle = lc

	revision, err := s.store.SaveSpecification(r.Context(), id, body.Revision, body.Spec)
	if errors.Is(err, store.ErrRevisionConflict) {
		s.writeError(w, http.StatusConflict, "specification was changed by another save")
		return
	}
	if err != nil {
		s.logger.Error("save specification", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save specification")
		return
	}

	s.logger.Info("specification saved", "spec_id", id, "revision", revision)
	s.writeJSON(w, http.StatusOK, saveSpecResponse{ID: id, Revision: revision})
}
