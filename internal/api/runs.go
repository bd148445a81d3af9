package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/queue"
	"github.com/seantiz/specrun/internal/remote"
	"github.com/seantiz/specrun/internal/report"
	"github.com/seantiz/specrun/internal/store"
)

// persistTimeout bounds the store and archive writes made for one finished
// run.
const persistTimeout = 30 * time.Second

// batchRequest is the JSON body for POST /v1/batch. Empty fields fall back
// to the project's own filter. SpecIDs, when set, bypass the filter.
type batchRequest struct {
	Lifecycle string   `json:"lifecycle"`
	Workspace string   `json:"workspace"`
	SpecIDs   []string `json:"spec_ids"`
}

type runAcceptedResponse struct {
	SpecIDs []string `json:"spec_ids"`
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	f := s.ctrl.Project().Filter()
	if req.Lifecycle != "" {
		lc, err := model.ParseLifecycle(req.Lifecycle)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Lifecycle = lc
	}
	if req.Workspace != "" {
		f.Workspace = req.Workspace
	}

	ids := req.SpecIDs
	if len(ids) == 0 {
		var err error
		if ids, err = s.selectSpecs(r.Context(), f); err != nil {
			s.logger.Error("select specifications", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to select specifications")
			return
		}
	}

	batch := remote.BatchRequest{SpecIDs: ids}
	for _, id := range ids {
		spec, err := s.store.LoadSpecification(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("load saved specification", "spec_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load specification")
			return
		}
		batch.Specs = append(batch.Specs, *spec)
	}

	wait := parseBoolQuery(r, "wait")
	runsStarted.WithLabelValues(runKindBatch, strconv.FormatBool(wait)).Inc()
	future := s.ctrl.StartBatch(batch)
	s.track(future.Done(), func() {
		res, err := future.Wait(0)
		if err != nil {
			s.logger.Warn("batch did not complete", "error", err)
			return
		}
		s.persistBatch(&res)
	})

	if !wait {
		s.writeJSON(w, http.StatusAccepted, runAcceptedResponse{SpecIDs: ids})
		return
	}

	res, err := s.awaitLong(w, r, future.Done(), func() (any, error) {
		res, err := future.Wait(0)
		if err != nil {
			return nil, err
		}
		return report.NewDocument(&res, s.ctrl.Startup().GrammarErrors), nil
	})
	if err != nil {
		s.writeControllerError(w, "run batch", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunSpec(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(specID(r), "/run")
	if !ok || id == "" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}

	spec, source, err := s.loadSpec(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "specification not found")
		return
	}
	if err != nil {
		s.logger.Error("load specification", "spec_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load specification")
		return
	}
	if source != sourceStore {
		// The engine runs its own copy of project specifications.
		spec = nil
	}

	wait := parseBoolQuery(r, "wait")
	runsStarted.WithLabelValues(runKindSpec, strconv.FormatBool(wait)).Inc()
	future := s.ctrl.RunSpec(id, spec)
	system := s.ctrl.Startup().SystemName
	s.track(future.Done(), func() {
		rec, err := future.Wait(0)
		if err != nil {
			s.logger.Warn("specification did not complete", "spec_id", id, "error", err)
			return
		}
		s.persistRecords("", system, []model.SpecRecord{rec})
	})

	if !wait {
		s.writeJSON(w, http.StatusAccepted, runAcceptedResponse{SpecIDs: []string{id}})
		return
	}

	rec, err := s.awaitLong(w, r, future.Done(), func() (any, error) {
		rec, err := future.Wait(0)
		return rec, err
	})
	if err != nil {
		s.writeControllerError(w, "run specification", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// selectSpecs returns the ids of every project or saved specification
// passing f, ordered by id.
func (s *Server) selectSpecs(ctx context.Context, f queue.Filter) ([]string, error) {
	ids := s.catalog.Select(f)
	saved, err := s.store.ListSpecifications(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range queue.IDs(f.Apply(saved)) {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// track runs fn once done is closed, counting it as background work.
func (s *Server) track(done <-chan struct{}, fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		<-done
		fn()
	}()
}

// awaitLong waits for done without the server's write timeout and returns
// result's value. A client that goes away stops the wait but not the run.
func (s *Server) awaitLong(w http.ResponseWriter, r *http.Request, done <-chan struct{}, result func() (any, error)) (any, error) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}
	select {
	case <-done:
		return result()
	case <-r.Context().Done():
		return nil, r.Context().Err()
	}
}

// persistBatch records every result of res and archives the results
// document when an archiver is configured.
func (s *Server) persistBatch(res *model.BatchResult) {
	s.persistRecords(res.ID, res.SystemName, res.Records)
	if s.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	key, err := s.archiver.Archive(ctx, report.NewDocument(res, s.ctrl.Startup().GrammarErrors))
	if err != nil {
		s.logger.Error("archive batch", "batch_id", res.ID, "error", err)
		return
	}
	s.logger.Info("batch archived", "batch_id", res.ID, "key", key)
}

func (s *Server) persistRecords(batchID, system string, records []model.SpecRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	for _, rec := range records {
		if _, err := s.store.InsertRecord(ctx, batchID, system, rec); err != nil {
			recordsPersisted.WithLabelValues("error").Inc()
			s.logger.Error("insert record", "spec_id", rec.Specification.ID, "error", err)
			continue
		}
		recordsPersisted.WithLabelValues("ok").Inc()
	}
}
