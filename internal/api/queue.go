package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/protocol"
	"github.com/seantiz/specrun/internal/remote"
	"github.com/seantiz/specrun/internal/report"
)

// stopTimeout bounds how long POST /v1/stop waits for the engine's ack.
const stopTimeout = 10 * time.Second

type fixturesResponse struct {
	SystemName    string                 `json:"system_name"`
	Fixtures      []model.FixtureModel   `json:"fixtures"`
	GrammarErrors []report.FixtureErrors `json:"grammar_errors,omitempty"`
}

type stopResponse struct {
	Cancelled []string `json:"cancelled"`
}

func (s *Server) handleGetFixtures(w http.ResponseWriter, r *http.Request) {
	if st := s.ctrl.State(); st != remote.StateReady && st != remote.StateRunning {
		s.writeError(w, http.StatusServiceUnavailable, "engine is "+string(st))
		return
	}
	startup := s.ctrl.Startup()
	s.writeJSON(w, http.StatusOK, fixturesResponse{
		SystemName:    startup.SystemName,
		Fixtures:      startup.Fixtures,
		GrammarErrors: report.GroupGrammarErrors(startup.GrammarErrors),
	})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.QueueState())
}

// handleStream returns a handler that forwards every push of the given kind
// to the client as an SSE data event. A queue-state stream starts with the
// current snapshot. The stream ends with a "done" event when the controller
// is disposed.
func (s *Server) handleStream(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Set SSE headers.
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// Disable write timeout for long-lived SSE connections.
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Time{}); err != nil {
			s.logger.Error("set write deadline for SSE", "error", err)
		}

		ch, unsub := s.ctrl.Subscribe(kind)
		defer unsub()

		streamClients.WithLabelValues(kind).Inc()
		defer streamClients.WithLabelValues(kind).Dec()

		w.WriteHeader(http.StatusOK)
		flusher, canFlush := w.(http.Flusher)

		if kind == protocol.KindQueueState {
			data, err := json.Marshal(s.ctrl.QueueState())
			if err == nil {
				if err := writeSSEData(w, string(data)); err != nil {
					return
				}
			}
		}
		if canFlush {
			flusher.Flush()
		}

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					_ = writeSSEEvent(w, "done", "stream complete")
					if canFlush {
						flusher.Flush()
					}
					return
				}
				if err := writeSSEData(w, string(msg.Payload)); err != nil {
					return
				}
				if canFlush {
					flusher.Flush()
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.ctrl.Stop().Wait(stopTimeout)
	if err != nil {
		s.writeControllerError(w, "stop", err)
		return
	}
	if cancelled == nil {
		cancelled = []string{}
	}
	s.writeJSON(w, http.StatusOK, stopResponse{Cancelled: cancelled})
}

// writeControllerError maps a controller failure onto a response status.
func (s *Server) writeControllerError(w http.ResponseWriter, op string, err error) {
	var rejected *remote.RejectedError
	switch {
	case errors.Is(err, remote.ErrNotReady), errors.Is(err, remote.ErrDisposed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, remote.ErrWaitTimeout):
		s.writeError(w, http.StatusGatewayTimeout, op+" timed out")
	case errors.As(err, &rejected):
		s.writeError(w, http.StatusUnprocessableEntity, rejected.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}
