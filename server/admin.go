package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/store"
)

// maxBodySize bounds admin request bodies.
const maxBodySize = 1 * 1024 * 1024

func decodeBody(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	projects, err := s.projects.List(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var p domain.Project
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.ClientID = chi.URLParam(r, "clientID")

	id, err := s.projects.Create(r.Context(), &p)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicate):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	p.ID = id
	writeJSON(w, http.StatusCreated, &p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.ClientID != chi.URLParam(r, "clientID") {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleReindex starts a full reindex in the background and returns
// immediately.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if s.reindexer == nil {
		writeError(w, http.StatusNotImplemented, "reindexing is not configured")
		return
	}
	project, err := s.projects.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The reindex outlives the triggering request.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.reindexer.Reindex(ctx, project); err != nil {
			s.logger.Error("Reindex failed", "project", project.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotImplemented, "indexing status is not configured")
		return
	}
	statuses, err := s.ledger.ListProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	counts := map[domain.IndexState]int{}
	for _, st := range statuses {
		counts[st.State]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files":  statuses,
		"counts": counts,
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusNotImplemented, "queue is not configured")
		return
	}
	items, err := s.queue.Snapshot(r.Context(), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleKBProgress receives progress callbacks from the knowledge base
// during long-running ingests.
func (s *Server) handleKBProgress(w http.ResponseWriter, r *http.Request) {
	var e progressEvent
	if err := decodeBody(r, &e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e.ReceivedAt = time.Now()
	s.progress.add(e)
	s.logger.Info("Knowledge base progress", "type", e.Type, "step", e.Step, "message", e.Message)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKBProgressList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.progress.list()})
}

// handleDeleteKnowledge purges a knowledge item's vectors across all lane
// collections, scoped to the calling client.
func (s *Server) handleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	if s.purger == nil {
		writeError(w, http.StatusNotImplemented, "knowledge purge is not configured")
		return
	}
	removed, err := s.purger.PurgeKnowledge(r.Context(),
		chi.URLParam(r, "knowledgeID"), chi.URLParam(r, "clientID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleDialogResponse(w http.ResponseWriter, r *http.Request) {
	if s.dialogs == nil {
		writeError(w, http.StatusNotImplemented, "dialogs are not configured")
		return
	}
	var body struct {
		CorrelationID string `json:"correlation_id"`
		Answer        string `json:"answer"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.dialogs.HandleResponse(chi.URLParam(r, "dialogID"), body.CorrelationID, body.Answer); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDialogClose(w http.ResponseWriter, r *http.Request) {
	if s.dialogs == nil {
		writeError(w, http.StatusNotImplemented, "dialogs are not configured")
		return
	}
	var body struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.dialogs.HandleClose(chi.URLParam(r, "dialogID"), body.CorrelationID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
