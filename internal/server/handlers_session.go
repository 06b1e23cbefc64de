package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/viewmodel"
	"github.com/aide-ai/aide/pkg/types"
)

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Title           string `json:"title,omitempty"`
	InitialLocation string `json:"initialLocation,omitempty"`
}

// ViewResponse is the render projection of a session.
type ViewResponse struct {
	SessionID  string                 `json:"sessionId"`
	Title      string                 `json:"title"`
	Items      []viewmodel.Item       `json:"items"`
	WorkingSet *viewmodel.EditSummary `json:"workingSet,omitempty"`
}

// SetPartExpandedRequest toggles a collapsible response part.
type SetPartExpandedRequest struct {
	ResponseID string `json:"responseId"`
	Index      int    `json:"index"`
	Expanded   bool   `json:"expanded"`
}

// getConfig handles GET /config
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	if s.appConfig == nil {
		writeJSON(w, http.StatusOK, types.Config{})
		return
	}
	cfg := *s.appConfig
	if cfg.Sidecar != nil {
		sc := *cfg.Sidecar
		if sc.Token != "" {
			sc.Token = "********"
		}
		cfg.Sidecar = &sc
	}
	writeJSON(w, http.StatusOK, cfg)
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.chat.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// Ensure we return an empty array [] instead of null
	if sessions == nil {
		sessions = []chat.SessionInfo{}
	}

	writeJSON(w, http.StatusOK, sessions)
}

// createSession handles POST /session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	var opts []chat.ModelOption
	if req.InitialLocation != "" {
		opts = append(opts, chat.WithInitialLocation(req.InitialLocation))
	}
	model, err := s.chat.StartSession(r.Context(), opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if req.Title != "" {
		model.SetCustomTitle(req.Title)
	}
	if s.editing != nil {
		s.editing.StartOrContinue(model.ID())
	}

	writeJSON(w, http.StatusOK, model)
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	model, err := s.chat.LoadSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// exportSession handles GET /session/{sessionID}/export
func (s *Server) exportSession(w http.ResponseWriter, r *http.Request) {
	model, err := s.chat.LoadSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := model.ToExport()
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// deleteSession handles DELETE /session/{sessionID}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if s.dispatcher != nil {
		s.dispatcher.CloseSession(sessionID, chat.StageCanceled)
	}
	s.dropView(sessionID)
	if s.editing != nil {
		s.editing.Dispose(sessionID)
	}

	if err := s.chat.DeleteSession(r.Context(), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w)
}

// getView handles GET /session/{sessionID}/view
func (s *Server) getView(w http.ResponseWriter, r *http.Request) {
	model, err := s.chat.LoadSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	v := s.view(model)
	writeJSON(w, http.StatusOK, ViewResponse{
		SessionID:  v.SessionID(),
		Title:      v.Title(),
		Items:      v.Items(),
		WorkingSet: v.WorkingSetSummary(),
	})
}

// setPartExpanded handles POST /session/{sessionID}/view/part
func (s *Server) setPartExpanded(w http.ResponseWriter, r *http.Request) {
	var req SetPartExpandedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	model, err := s.chat.LoadSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.view(model).SetPartExpanded(req.ResponseID, req.Index, req.Expanded); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w)
}
