package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/pkg/types"
)

// WorkingSetFile is one file of a working set as the API reports it.
type WorkingSetFile struct {
	URI          string                 `json:"uri"`
	Kind         editing.WorkingSetKind `json:"kind"`
	Description  string                 `json:"description,omitempty"`
	ReadOnly     bool                   `json:"readOnly,omitempty"`
	State        string                 `json:"state,omitempty"`
	Modifying    bool                   `json:"modifying,omitempty"`
	RewriteRatio float64                `json:"rewriteRatio,omitempty"`
	Added        int                    `json:"added,omitempty"`
	Removed      int                    `json:"removed,omitempty"`
}

// WorkingSetResponse is the working set of a session.
type WorkingSetResponse struct {
	SessionID  string           `json:"sessionId"`
	State      editing.State    `json:"state"`
	Files      []WorkingSetFile `json:"files"`
	Undecided  int              `json:"undecided"`
	Checkpoint string           `json:"checkpoint"`
}

// AddFileRequest adds a file to a working set.
type AddFileRequest struct {
	URI         string                 `json:"uri"`
	Description string                 `json:"description,omitempty"`
	Kind        editing.WorkingSetKind `json:"kind,omitempty"`
	ReadOnly    bool                   `json:"readOnly,omitempty"`
}

// DecisionRequest lists the files to accept or reject. No files means every
// undecided file.
type DecisionRequest struct {
	URIs []string `json:"uris,omitempty"`
}

func (s *Server) workingSet(w http.ResponseWriter, r *http.Request) (*editing.Session, bool) {
	if s.editing == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "editing not configured")
		return nil, false
	}
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.chat.LoadSession(r.Context(), sessionID); err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return s.editing.StartOrContinue(sessionID), true
}

// getWorkingSet handles GET /session/{sessionID}/working-set
func (s *Server) getWorkingSet(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workingSet(w, r)
	if !ok {
		return
	}

	files := []WorkingSetFile{}
	for _, item := range ws.WorkingSet() {
		f := WorkingSetFile{
			URI:         item.URI,
			Kind:        item.Meta.Kind,
			Description: item.Meta.Description,
			ReadOnly:    item.Meta.ReadOnly,
		}
		if e := item.Entry; e != nil {
			d := e.DiffInfo()
			f.State = e.State().String()
			f.Modifying = e.IsCurrentlyBeingModified()
			f.RewriteRatio = e.RewriteRatio()
			f.Added, f.Removed = d.Added, d.Removed
		}
		files = append(files, f)
	}

	writeJSON(w, http.StatusOK, WorkingSetResponse{
		SessionID:  chi.URLParam(r, "sessionID"),
		State:      ws.State(),
		Files:      files,
		Undecided:  ws.UndecidedCount(),
		Checkpoint: ws.CheckpointLabel(),
	})
}

// addToWorkingSet handles POST /session/{sessionID}/working-set
func (s *Server) addToWorkingSet(w http.ResponseWriter, r *http.Request) {
	var req AddFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.URI == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "uri is required")
		return
	}
	ws, ok := s.workingSet(w, r)
	if !ok {
		return
	}

	if err := ws.AddFileToWorkingSet(req.URI, req.Description, req.Kind); err != nil {
		writeDomainError(w, err)
		return
	}
	if req.ReadOnly {
		if err := ws.SetReadOnly(req.URI, true); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeSuccess(w)
}

// acceptEdits handles POST /session/{sessionID}/working-set/accept
func (s *Server) acceptEdits(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, (*editing.Session).Accept)
}

// rejectEdits handles POST /session/{sessionID}/working-set/reject
func (s *Server) rejectEdits(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, (*editing.Session).Reject)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, apply func(*editing.Session, context.Context, ...string) error) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	ws, ok := s.workingSet(w, r)
	if !ok {
		return
	}
	if err := apply(ws, r.Context(), req.URIs...); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"undecided": ws.UndecidedCount()})
}

// getDiff handles GET /session/{sessionID}/working-set/diff?uri=...
func (s *Server) getDiff(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "uri is required")
		return
	}
	ws, ok := s.workingSet(w, r)
	if !ok {
		return
	}
	info, found := ws.DiffInfo(uri)
	if !found {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no edits for "+uri)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// applyEdits handles POST /session/{sessionID}/edits. The body is one
// streamed edit request or an array of them, applied in order; the first
// failure stops the batch.
func (s *Server) applyEdits(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxProgressBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid body")
		return
	}

	var reqs []types.EditStreamRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		var single types.EditStreamRequest
		if err := json.Unmarshal(data, &single); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
			return
		}
		reqs = []types.EditStreamRequest{single}
	}

	ws, ok := s.workingSet(w, r)
	if !ok {
		return
	}
	for i, req := range reqs {
		if err := ws.ApplyEditStream(r.Context(), req); err != nil {
			s.log.Debug().Err(err).Int("index", i).Str("editRequest", req.EditRequestID).Msg("edit request failed")
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": len(reqs)})
}
