package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/sidecar"
	"github.com/aide-ai/aide/pkg/types"
)

// maxProgressBody bounds the agent events accepted in one progress request.
const maxProgressBody = 8 << 20

// SendRequestBody represents the request body for a new exchange.
type SendRequestBody struct {
	Message   string              `json:"message"`
	Parts     []types.RequestPart `json:"parts,omitempty"`
	Variables []types.Variable    `json:"variables,omitempty"`
	Attempt   int                 `json:"attempt,omitempty"`
	Agent     string              `json:"agent,omitempty"`
	Command   string              `json:"command,omitempty"`
	Mode      string              `json:"mode,omitempty"`
}

// SendRequestResponse identifies the exchange a request started.
type SendRequestResponse struct {
	ExchangeID string `json:"exchangeId"`
	RequestID  string `json:"requestId"`
	ResponseID string `json:"responseId"`
}

// ProgressResult counts the agent events of a progress request.
type ProgressResult struct {
	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
}

// ResendRequestBody overrides parts of a resent request. Empty fields keep
// the original request's values.
type ResendRequestBody struct {
	Message string `json:"message,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// sendRequest handles POST /session/{sessionID}/request
func (s *Server) sendRequest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body SendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "message is required")
		return
	}

	model, err := s.chat.LoadSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out, err := s.startExchange(sessionID, model, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// startExchange adds a request to model, snapshots the working set and, when
// a backend is configured, starts streaming the agent's answer.
func (s *Server) startExchange(sessionID string, model *chat.Model, body SendRequestBody) (SendRequestResponse, error) {
	var opts []chat.RequestOption
	if body.Agent != "" {
		opts = append(opts, chat.WithAgent(body.Agent))
	}
	if body.Command != "" {
		opts = append(opts, chat.WithCommand(body.Command))
	}
	req := model.AddRequest(types.ParsedRequest{Text: body.Message, Parts: body.Parts}, body.Variables, body.Attempt, opts...)
	resp, ok := model.ResponseFor(req.ID())
	if !ok {
		return SendRequestResponse{}, errors.New("response was not created")
	}
	exchangeID := req.ID()

	if s.editing != nil {
		if err := s.editing.StartOrContinue(sessionID).CreateSnapshot(exchangeID); err != nil {
			s.log.Warn().Err(err).Str("session", sessionID).Msg("failed to snapshot working set")
		}
	}
	if s.dispatcher != nil {
		s.dispatcher.Open(model, resp, sessionID, exchangeID)
		if s.sidecar != nil {
			s.runAgent(sessionID, exchangeID, sidecar.AgentRequest{
				SessionID:  sessionID,
				ExchangeID: exchangeID,
				Query:      body.Message,
				Mode:       body.Mode,
			})
		}
	}

	return SendRequestResponse{
		ExchangeID: exchangeID,
		RequestID:  req.ID(),
		ResponseID: resp.ID(),
	}, nil
}

// runAgent streams the backend's events for an exchange into the dispatcher
// until the stream ends, the exchange is closed or the server shuts down.
func (s *Server) runAgent(sessionID, exchangeID string, req sidecar.AgentRequest) {
	st, ok := s.dispatcher.Stream(sessionID, exchangeID)
	if !ok {
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()

		ctx, cancel := context.WithCancel(s.runCtx)
		defer cancel()
		stop := context.AfterFunc(st.Context(), cancel)
		defer stop()

		events, errc := s.sidecar.Agent(ctx, req)
		if err := s.dispatcher.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Str("exchange", exchangeID).Msg("agent run stopped")
		}
		cancel()

		if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Str("session", sessionID).Str("exchange", exchangeID).Msg("agent stream failed")
			st.Model().SetResponseResult(st.Response(), types.ResponseResult{
				ErrorDetails: &types.ErrorDetails{Message: err.Error(), ResponseIsIncomplete: true},
			})
			s.dispatcher.Finish(sessionID, exchangeID, chat.StageError)
			return
		}
		s.dispatcher.Finish(sessionID, exchangeID, chat.StageComplete)
	}()
}

// acceptProgress handles POST /session/{sessionID}/progress. The body is one
// agent event or an array of them, dispatched in order.
func (s *Server) acceptProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "dispatcher not configured")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxProgressBody))
	if err != nil || !gjson.ValidBytes(data) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	var raws []string
	root := gjson.ParseBytes(data)
	if root.IsArray() {
		for _, item := range root.Array() {
			raws = append(raws, item.Raw)
		}
	} else {
		raws = append(raws, root.Raw)
	}

	var result ProgressResult
	for _, raw := range raws {
		ev, err := types.DecodeAgentEvent([]byte(raw))
		if err != nil {
			s.log.Debug().Err(err).Str("session", sessionID).Msg("skipping agent event")
			result.Skipped++
			continue
		}
		if ev.SessionID == "" {
			ev.SessionID = sessionID
		}
		if ev.SessionID != sessionID {
			result.Skipped++
			continue
		}
		s.dispatcher.Dispatch(ev)
		result.Dispatched++
	}

	writeJSON(w, http.StatusOK, result)
}

// deleteExchange handles DELETE /session/{sessionID}/exchange/{exchangeID}.
// The exchange and every later one are removed and the working set is
// rolled back to when the exchange began.
func (s *Server) deleteExchange(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	exchangeID := chi.URLParam(r, "exchangeID")

	model, err := s.chat.LoadSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ids, err := s.rollBack(r.Context(), sessionID, model, exchangeID, chat.RemovalReasonRemoval)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": ids})
}

// resendExchange handles POST /session/{sessionID}/exchange/{exchangeID}/resend.
// The request and everything after it are hidden, rolled back and replaced
// by a new attempt of the same request.
func (s *Server) resendExchange(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	exchangeID := chi.URLParam(r, "exchangeID")

	var body ResendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	model, err := s.chat.LoadSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	orig, ok := model.Request(exchangeID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "request not found: "+exchangeID)
		return
	}

	next := SendRequestBody{
		Message:   orig.Text(),
		Parts:     orig.Message().Parts,
		Variables: orig.Variables(),
		Attempt:   orig.Attempt() + 1,
		Agent:     orig.Agent(),
		Command:   orig.Command(),
		Mode:      body.Mode,
	}
	if body.Message != "" && body.Message != next.Message {
		next.Message = body.Message
		next.Parts = nil
	}

	if _, err := s.rollBack(r.Context(), sessionID, model, exchangeID, chat.RemovalReasonResend); err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := s.startExchange(sessionID, model, next)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// rollBack removes exchangeID and every later exchange from model. Their
// streams are canceled, their requests hidden and the working set restored
// to the snapshot taken when exchangeID began. It returns the removed
// request ids.
func (s *Server) rollBack(ctx context.Context, sessionID string, model *chat.Model, exchangeID string, reason chat.RemovalReason) ([]string, error) {
	from, err := model.ExchangesFrom(exchangeID)
	if err != nil {
		return nil, err
	}
	// exchanges are keyed by their request; responses go with it
	ids := make([]string, 0, len(from))
	for _, id := range from {
		if _, ok := model.Request(id); ok {
			ids = append(ids, id)
		}
	}
	model.DisableRequests(ids)

	if s.dispatcher != nil {
		for _, id := range ids {
			if err := s.dispatcher.Cancel(ctx, sessionID, id); err != nil {
				s.log.Warn().Err(err).Str("exchange", id).Msg("failed to cancel exchange")
			}
		}
	}
	if s.editing != nil {
		if ws, ok := s.editing.Get(sessionID); ok && ws.HasSnapshot(exchangeID) {
			if err := ws.RestoreSnapshot(ctx, exchangeID); err != nil {
				return nil, err
			}
		}
	}

	for i := len(ids) - 1; i >= 0; i-- {
		err := model.RemoveExchange(ids[i], reason)
		if err != nil && !errors.Is(err, chat.ErrExchangeNotFound) {
			return nil, err
		}
	}
	return ids, nil
}

// cancelExchange handles POST /session/{sessionID}/exchange/{exchangeID}/cancel
func (s *Server) cancelExchange(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeSuccess(w)
		return
	}
	err := s.dispatcher.Cancel(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "exchangeID"))
	if err != nil {
		// The local stream is closed either way.
		writeError(w, http.StatusBadGateway, ErrCodeBackendError, err.Error())
		return
	}
	writeSuccess(w)
}
