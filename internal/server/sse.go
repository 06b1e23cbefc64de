package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aide-ai/aide/internal/event"
)

// SDKEvent is the envelope written for every streamed event:
// {"type": "...", "properties": {...}}
type SDKEvent struct {
	Type       event.EventType `json:"type"`
	Properties any             `json:"properties"`
}

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE frame and flushes it.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	if err != nil {
		return err
	}

	// ResponseController reaches through middleware wrappers; fall back to
	// the plain flusher when it cannot.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}

	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// events handles GET /event. Every bus event is streamed; with ?sessionID=
// only events of that session, plus those that carry no session, are sent.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "event bus not configured")
		return
	}
	sessionID := r.URL.Query().Get("sessionID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	messages, err := s.bus.Listen(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	if err := sse.writeEvent("message", SDKEvent{Type: "server.connected", Properties: map[string]any{}}); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			msg.Ack()
			out, keep := sdkEvent(msg.Payload, sessionID)
			if !keep {
				continue
			}
			if err := sse.writeEvent("message", out); err != nil {
				s.log.Debug().Err(err).Msg("event stream closed")
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// sdkEvent converts a mirrored bus payload into the streamed envelope and
// reports whether it passes the session filter.
func sdkEvent(payload []byte, sessionID string) (SDKEvent, bool) {
	if !gjson.ValidBytes(payload) {
		return SDKEvent{}, false
	}
	res := gjson.GetManyBytes(payload, "type", "data", "data.sessionId")
	if sessionID != "" {
		if owner := res[2].String(); owner != "" && owner != sessionID {
			return SDKEvent{}, false
		}
	}
	props := json.RawMessage("{}")
	if res[1].Exists() && res[1].Type != gjson.Null {
		props = json.RawMessage(res[1].Raw)
	}
	return SDKEvent{Type: event.EventType(res[0].String()), Properties: props}, true
}
