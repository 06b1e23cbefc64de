package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Placeholders replaced in scripted frames with the ids of the request.
const (
	SessionPlaceholder  = "{{session}}"
	ExchangePlaceholder = "{{exchange}}"
)

// Script is the agent's answer to queries containing Match.
type Script struct {
	Match string
	// Frames are agent event JSON documents written as SSE data frames.
	Frames []string
	// Hold keeps the stream open after the frames until the exchange is
	// cancelled or the client goes away.
	Hold bool
	// Delay is the pause before each frame.
	Delay time.Duration
}

// SidecarRequest records one request the fake sidecar received.
type SidecarRequest struct {
	Timestamp time.Time
	Path      string
	Body      map[string]any
}

// FakeSidecar is an HTTP server that speaks the agent backend protocol with
// scripted event streams.
type FakeSidecar struct {
	server *httptest.Server

	mu       sync.Mutex
	scripts  []Script
	requests []SidecarRequest
	held     map[string]chan struct{}
}

// NewFakeSidecar starts a fake sidecar.
func NewFakeSidecar(scripts ...Script) *FakeSidecar {
	f := &FakeSidecar{
		scripts: scripts,
		held:    make(map[string]chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/agentic/agent_tool_use", f.handleAgent)
	mux.HandleFunc("/api/agentic/cancel_running_event", f.handleCancel)
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.record(r.URL.Path, nil)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"refreshed"}`))
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	f.server = httptest.NewServer(mux)
	return f
}

// URL returns the fake sidecar's URL.
func (f *FakeSidecar) URL() string {
	return f.server.URL
}

// Close shuts down the fake sidecar.
func (f *FakeSidecar) Close() {
	f.mu.Lock()
	for id, ch := range f.held {
		close(ch)
		delete(f.held, id)
	}
	f.mu.Unlock()
	f.server.Close()
}

// AddScript registers another scripted answer.
func (f *FakeSidecar) AddScript(s Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, s)
}

// Requests returns the recorded requests to path, or all when path is empty.
func (f *FakeSidecar) Requests(path string) []SidecarRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SidecarRequest
	for _, r := range f.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (f *FakeSidecar) record(path string, body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, SidecarRequest{Timestamp: time.Now(), Path: path, Body: body})
}

func (f *FakeSidecar) script(query string) Script {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.scripts {
		if strings.Contains(query, s.Match) {
			return s
		}
	}
	return Script{Frames: []string{
		fmt.Sprintf(`{"request_id":%q,"exchange_id":%q,"event":{"ChatEvent":{"delta":"I have no script for that."}}}`, SessionPlaceholder, ExchangePlaceholder),
	}}
}

func readBody(r *http.Request) (map[string]any, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (f *FakeSidecar) handleAgent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	f.record(r.URL.Path, body)

	sessionID, _ := body["session_id"].(string)
	exchangeID, _ := body["exchange_id"].(string)
	query, _ := body["query"].(string)
	s := f.script(query)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	replacer := strings.NewReplacer(SessionPlaceholder, sessionID, ExchangePlaceholder, exchangeID)
	for _, frame := range s.Frames {
		if s.Delay > 0 {
			select {
			case <-time.After(s.Delay):
			case <-r.Context().Done():
				return
			}
		}
		fmt.Fprintf(w, "data: %s\n\n", replacer.Replace(frame))
		if flusher != nil {
			flusher.Flush()
		}
	}

	if s.Hold {
		done := make(chan struct{})
		f.mu.Lock()
		f.held[exchangeID] = done
		f.mu.Unlock()
		select {
		case <-done:
		case <-r.Context().Done():
		}
		return
	}

	fmt.Fprint(w, "data: {\"done\":\"[CODESTORY_DONE]\"}\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (f *FakeSidecar) handleCancel(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	f.record(r.URL.Path, body)

	exchangeID, _ := body["exchange_id"].(string)
	f.mu.Lock()
	if ch, ok := f.held[exchangeID]; ok {
		close(ch)
		delete(f.held, exchangeID)
	}
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}
