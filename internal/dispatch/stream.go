package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/pkg/types"
)

type streamKey struct {
	sessionID  string
	exchangeID string
}

// ResponseStream binds an agent exchange to the response it streams into.
type ResponseStream struct {
	key      streamKey
	model    *chat.Model
	response *chat.Response

	ctx    context.Context
	cancel context.CancelFunc

	editing *editing.Session
	edits   *event.Subscription

	mu       sync.Mutex
	refs     map[string]struct{}
	planning bool
}

func newResponseStream(model *chat.Model, response *chat.Response, k streamKey) *ResponseStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &ResponseStream{
		key:      k,
		model:    model,
		response: response,
		ctx:      ctx,
		cancel:   cancel,
		refs:     make(map[string]struct{}),
	}
}

func (s *ResponseStream) SessionID() string        { return s.key.sessionID }
func (s *ResponseStream) ExchangeID() string       { return s.key.exchangeID }
func (s *ResponseStream) Model() *chat.Model       { return s.model }
func (s *ResponseStream) Response() *chat.Response { return s.response }

// Context is canceled once the stream is closed.
func (s *ResponseStream) Context() context.Context { return s.ctx }

func (s *ResponseStream) progress(p types.Progress) {
	s.model.AcceptResponseProgress(s.response, p, false)
}

func (s *ResponseStream) markdown(text string) {
	if text == "" {
		return
	}
	s.progress(types.MarkdownContent{Content: types.Markdown(text)})
}

func (s *ResponseStream) message(text string) {
	s.progress(types.ProgressMessage{Content: types.Markdown(text)})
}

func (s *ResponseStream) stage(stage chat.Stage) {
	s.model.SetResponseStage(s.response, stage)
}

// watchEdits reports every edit ws finishes for this exchange as a text edit
// of the response.
func (s *ResponseStream) watchEdits(ws *editing.Session) {
	s.editing = ws
	s.edits = ws.OnDidChange(func(c editing.Change) {
		if c.Kind != editing.ChangeEdit || c.Edit == nil || c.ExchangeID != s.key.exchangeID {
			return
		}
		s.progress(*c.Edit)
	})
}

// beginPlanning reports whether this is the first planning pass of the
// stream.
func (s *ResponseStream) beginPlanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := !s.planning
	s.planning = true
	return first
}

// reference adds an inline reference to path once per stream.
func (s *ResponseStream) reference(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	s.mu.Lock()
	_, dup := s.refs[path]
	s.refs[path] = struct{}{}
	s.mu.Unlock()
	if dup {
		return
	}
	s.progress(types.InlineReference{
		Reference: types.Location{URI: fileURI(path)},
		Name:      filepath.Base(path),
	})
}

func fileURI(path string) string {
	if strings.Contains(path, "://") {
		return path
	}
	return "file://" + filepath.ToSlash(path)
}
