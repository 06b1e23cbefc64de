// Package viewmodel projects chat models into render-oriented snapshots.
// View models observe the model and rebuild on change; they never mutate it.
package viewmodel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/logging"
	"github.com/aide-ai/aide/pkg/types"
)

var (
	ErrDisposed        = errors.New("view model disposed")
	ErrUnknownResponse = errors.New("unknown response")
	ErrPartOutOfRange  = errors.New("part index out of range")
)

// RequestViewModel is the render data of a request.
type RequestViewModel struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Agent     string    `json:"agent,omitempty"`
	Command   string    `json:"command,omitempty"`
	Attempt   int       `json:"attempt"`
	Variables int       `json:"variables"`
	Hidden    bool      `json:"hidden,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PartViewModel is the render data of one content part.
type PartViewModel struct {
	Index       int            `json:"index"`
	Kind        types.PartKind `json:"kind"`
	Collapsible bool           `json:"collapsible,omitempty"`
	Expanded    bool           `json:"expanded"`
	Part        types.Part     `json:"part"`
}

// EditSummary totals the edits of a response or a whole working set.
type EditSummary struct {
	Files     int    `json:"files"`
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
	Undecided int    `json:"undecided"`
	Label     string `json:"label,omitempty"`
}

// ResponseViewModel is the render data of a response.
type ResponseViewModel struct {
	ID        string           `json:"id"`
	RequestID string           `json:"requestId"`
	SessionID string           `json:"sessionId"`
	Username  string           `json:"username"`
	Markdown  string           `json:"markdown"`
	WordCount int              `json:"wordCount"`
	Stage     chat.Stage       `json:"stage,omitempty"`
	Complete  bool             `json:"complete"`
	Canceled  bool             `json:"canceled,omitempty"`
	Vote      types.Vote       `json:"vote,omitempty"`
	Error     string           `json:"error,omitempty"`
	Parts     []PartViewModel  `json:"parts"`
	Followups []types.Followup `json:"followups,omitempty"`
	Edits     *EditSummary     `json:"edits,omitempty"`
}

// Item is one row of the conversation. Exactly one of Request and Response
// is set, matching Kind.
type Item struct {
	Kind     types.ExchangeType `json:"kind"`
	Request  *RequestViewModel  `json:"request,omitempty"`
	Response *ResponseViewModel `json:"response,omitempty"`
}

type partKey struct {
	responseID string
	index      int
}

type wordCache struct {
	length int
	count  int
}

// SessionViewModel mirrors one chat model.
type SessionViewModel struct {
	model   *chat.Model
	editing *editing.Session
	scope   *event.Scope
	log     *zerolog.Logger

	mu       sync.RWMutex
	items    []Item
	summary  *EditSummary
	expanded map[partKey]bool
	words    map[string]wordCache

	changes event.Emitter[[]Item]
}

// Option configures a SessionViewModel.
type Option func(*SessionViewModel)

// WithEditing adds edit summaries from the session's working set.
func WithEditing(s *editing.Session) Option {
	return func(v *SessionViewModel) { v.editing = s }
}

// New builds the view model and starts observing model.
func New(model *chat.Model, opts ...Option) *SessionViewModel {
	v := &SessionViewModel{
		model:    model,
		scope:    event.NewScope(),
		log:      logging.Component("viewmodel"),
		expanded: make(map[partKey]bool),
		words:    make(map[string]wordCache),
	}
	for _, opt := range opts {
		opt(v)
	}

	v.scope.Add(model.OnDidChange(func(chat.ChangeEvent) { v.rebuild() }))
	if v.editing != nil {
		v.scope.Add(v.editing.OnDidChange(func(editing.Change) { v.rebuild() }))
	}
	v.rebuild()
	return v
}

func (v *SessionViewModel) SessionID() string { return v.model.ID() }
func (v *SessionViewModel) Title() string     { return v.model.Title() }

// Items returns the current rows.
func (v *SessionViewModel) Items() []Item {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Item(nil), v.items...)
}

// Response returns the row of a response.
func (v *SessionViewModel) Response(id string) (*ResponseViewModel, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, it := range v.items {
		if it.Response != nil && it.Response.ID == id {
			return it.Response, true
		}
	}
	return nil, false
}

// WorkingSetSummary totals the undecided edits of the editing session.
func (v *SessionViewModel) WorkingSetSummary() *EditSummary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.summary
}

// OnDidChange is called with the new rows after every rebuild.
func (v *SessionViewModel) OnDidChange(fn func([]Item)) *event.Subscription {
	return v.changes.Subscribe(fn)
}

// SetPartExpanded records whether a collapsible part is shown expanded.
func (v *SessionViewModel) SetPartExpanded(responseID string, index int, expanded bool) error {
	if v.scope.Released() {
		return ErrDisposed
	}
	resp, ok := v.model.Response(responseID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResponse, responseID)
	}
	if index < 0 || index >= resp.Content().Len() {
		return fmt.Errorf("%w: %d", ErrPartOutOfRange, index)
	}

	v.mu.Lock()
	v.expanded[partKey{responseID: responseID, index: index}] = expanded
	v.mu.Unlock()
	v.rebuild()
	return nil
}

// Dispose stops observing the model.
func (v *SessionViewModel) Dispose() {
	v.scope.Release()
	v.changes.Close()
}

func (v *SessionViewModel) rebuild() {
	if v.scope.Released() {
		return
	}

	exchanges := v.model.Exchanges()
	items := make([]Item, 0, len(exchanges))

	v.mu.Lock()
	live := make(map[string]struct{})
	for _, ex := range exchanges {
		switch ex := ex.(type) {
		case *chat.Request:
			items = append(items, Item{Kind: types.ExchangeTypeRequest, Request: v.request(ex)})
		case *chat.Response:
			live[ex.ID()] = struct{}{}
			items = append(items, Item{Kind: types.ExchangeTypeResponse, Response: v.response(ex)})
		}
	}
	for id := range v.words {
		if _, ok := live[id]; !ok {
			delete(v.words, id)
		}
	}
	for k := range v.expanded {
		if _, ok := live[k.responseID]; !ok {
			delete(v.expanded, k)
		}
	}
	v.items = items
	v.summary = v.workingSetSummary()
	v.mu.Unlock()

	v.log.Debug().Str("session", v.model.ID()).Int("items", len(items)).Msg("rebuilt")
	v.changes.Fire(append([]Item(nil), items...))
}

func (v *SessionViewModel) request(r *chat.Request) *RequestViewModel {
	return &RequestViewModel{
		ID:        r.ID(),
		SessionID: v.model.ID(),
		Username:  v.model.RequesterUsername(),
		Text:      r.Text(),
		Agent:     r.Agent(),
		Command:   r.Command(),
		Attempt:   r.Attempt(),
		Variables: len(r.Variables()),
		Hidden:    r.ShouldBeRemovedOnSend(),
		Timestamp: r.Timestamp(),
	}
}

// response must be called with v.mu held.
func (v *SessionViewModel) response(r *chat.Response) *ResponseViewModel {
	markdown := r.Content().Markdown()
	vm := &ResponseViewModel{
		ID:        r.ID(),
		RequestID: r.RequestID(),
		SessionID: v.model.ID(),
		Username:  v.model.ResponderUsername(),
		Markdown:  markdown,
		WordCount: v.wordCount(r.ID(), markdown),
		Stage:     r.Stage(),
		Complete:  r.IsComplete(),
		Canceled:  r.IsCanceled(),
		Vote:      r.Vote(),
		Followups: r.Followups(),
	}
	if res := r.Result(); res != nil && res.ErrorDetails != nil {
		vm.Error = res.ErrorDetails.Message
	}

	var uris []string
	for i, p := range r.Content().Parts() {
		pv := PartViewModel{Index: i, Kind: p.ProgressKind(), Part: p}
		pv.Collapsible, pv.Expanded = defaultExpansion(p)
		if pv.Collapsible {
			if exp, ok := v.expanded[partKey{responseID: r.ID(), index: i}]; ok {
				pv.Expanded = exp
			}
		}
		vm.Parts = append(vm.Parts, pv)
		if g, ok := p.(types.TextEditGroup); ok {
			uris = append(uris, g.URI)
		}
	}
	if len(uris) > 0 {
		vm.Edits = v.editSummary(uris)
	}
	return vm
}

// wordCount counts words of markdown, reusing the cached count while the
// text has not grown.
func (v *SessionViewModel) wordCount(responseID, markdown string) int {
	if c, ok := v.words[responseID]; ok && c.length == len(markdown) {
		return c.count
	}
	n := len(strings.Fields(markdown))
	v.words[responseID] = wordCache{length: len(markdown), count: n}
	return n
}

func (v *SessionViewModel) editSummary(uris []string) *EditSummary {
	s := &EditSummary{Files: len(uris)}
	if v.editing == nil {
		return s
	}
	for _, uri := range uris {
		e, ok := v.editing.Entry(uri)
		if !ok {
			continue
		}
		d := e.DiffInfo()
		s.Added += d.Added
		s.Removed += d.Removed
		if e.State() == editing.EntryModified {
			s.Undecided++
		}
	}
	return s
}

func (v *SessionViewModel) workingSetSummary() *EditSummary {
	if v.editing == nil {
		return nil
	}
	entries := v.editing.Entries()
	s := &EditSummary{Files: len(entries), Label: v.editing.CheckpointLabel()}
	for _, e := range entries {
		d := e.DiffInfo()
		s.Added += d.Added
		s.Removed += d.Removed
		if e.State() == editing.EntryModified {
			s.Undecided++
		}
	}
	return s
}

// defaultExpansion reports whether p can be collapsed and whether it starts
// expanded. Finished tasks and edit groups start collapsed.
func defaultExpansion(p types.Part) (collapsible, expanded bool) {
	switch p := p.(type) {
	case types.ProgressTask:
		return true, !p.Done
	case types.TextEditGroup:
		return true, !p.Done
	case types.TreeData, types.ToolTypeError:
		return true, true
	default:
		return false, true
	}
}
