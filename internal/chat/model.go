// Package chat holds the conversation model: sessions made of request and
// response exchanges, the response content accumulator, persistence and the
// service that owns live sessions.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/logging"
	"github.com/aide-ai/aide/internal/plan"
	"github.com/aide-ai/aide/pkg/types"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrExchangeNotFound = errors.New("exchange not found")
	ErrInitFailed       = errors.New("session initialization failed")
)

// InitState is the position of a session in its initialization lifecycle.
type InitState int

const (
	InitCreated InitState = iota
	InitInitializing
	InitInitialized
	InitFailed
)

func (s InitState) String() string {
	switch s {
	case InitCreated:
		return "created"
	case InitInitializing:
		return "initializing"
	case InitInitialized:
		return "initialized"
	case InitFailed:
		return "failed"
	}
	return fmt.Sprintf("InitState(%d)", int(s))
}

func newID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// Model is one chat session. It owns its exchanges and its plan; editing
// sessions live elsewhere, keyed by the session id.
type Model struct {
	id  string
	log *zerolog.Logger

	mu                     sync.RWMutex
	requesterUsername      string
	requesterAvatarIconURI string
	responderUsername      string
	responderAvatarIconURI string
	initialLocation        string
	creationDate           time.Time
	lastMessageDate        time.Time
	customTitle            string
	exchanges              []Exchange
	lastExchangeComplete   bool
	plan                   *plan.Plan

	initState InitState
	initErr   error
	initDone  chan struct{}

	changes event.Emitter[ChangeEvent]
}

// ModelOption configures a new Model.
type ModelOption func(*Model)

// WithSessionID uses a fixed id instead of generating one.
func WithSessionID(id string) ModelOption {
	return func(m *Model) { m.id = id }
}

// WithUsernames sets the display names of both participants.
func WithUsernames(requester, responder string) ModelOption {
	return func(m *Model) {
		m.requesterUsername = requester
		m.responderUsername = responder
	}
}

// WithAvatars sets the avatar icon URIs of both participants.
func WithAvatars(requester, responder string) ModelOption {
	return func(m *Model) {
		m.requesterAvatarIconURI = requester
		m.responderAvatarIconURI = responder
	}
}

// WithInitialLocation records where the session was opened (panel, editor...).
func WithInitialLocation(location string) ModelOption {
	return func(m *Model) { m.initialLocation = location }
}

// NewModel creates an empty session in the Created state.
func NewModel(opts ...ModelOption) *Model {
	now := time.Now()
	m := &Model{
		creationDate:         now,
		lastMessageDate:      now,
		lastExchangeComplete: true,
		initDone:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.id == "" {
		m.id = newID("session")
	}
	m.log = logging.Component("chat")
	return m
}

func (m *Model) ID() string { return m.id }

func (m *Model) RequesterUsername() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requesterUsername
}

func (m *Model) ResponderUsername() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.responderUsername
}

func (m *Model) CreationDate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creationDate
}

func (m *Model) LastMessageDate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMessageDate
}

// Title returns the custom title, or the first request's text.
func (m *Model) Title() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.customTitle != "" {
		return m.customTitle
	}
	for _, ex := range m.exchanges {
		if req, ok := ex.(*Request); ok {
			return req.Text()
		}
	}
	return ""
}

// CustomTitle returns the user-set title, if any.
func (m *Model) CustomTitle() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.customTitle
}

// OnDidChange subscribes to model changes. Listeners run synchronously on the
// goroutine that made the change.
func (m *Model) OnDidChange(fn func(ChangeEvent)) *event.Subscription {
	return m.changes.Subscribe(fn)
}

func (m *Model) fire(ev ChangeEvent) {
	ev.SessionID = m.id
	m.changes.Fire(ev)
}

// StartInitialization moves a Created session to Initializing.
func (m *Model) StartInitialization() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initState == InitCreated {
		m.initState = InitInitializing
	}
}

// MarkInitialized completes initialization. It has no effect once the session
// already settled.
func (m *Model) MarkInitialized() {
	m.mu.Lock()
	if m.initState == InitInitialized || m.initState == InitFailed {
		m.mu.Unlock()
		return
	}
	m.initState = InitInitialized
	close(m.initDone)
	m.mu.Unlock()
	m.fire(ChangeEvent{Kind: ChangeInitialize})
}

// MarkInitFailed settles initialization with err. Waiters receive it.
func (m *Model) MarkInitFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initState == InitInitialized || m.initState == InitFailed {
		return
	}
	m.initState = InitFailed
	m.initErr = fmt.Errorf("%w: %w", ErrInitFailed, err)
	close(m.initDone)
}

// InitState returns the initialization state.
func (m *Model) InitState() InitState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initState
}

// WaitForInitialization blocks until the session is initialized, failed, or
// ctx is done.
func (m *Model) WaitForInitialization(ctx context.Context) error {
	select {
	case <-m.initDone:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exchanges returns a copy of the exchange list.
func (m *Model) Exchanges() []Exchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Exchange(nil), m.exchanges...)
}

// Requests returns the requests in order.
func (m *Model) Requests() []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, ex := range m.exchanges {
		if r, ok := ex.(*Request); ok {
			out = append(out, r)
		}
	}
	return out
}

// Request returns the request with the given id.
func (m *Model) Request(id string) (*Request, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ex := range m.exchanges {
		if r, ok := ex.(*Request); ok && r.id == id {
			return r, true
		}
	}
	return nil, false
}

// Response returns the response with the given id.
func (m *Model) Response(id string) (*Response, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ex := range m.exchanges {
		if r, ok := ex.(*Response); ok && r.id == id {
			return r, true
		}
	}
	return nil, false
}

// ResponseFor returns the response paired with a request.
func (m *Model) ResponseFor(requestID string) (*Response, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ex := range m.exchanges {
		if r, ok := ex.(*Response); ok && r.requestID == requestID {
			return r, true
		}
	}
	return nil, false
}

// LastResponse returns the most recent response.
func (m *Model) LastResponse() (*Response, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.exchanges) - 1; i >= 0; i-- {
		if r, ok := m.exchanges[i].(*Response); ok {
			return r, true
		}
	}
	return nil, false
}

// LastExchangeComplete reports whether the latest response has finished.
func (m *Model) LastExchangeComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastExchangeComplete
}

// Plan returns the current plan, or nil before the first plan step.
func (m *Model) Plan() *plan.Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plan
}

// ResetPlan replaces the plan with an empty one for a new planning pass.
func (m *Model) ResetPlan() *plan.Plan {
	m.mu.Lock()
	m.plan = plan.New(m.id)
	p := m.plan
	m.mu.Unlock()
	m.fire(ChangeEvent{Kind: ChangePlan})
	return p
}

// AddRequest appends a request and its empty response.
func (m *Model) AddRequest(message types.ParsedRequest, variables []types.Variable, attempt int, opts ...RequestOption) *Request {
	req := &Request{
		id:        newID("request"),
		message:   message,
		variables: append([]types.Variable(nil), variables...),
		attempt:   attempt,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(req)
	}

	respID := newID("response")
	resp := newResponse(respID, req.id, nil, m.notifyContent(respID))
	resp.agent = req.agent
	resp.slashCommand = req.command

	m.mu.Lock()
	m.exchanges = append(m.exchanges, req, resp)
	m.lastExchangeComplete = false
	m.lastMessageDate = req.timestamp
	m.mu.Unlock()

	m.fire(ChangeEvent{Kind: ChangeAddRequest, ExchangeID: req.id, RequestID: req.id})
	return req
}

// notifyContent returns the callback a response's accumulator uses when a
// task settles outside of AcceptResponseProgress.
func (m *Model) notifyContent(responseID string) func() {
	return func() {
		m.fire(ChangeEvent{Kind: ChangeResponse, ExchangeID: responseID})
	}
}

// AcceptResponseProgress routes one progress fragment to resp. Content kinds
// go to the accumulator; the others update the response or the session.
// quiet suppresses the change event for content updates.
func (m *Model) AcceptResponseProgress(resp *Response, progress types.Progress, quiet bool) {
	if resp.IsComplete() {
		m.log.Debug().Str("response", resp.id).Str("kind", string(progress.ProgressKind())).Msg("progress after completion ignored")
		return
	}

	changed := false
	switch p := progress.(type) {
	case types.UsedContext:
		resp.update(func(r *Response) { r.usedContext = &p })
		changed = true
	case types.AgentDetection:
		resp.update(func(r *Response) {
			r.agent = p.AgentID
			r.slashCommand = p.Command
		})
		changed = true
	case types.CodeCitation:
		changed = resp.content.AddCitation(p)
	case types.Reference:
		resp.update(func(r *Response) { r.contentReferences = append(r.contentReferences, p) })
		changed = true
	case types.Move:
		m.fire(ChangeEvent{Kind: ChangeMove, ExchangeID: resp.id, Move: &p})
		return
	case types.PlanStepProgress:
		m.mu.Lock()
		if m.plan == nil {
			m.plan = plan.New(m.id)
		}
		pl := m.plan
		m.mu.Unlock()
		step, ok := pl.UpdateSteps(p)
		if !ok {
			m.log.Warn().Str("event", string(p.Event)).Msg("unknown plan step event")
			return
		}
		changed = resp.content.UpdateContent(step.Part())
	case types.TextEditProgress:
		changed = resp.content.UpdateContent(p)
		if changed {
			resp.update(func(r *Response) { r.hasSideEffects = true })
		}
	case types.Task:
		changed = resp.content.UpdateContent(p)
	case types.Part:
		changed = resp.content.UpdateContent(p)
	default:
		m.log.Warn().Str("kind", string(progress.ProgressKind())).Msg("unknown progress kind ignored")
		return
	}

	if changed && !quiet {
		m.fire(ChangeEvent{Kind: ChangeResponse, ExchangeID: resp.id})
	}
}

// SetResponseStage updates the status label of a streaming response.
func (m *Model) SetResponseStage(resp *Response, stage Stage) {
	changed := false
	resp.update(func(r *Response) {
		if r.stage != stage {
			r.stage = stage
			changed = true
		}
	})
	if changed {
		m.fire(ChangeEvent{Kind: ChangeSetStage, ExchangeID: resp.id, Stage: stage})
	}
}

// SetResponseResult records the outcome of a response.
func (m *Model) SetResponseResult(resp *Response, result types.ResponseResult) {
	resp.update(func(r *Response) { r.result = &result })
	m.fire(ChangeEvent{Kind: ChangeSetResult, ExchangeID: resp.id})
}

// CompleteResponse marks resp complete. A redacted result clears the content first.
func (m *Model) CompleteResponse(resp *Response) {
	if res := resp.Result(); res != nil && res.ErrorDetails != nil && res.ErrorDetails.ResponseIsRedacted {
		resp.content.Clear()
	}
	resp.update(func(r *Response) { r.complete = true })

	m.mu.Lock()
	m.lastExchangeComplete = true
	m.lastMessageDate = time.Now()
	m.mu.Unlock()

	m.fire(ChangeEvent{Kind: ChangeCompleteResponse, ExchangeID: resp.id})
}

// CancelRequest marks resp canceled and complete. Its content is kept.
func (m *Model) CancelRequest(resp *Response) {
	resp.update(func(r *Response) {
		r.canceled = true
		r.complete = true
	})
	resp.content.StopTasks()

	m.mu.Lock()
	m.lastExchangeComplete = true
	m.mu.Unlock()

	m.fire(ChangeEvent{Kind: ChangeCancelRequest, ExchangeID: resp.id, RequestID: resp.requestID})
}

// SetVote records the user's vote.
func (m *Model) SetVote(resp *Response, vote types.Vote) {
	resp.update(func(r *Response) { r.vote = vote })
	m.fire(ChangeEvent{Kind: ChangeSetVote, ExchangeID: resp.id})
}

// SetFollowups replaces the suggested followups.
func (m *Model) SetFollowups(resp *Response, followups []types.Followup) {
	resp.update(func(r *Response) { r.followups = append([]types.Followup(nil), followups...) })
	m.fire(ChangeEvent{Kind: ChangeSetFollowups, ExchangeID: resp.id})
}

// SetCustomTitle renames the session.
func (m *Model) SetCustomTitle(title string) {
	m.mu.Lock()
	m.customTitle = title
	m.mu.Unlock()
	m.fire(ChangeEvent{Kind: ChangeSetTitle})
}

// RemoveExchange removes the exchange with id. Removing a request also
// removes its response.
func (m *Model) RemoveExchange(id string, reason RemovalReason) error {
	m.mu.Lock()
	idx := m.indexOf(id)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, id)
	}

	var removed []*Response
	kept := m.exchanges[:0:0]
	for _, ex := range m.exchanges {
		switch e := ex.(type) {
		case *Request:
			if e.id == id {
				continue
			}
		case *Response:
			if e.id == id || e.requestID == id {
				removed = append(removed, e)
				continue
			}
		}
		kept = append(kept, ex)
	}
	m.exchanges = kept
	m.lastExchangeComplete = m.lastCompleteLocked()
	m.mu.Unlock()

	for _, r := range removed {
		r.dispose()
	}
	m.fire(ChangeEvent{Kind: ChangeRemoveExchange, ExchangeID: id, Reason: reason})
	return nil
}

// DisableRequests soft-hides requests that a resend supersedes.
func (m *Model) DisableRequests(ids []string) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	m.mu.RLock()
	var hit []string
	for _, ex := range m.exchanges {
		if r, ok := ex.(*Request); ok && want[r.id] {
			r.hidden.Store(true)
			hit = append(hit, r.id)
		}
	}
	m.mu.RUnlock()

	if len(hit) > 0 {
		m.fire(ChangeEvent{Kind: ChangeDisableRequests, IDs: hit})
	}
}

// ExchangesFrom returns the ids of the exchange with id and every exchange
// after it, in order.
func (m *Model) ExchangesFrom(id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.indexOf(id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrExchangeNotFound, id)
	}
	ids := make([]string, 0, len(m.exchanges)-idx)
	for _, ex := range m.exchanges[idx:] {
		ids = append(ids, ex.ID())
	}
	return ids, nil
}

// Dispose releases listeners and stops task watchers of every response.
func (m *Model) Dispose() {
	m.mu.RLock()
	exchanges := append([]Exchange(nil), m.exchanges...)
	m.mu.RUnlock()
	for _, ex := range exchanges {
		if r, ok := ex.(*Response); ok {
			r.dispose()
		}
	}
	m.changes.Close()
}

func (m *Model) indexOf(id string) int {
	for i, ex := range m.exchanges {
		if ex.ID() == id {
			return i
		}
	}
	return -1
}

func (m *Model) lastCompleteLocked() bool {
	for i := len(m.exchanges) - 1; i >= 0; i-- {
		if r, ok := m.exchanges[i].(*Response); ok {
			return r.IsComplete()
		}
	}
	return true
}
