package chat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/aide-ai/aide/pkg/types"
)

// Stage is the coarse status label shown for an exchange while it streams.
type Stage string

const (
	StageNone      Stage = ""
	StageLoading   Stage = "Loading"
	StageReasoning Stage = "Reasoning"
	StagePlanning  Stage = "Planning"
	StageEditing   Stage = "Editing"
	StageComplete  Stage = "Complete"
	StageError     Stage = "Error"
	StageCanceled  Stage = "Canceled"
)

// Response is the agent side of an exchange. Its content is owned by the
// response; everything else is mutated only through the owning Model.
type Response struct {
	id        string
	requestID string
	content   *ResponseContent
	timestamp time.Time

	mu                sync.RWMutex
	complete          bool
	canceled          bool
	vote              types.Vote
	result            *types.ResponseResult
	hasSideEffects    bool
	followups         []types.Followup
	usedContext       *types.UsedContext
	contentReferences []types.Reference
	agent             string
	slashCommand      string
	stage             Stage
}

func newResponse(id, requestID string, parts []types.Part, notify func()) *Response {
	return &Response{
		id:        id,
		requestID: requestID,
		content:   NewResponseContent(parts, notify),
		timestamp: time.Now(),
	}
}

func (r *Response) ID() string                { return r.id }
func (r *Response) Kind() types.ExchangeType  { return types.ExchangeTypeResponse }
func (r *Response) RequestID() string         { return r.requestID }
func (r *Response) Content() *ResponseContent { return r.content }
func (r *Response) Timestamp() time.Time      { return r.timestamp }

// IsComplete reports whether the response reached a terminal state.
func (r *Response) IsComplete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.complete
}

func (r *Response) IsCanceled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canceled
}

func (r *Response) Vote() types.Vote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vote
}

func (r *Response) Result() *types.ResponseResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}

// HasSideEffects reports whether the response proposed file edits.
func (r *Response) HasSideEffects() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasSideEffects
}

func (r *Response) Followups() []types.Followup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.Followup(nil), r.followups...)
}

func (r *Response) UsedContext() *types.UsedContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usedContext
}

func (r *Response) ContentReferences() []types.Reference {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.Reference(nil), r.contentReferences...)
}

// CodeCitations returns the deduplicated citations.
func (r *Response) CodeCitations() []types.CodeCitation {
	return r.content.Citations()
}

func (r *Response) Agent() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agent
}

func (r *Response) SlashCommand() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slashCommand
}

// Stage returns the current status label. It is not persisted.
func (r *Response) Stage() Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stage
}

func (r *Response) update(fn func(r *Response)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

func (r *Response) dispose() {
	r.content.Dispose()
}

func (r *Response) serialize() (types.SerializedResponse, error) {
	parts := r.content.Parts()
	if parts == nil {
		parts = []types.Part{}
	}
	value, err := json.Marshal(parts)
	if err != nil {
		return types.SerializedResponse{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return types.SerializedResponse{
		Type:              types.ExchangeTypeResponse,
		ID:                r.id,
		RequestID:         r.requestID,
		Value:             value,
		IsComplete:        r.complete,
		IsCanceled:        r.canceled,
		Vote:              r.vote,
		Result:            r.result,
		HasSideEffects:    r.hasSideEffects,
		Followups:         r.followups,
		UsedContext:       r.usedContext,
		ContentReferences: r.contentReferences,
		CodeCitations:     r.content.Citations(),
		Agent:             r.agent,
		SlashCommand:      r.slashCommand,
		Timestamp:         r.timestamp.UnixMilli(),
	}, nil
}
