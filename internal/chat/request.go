package chat

import (
	"sync/atomic"
	"time"

	"github.com/aide-ai/aide/pkg/types"
)

// Exchange is one element of a session's flat exchange list.
type Exchange interface {
	ID() string
	Kind() types.ExchangeType
}

// Request is the user side of an exchange. Everything but the soft-hide flag
// is fixed at creation.
type Request struct {
	id           string
	message      types.ParsedRequest
	variables    []types.Variable
	attempt      int
	agent        string
	command      string
	confirmation string
	location     *types.LocationData
	attachments  []types.Attachment
	timestamp    time.Time

	hidden atomic.Bool
}

func (r *Request) ID() string               { return r.id }
func (r *Request) Kind() types.ExchangeType { return types.ExchangeTypeRequest }

// Message returns the parsed message.
func (r *Request) Message() types.ParsedRequest { return r.message }

// Text returns the raw message text.
func (r *Request) Text() string { return r.message.Text }

func (r *Request) Variables() []types.Variable {
	return append([]types.Variable(nil), r.variables...)
}

func (r *Request) Attempt() int                  { return r.attempt }
func (r *Request) Agent() string                 { return r.agent }
func (r *Request) Command() string               { return r.command }
func (r *Request) Confirmation() string          { return r.confirmation }
func (r *Request) Location() *types.LocationData { return r.location }
func (r *Request) Timestamp() time.Time          { return r.timestamp }
func (r *Request) ShouldBeRemovedOnSend() bool   { return r.hidden.Load() }
func (r *Request) Attachments() []types.Attachment {
	return append([]types.Attachment(nil), r.attachments...)
}

// RequestOption sets an optional request field.
type RequestOption func(*Request)

// WithAgent names the agent that should answer.
func WithAgent(agentID string) RequestOption {
	return func(r *Request) { r.agent = agentID }
}

// WithCommand sets the slash command.
func WithCommand(command string) RequestOption {
	return func(r *Request) { r.command = command }
}

// WithConfirmation records the confirmation button the user pressed.
func WithConfirmation(confirmation string) RequestOption {
	return func(r *Request) { r.confirmation = confirmation }
}

// WithLocation scopes the request to an editor location.
func WithLocation(loc types.LocationData) RequestOption {
	return func(r *Request) { r.location = &loc }
}

// WithAttachments attaches files or images.
func WithAttachments(attachments ...types.Attachment) RequestOption {
	return func(r *Request) { r.attachments = append(r.attachments, attachments...) }
}

func (r *Request) serialize() types.SerializedRequest {
	vars := r.Variables()
	if vars == nil {
		vars = []types.Variable{}
	}
	return types.SerializedRequest{
		Type:                  types.ExchangeTypeRequest,
		ID:                    r.id,
		Message:               r.message,
		VariableData:          types.VariableData{Variables: vars},
		Attempt:               r.attempt,
		Agent:                 r.agent,
		Command:               r.command,
		Confirmation:          r.confirmation,
		Location:              r.location,
		Attachments:           r.Attachments(),
		ShouldBeRemovedOnSend: r.ShouldBeRemovedOnSend(),
		Timestamp:             r.timestamp.UnixMilli(),
	}
}

func requestFromSerialized(s types.SerializedRequest) *Request {
	vars := make([]types.Variable, len(s.VariableData.Variables))
	for i, v := range s.VariableData.Variables {
		// Older files stored variables without an id.
		if v.ID == "" {
			v.ID = v.Name
		}
		vars[i] = v
	}
	r := &Request{
		id:           s.ID,
		message:      s.Message,
		variables:    vars,
		attempt:      s.Attempt,
		agent:        s.Agent,
		command:      s.Command,
		confirmation: s.Confirmation,
		location:     s.Location,
		attachments:  s.Attachments,
	}
	if s.Timestamp > 0 {
		r.timestamp = time.UnixMilli(s.Timestamp)
	}
	r.hidden.Store(s.ShouldBeRemovedOnSend)
	return r
}
