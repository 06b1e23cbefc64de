package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// AgentEventKind is the discriminator of a decoded agent event.
type AgentEventKind string

const (
	AgentEventKeepAlive                 AgentEventKind = "KeepAlive"
	AgentEventDone                      AgentEventKind = "Done"
	AgentEventStatusAck                 AgentEventKind = "StatusAck"
	AgentEventOpenFile                  AgentEventKind = "OpenFile"
	AgentEventToolThinking              AgentEventKind = "ToolThinking"
	AgentEventToolParameterFound        AgentEventKind = "ToolParameterFound"
	AgentEventToolUseDetected           AgentEventKind = "ToolUseDetected"
	AgentEventToolTypeError             AgentEventKind = "ToolTypeError"
	AgentEventSymbol                    AgentEventKind = "SymbolEvent"
	AgentEventSymbolSubStep             AgentEventKind = "SymbolEventSubStep"
	AgentEventRequest                   AgentEventKind = "RequestEvent"
	AgentEventChatDelta                 AgentEventKind = "ChatEvent"
	AgentEventPlanStepTitleAdded        AgentEventKind = "PlanStepTitleAdded"
	AgentEventPlanStepDescriptionUpdate AgentEventKind = "PlanStepDescriptionUpdate"
	AgentEventPlansExchangeState        AgentEventKind = "PlansExchangeState"
	AgentEventEditsExchangeState        AgentEventKind = "EditsExchangeState"
	AgentEventExecutionState            AgentEventKind = "ExecutionState"
	AgentEventFinishedExchange          AgentEventKind = "FinishedExchange"
)

// ErrMalformedEvent is returned when a stream line is not a recognizable agent event.
var ErrMalformedEvent = errors.New("malformed agent event")

// AgentEvent is one decoded event of the agent stream. Payload holds exactly
// one of the *Payload types below, matching Kind.
type AgentEvent struct {
	SessionID  string
	ExchangeID string
	Kind       AgentEventKind
	Payload    AgentPayload
}

// AgentPayload is implemented by every agent event payload.
type AgentPayload interface {
	agentPayload()
}

type KeepAlivePayload struct{}

type DonePayload struct{}

type StatusAckPayload struct {
	Started bool
}

type OpenFilePayload struct {
	FsFilePath string `json:"fs_file_path"`
}

type ToolThinkingPayload struct {
	Thinking string `json:"thinking"`
}

type ToolParameterFoundPayload struct {
	FieldName              string `json:"field_name"`
	FieldContentDelta      string `json:"field_content_delta"`
	FieldContentUpUntilNow string `json:"field_content_up_until_now"`
}

// ToolUseDetectedPayload carries the tool the agent decided to use. For
// AttemptCompletion, Result holds the completion text.
type ToolUseDetectedPayload struct {
	ToolName string
	Thinking string
	Result   string
	Input    json.RawMessage
}

type ToolTypeErrorPayload struct {
	ErrorString string `json:"error_string"`
}

// SymbolPayload is a coarse symbol-level event. Action is the name of the
// operation the agent performs on the symbol (Probe, Edit, AskQuestion...).
type SymbolPayload struct {
	SymbolName string
	FsFilePath string
	Action     string
}

// SymbolSubStepPayload is a fine grained step inside a symbol operation.
type SymbolSubStepPayload struct {
	SymbolName string
	FsFilePath string
	Step       string
	Detail     string
	Delta      string
}

type RequestPayload struct {
	Kind  string
	Reply string
}

type ChatDeltaPayload struct {
	Delta            string `json:"delta"`
	AnswerUpUntilNow string `json:"answer_up_until_now"`
}

type PlanStepPayload struct {
	Index  int    `json:"index"`
	StepID string `json:"step_id"`
	Title  string `json:"title"`
	Delta  string `json:"delta"`
}

// ExchangeState is the state string of plan/edit exchange events.
type ExchangeState string

const (
	ExchangeStateLoading        ExchangeState = "Loading"
	ExchangeStateCancelled      ExchangeState = "Cancelled"
	ExchangeStateMarkedComplete ExchangeState = "MarkedComplete"
	ExchangeStateAccepted       ExchangeState = "Accepted"
	ExchangeStateInference      ExchangeState = "Inference"
	ExchangeStateInReview       ExchangeState = "InReview"
)

type ExchangeStatePayload struct {
	State ExchangeState `json:"edits_state"`
	Files []string      `json:"files,omitempty"`
}

type FinishedExchangePayload struct{}

func (KeepAlivePayload) agentPayload()          {}
func (DonePayload) agentPayload()               {}
func (StatusAckPayload) agentPayload()          {}
func (OpenFilePayload) agentPayload()           {}
func (ToolThinkingPayload) agentPayload()       {}
func (ToolParameterFoundPayload) agentPayload() {}
func (ToolUseDetectedPayload) agentPayload()    {}
func (ToolTypeErrorPayload) agentPayload()      {}
func (SymbolPayload) agentPayload()             {}
func (SymbolSubStepPayload) agentPayload()      {}
func (RequestPayload) agentPayload()            {}
func (ChatDeltaPayload) agentPayload()          {}
func (PlanStepPayload) agentPayload()           {}
func (ExchangeStatePayload) agentPayload()      {}
func (FinishedExchangePayload) agentPayload()   {}

// IsTerminal reports whether the event ends every open stream of its session.
func (e AgentEvent) IsTerminal() bool {
	switch e.Kind {
	case AgentEventFinishedExchange, AgentEventToolTypeError:
		return true
	case AgentEventToolUseDetected:
		p, ok := e.Payload.(ToolUseDetectedPayload)
		return ok && p.ToolName == ToolAttemptCompletion
	case AgentEventEditsExchangeState:
		p, ok := e.Payload.(ExchangeStatePayload)
		return ok && p.State == ExchangeStateMarkedComplete
	}
	return false
}

// ToolAttemptCompletion is the tool the agent uses to signal it is done.
const ToolAttemptCompletion = "AttemptCompletion"

// DecodeAgentEvent decodes one JSON line of the agent stream into a tagged
// event. The discriminator is resolved once here; consumers switch on Kind.
func DecodeAgentEvent(data []byte) (AgentEvent, error) {
	if !gjson.ValidBytes(data) {
		return AgentEvent{}, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}
	root := gjson.ParseBytes(data)

	if root.Get("keep_alive").Exists() {
		return AgentEvent{Kind: AgentEventKeepAlive, Payload: KeepAlivePayload{}}, nil
	}
	if root.Get("done").Exists() {
		return AgentEvent{Kind: AgentEventDone, Payload: DonePayload{}}, nil
	}

	ev := AgentEvent{
		SessionID:  root.Get("request_id").String(),
		ExchangeID: root.Get("exchange_id").String(),
	}

	body := root.Get("event")
	if !body.Exists() {
		if started := root.Get("started"); started.Exists() {
			ev.SessionID = firstNonEmpty(ev.SessionID, root.Get("session_id").String())
			ev.Kind = AgentEventStatusAck
			ev.Payload = StatusAckPayload{Started: started.Bool()}
			return ev, nil
		}
		return AgentEvent{}, fmt.Errorf("%w: missing event body", ErrMalformedEvent)
	}

	category, inner := singleKey(body)
	var err error
	switch category {
	case "FrameworkEvent":
		err = decodeFrameworkEvent(&ev, inner)
	case "SymbolEvent":
		ev.Kind = AgentEventSymbol
		ev.Payload = decodeSymbolEvent(inner)
	case "SymbolEventSubStep":
		ev.Kind = AgentEventSymbolSubStep
		ev.Payload = decodeSymbolSubStep(inner)
	case "RequestEvent":
		kind, detail := singleKey(inner)
		ev.Kind = AgentEventRequest
		ev.Payload = RequestPayload{Kind: kind, Reply: detail.Get("reply").String()}
	case "ChatEvent":
		var p ChatDeltaPayload
		err = json.Unmarshal([]byte(inner.Raw), &p)
		ev.Kind = AgentEventChatDelta
		ev.Payload = p
	case "PlanEvent":
		err = decodePlanEvent(&ev, inner)
	case "ExchangeEvent":
		err = decodeExchangeEvent(&ev, inner)
	default:
		return AgentEvent{}, fmt.Errorf("%w: unknown category %q", ErrMalformedEvent, category)
	}
	if err != nil {
		return AgentEvent{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, category, err)
	}
	return ev, nil
}

func decodeFrameworkEvent(ev *AgentEvent, body gjson.Result) error {
	name, inner := singleKey(body)
	switch name {
	case "OpenFile":
		var p OpenFilePayload
		if err := json.Unmarshal([]byte(inner.Raw), &p); err != nil {
			return err
		}
		ev.Kind, ev.Payload = AgentEventOpenFile, p
	case "ToolThinking":
		var p ToolThinkingPayload
		if err := json.Unmarshal([]byte(inner.Raw), &p); err != nil {
			return err
		}
		ev.Kind, ev.Payload = AgentEventToolThinking, p
	case "ToolParameterFound":
		var p ToolParameterFoundPayload
		param := inner.Get("tool_parameter_input")
		if !param.Exists() {
			param = inner
		}
		if err := json.Unmarshal([]byte(param.Raw), &p); err != nil {
			return err
		}
		ev.Kind, ev.Payload = AgentEventToolParameterFound, p
	case "ToolUseDetected":
		tool, input := singleKey(inner.Get("tool_use_partial_input"))
		ev.Kind = AgentEventToolUseDetected
		ev.Payload = ToolUseDetectedPayload{
			ToolName: tool,
			Thinking: inner.Get("thinking").String(),
			Result:   input.Get("result").String(),
			Input:    json.RawMessage(input.Raw),
		}
	case "ToolTypeError":
		var p ToolTypeErrorPayload
		if err := json.Unmarshal([]byte(inner.Raw), &p); err != nil {
			return err
		}
		ev.Kind, ev.Payload = AgentEventToolTypeError, p
	default:
		return fmt.Errorf("unknown framework event %q", name)
	}
	return nil
}

func decodeSymbolEvent(body gjson.Result) SymbolPayload {
	action, _ := singleKey(body.Get("event"))
	return SymbolPayload{
		SymbolName: firstNonEmpty(body.Get("symbol").String(), body.Get("symbol_identifier.symbol_name").String()),
		FsFilePath: firstNonEmpty(body.Get("fs_file_path").String(), body.Get("symbol_identifier.fs_file_path").String()),
		Action:     action,
	}
}

func decodeSymbolSubStep(body gjson.Result) SymbolSubStepPayload {
	step, stepBody := singleKey(body.Get("event"))
	detail, detailBody := singleKey(stepBody)
	delta := detailBody.Get("delta").String()
	if delta == "" && detailBody.Type == gjson.String {
		delta = detailBody.String()
	}
	return SymbolSubStepPayload{
		SymbolName: body.Get("symbol_identifier.symbol_name").String(),
		FsFilePath: body.Get("symbol_identifier.fs_file_path").String(),
		Step:       step,
		Detail:     detail,
		Delta:      delta,
	}
}

func decodePlanEvent(ev *AgentEvent, body gjson.Result) error {
	name, inner := singleKey(body)
	var p PlanStepPayload
	if err := json.Unmarshal([]byte(inner.Raw), &p); err != nil {
		return err
	}
	switch name {
	case "PlanStepTitleAdded":
		ev.Kind = AgentEventPlanStepTitleAdded
	case "PlanStepDescriptionUpdate":
		ev.Kind = AgentEventPlanStepDescriptionUpdate
	default:
		return fmt.Errorf("unknown plan event %q", name)
	}
	ev.Payload = p
	return nil
}

func decodeExchangeEvent(ev *AgentEvent, body gjson.Result) error {
	name, inner := singleKey(body)
	switch name {
	case "PlansExchangeState", "EditsExchangeState":
		var p ExchangeStatePayload
		if err := json.Unmarshal([]byte(inner.Raw), &p); err != nil {
			return err
		}
		ev.Kind = AgentEventKind(name)
		ev.Payload = p
	case "ExecutionState":
		// Sent either as a bare string or as {"edits_state": ...}.
		state := inner.String()
		if inner.IsObject() {
			state = inner.Get("edits_state").String()
		}
		ev.Kind = AgentEventExecutionState
		ev.Payload = ExchangeStatePayload{State: ExchangeState(state)}
	case "FinishedExchange":
		ev.Kind = AgentEventFinishedExchange
		ev.Payload = FinishedExchangePayload{}
	default:
		return fmt.Errorf("unknown exchange event %q", name)
	}
	return nil
}

// singleKey returns the first key and value of an externally tagged union.
// A bare string value is treated as a unit variant.
func singleKey(v gjson.Result) (string, gjson.Result) {
	if v.Type == gjson.String {
		return v.String(), gjson.Result{}
	}
	var (
		key   string
		value gjson.Result
	)
	v.ForEach(func(k, val gjson.Result) bool {
		key, value = k.String(), val
		return false
	})
	return key, value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
