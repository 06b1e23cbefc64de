// Package dispatch routes the agent event stream into chat responses. Each
// open exchange has a ResponseStream; events for exchanges without one are
// dropped. A terminal event closes every open stream of its session.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/logging"
	"github.com/aide-ai/aide/pkg/types"
)

// Commands offered as buttons in responses.
const (
	CommandExecutePlan = "aide.plan.execute"
	CommandAcceptAll   = "aide.workingSet.acceptAll"
	CommandRejectAll   = "aide.workingSet.rejectAll"
)

// Canceler asks the backend to stop generating events for an exchange.
type Canceler interface {
	CancelExchange(ctx context.Context, sessionID, exchangeID string) error
}

// Options configures a Dispatcher. Every field is optional.
type Options struct {
	Canceler Canceler
	Bus      *event.Bus
	// Editing receives working-set effects of edit exchange events. Edits
	// streamed for an exchange are reported into its response, and its open
	// edit streams end when the exchange closes.
	Editing *editing.Service
}

// Dispatcher owns the open response streams.
type Dispatcher struct {
	opts Options
	log  *zerolog.Logger

	mu           sync.Mutex
	streams      map[streamKey]*ResponseStream
	seen         map[streamKey]struct{}
	lastThinking map[streamKey]string
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		opts:         opts,
		log:          logging.Component("dispatch"),
		streams:      make(map[streamKey]*ResponseStream),
		seen:         make(map[streamKey]struct{}),
		lastThinking: make(map[streamKey]string),
	}
}

// Open registers the stream of an exchange. An already open stream for the
// same exchange is closed as canceled first.
func (d *Dispatcher) Open(model *chat.Model, response *chat.Response, sessionID, exchangeID string) *ResponseStream {
	k := streamKey{sessionID: sessionID, exchangeID: exchangeID}

	d.mu.Lock()
	prev := d.removeLocked(k)
	d.mu.Unlock()
	if prev != nil {
		d.finish(prev, chat.StageCanceled)
	}

	// the previous stream's edits are settled before this one listens
	st := newResponseStream(model, response, k)
	if d.opts.Editing != nil {
		st.watchEdits(d.opts.Editing.StartOrContinue(sessionID))
	}

	d.mu.Lock()
	raced := d.removeLocked(k)
	d.streams[k] = st
	d.mu.Unlock()
	if raced != nil {
		d.finish(raced, chat.StageCanceled)
	}
	d.log.Debug().Str("session", sessionID).Str("exchange", exchangeID).Msg("stream opened")
	return st
}

// Stream returns the open stream of an exchange.
func (d *Dispatcher) Stream(sessionID, exchangeID string) (*ResponseStream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.streams[streamKey{sessionID: sessionID, exchangeID: exchangeID}]
	return st, ok
}

// OpenStreams returns the number of open streams of a session.
func (d *Dispatcher) OpenStreams(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k := range d.streams {
		if k.sessionID == sessionID {
			n++
		}
	}
	return n
}

// Run dispatches events in arrival order until the done sentinel arrives,
// the channel closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, events <-chan types.AgentEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok || ev.Kind == types.AgentEventDone {
				return nil
			}
			d.Dispatch(ev)
		}
	}
}

// Dispatch applies one event to its response stream.
func (d *Dispatcher) Dispatch(ev types.AgentEvent) {
	switch ev.Kind {
	case types.AgentEventKeepAlive, types.AgentEventStatusAck, types.AgentEventDone:
		return
	}

	k := streamKey{sessionID: ev.SessionID, exchangeID: ev.ExchangeID}
	d.mu.Lock()
	st, ok := d.streams[k]
	_, seen := d.seen[k]
	if ok && !seen {
		d.seen[k] = struct{}{}
	}
	d.mu.Unlock()

	if !ok {
		d.log.Debug().
			Str("session", ev.SessionID).
			Str("exchange", ev.ExchangeID).
			Str("kind", string(ev.Kind)).
			Msg("no open stream, event dropped")
		return
	}
	if !seen {
		st.stage(chat.StageLoading)
	}

	d.apply(st, ev)

	if ev.IsTerminal() {
		stage := chat.StageComplete
		if ev.Kind == types.AgentEventToolTypeError {
			stage = chat.StageError
		}
		d.CloseSession(ev.SessionID, stage)
	}
}

func (d *Dispatcher) apply(st *ResponseStream, ev types.AgentEvent) {
	switch p := ev.Payload.(type) {
	case types.OpenFilePayload:
		st.reference(p.FsFilePath)

	case types.ToolThinkingPayload:
		st.stage(chat.StageReasoning)
		st.markdown(d.thinkingDelta(st.key, p.Thinking))

	case types.ToolParameterFoundPayload:
		switch p.FieldName {
		case "fs_file_path":
			st.reference(firstNonEmpty(p.FieldContentUpUntilNow, p.FieldContentDelta))
		case "instruction":
			st.markdown(p.FieldContentDelta)
		}

	case types.ToolUseDetectedPayload:
		if p.ToolName == types.ToolAttemptCompletion {
			st.markdown(p.Result)
			return
		}
		st.message(fmt.Sprintf("Using %s", p.ToolName))

	case types.ToolTypeErrorPayload:
		st.progress(types.ToolTypeError{Message: p.ErrorString})
		st.model.SetResponseResult(st.response, types.ResponseResult{
			ErrorDetails: &types.ErrorDetails{Message: p.ErrorString},
		})

	case types.SymbolPayload:
		st.message(symbolMessage(p.Action, p.SymbolName))
		st.reference(p.FsFilePath)

	case types.SymbolSubStepPayload:
		if p.Step == "Edit" && p.Delta != "" {
			st.stage(chat.StageEditing)
			st.markdown(p.Delta)
		} else {
			st.message(subStepMessage(p))
		}
		st.reference(p.FsFilePath)

	case types.RequestPayload:
		if p.Kind == "ProbeFinished" {
			st.markdown(p.Reply)
		}

	case types.ChatDeltaPayload:
		st.markdown(p.Delta)

	case types.PlanStepPayload:
		event := types.PlanStepTitleAdded
		if ev.Kind == types.AgentEventPlanStepDescriptionUpdate {
			event = types.PlanStepDescriptionUpdate
		}
		st.progress(types.PlanStepProgress{
			Event:      event,
			Index:      p.Index,
			StepID:     p.StepID,
			Title:      p.Title,
			Delta:      p.Delta,
			SessionID:  ev.SessionID,
			ExchangeID: ev.ExchangeID,
		})

	case types.ExchangeStatePayload:
		d.applyExchangeState(st, ev.Kind, p)

	case types.FinishedExchangePayload:
		// Terminal; handled by the caller.

	default:
		d.log.Warn().Str("kind", string(ev.Kind)).Msg("unhandled agent event")
	}
}

func (d *Dispatcher) applyExchangeState(st *ResponseStream, kind types.AgentEventKind, p types.ExchangeStatePayload) {
	switch kind {
	case types.AgentEventPlansExchangeState:
		switch p.State {
		case types.ExchangeStateLoading:
			if st.beginPlanning() {
				st.model.ResetPlan()
			}
			st.stage(chat.StagePlanning)
		case types.ExchangeStateMarkedComplete:
			st.progress(types.CommandButton{Command: types.Command{
				ID:        CommandExecutePlan,
				Title:     "Execute plan",
				Arguments: []any{st.key.sessionID, st.key.exchangeID},
			}})
		case types.ExchangeStateCancelled:
			st.progress(types.Warning{Content: types.Markdown("The plan was cancelled.")})
		}

	case types.AgentEventEditsExchangeState:
		switch p.State {
		case types.ExchangeStateLoading:
			st.stage(chat.StageEditing)
			d.addToWorkingSet(st, p.Files)
		case types.ExchangeStateAccepted:
			d.acceptEdits(st, p.Files)
		case types.ExchangeStateCancelled:
			st.progress(types.Warning{Content: types.Markdown("The edits were cancelled.")})
		}

	case types.AgentEventExecutionState:
		switch p.State {
		case types.ExchangeStateInference:
			st.stage(chat.StageReasoning)
		case types.ExchangeStateInReview:
			st.progress(types.CommandButton{Command: types.Command{ID: CommandAcceptAll, Title: "Accept all", Arguments: []any{st.key.sessionID}}})
			st.progress(types.CommandButton{Command: types.Command{ID: CommandRejectAll, Title: "Reject all", Arguments: []any{st.key.sessionID}}})
		case types.ExchangeStateCancelled:
			st.progress(types.Warning{Content: types.Markdown("Execution was cancelled.")})
		}
	}
}

func (d *Dispatcher) addToWorkingSet(st *ResponseStream, files []string) {
	if d.opts.Editing == nil || len(files) == 0 {
		return
	}
	ws := d.opts.Editing.StartOrContinue(st.key.sessionID)
	for _, f := range files {
		if err := ws.AddFileToWorkingSet(f, "", editing.WorkingSetTransient); err != nil {
			d.log.Debug().Err(err).Str("file", f).Msg("file not added to working set")
		}
	}
}

func (d *Dispatcher) acceptEdits(st *ResponseStream, files []string) {
	if d.opts.Editing == nil {
		return
	}
	ws, ok := d.opts.Editing.Get(st.key.sessionID)
	if !ok {
		return
	}
	if err := ws.Accept(st.ctx, files...); err != nil {
		d.log.Warn().Err(err).Str("session", st.key.sessionID).Msg("failed to accept edits")
	}
}

// thinkingDelta returns the part of text not yet rendered for k. A thinking
// text that does not extend the previous one is rendered whole.
func (d *Dispatcher) thinkingDelta(k streamKey, text string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	last := d.lastThinking[k]
	d.lastThinking[k] = text
	if strings.HasPrefix(text, last) {
		return text[len(last):]
	}
	return text
}

// CloseSession closes every open stream of a session with stage.
func (d *Dispatcher) CloseSession(sessionID string, stage chat.Stage) {
	d.mu.Lock()
	var closing []*ResponseStream
	for k := range d.streams {
		if k.sessionID == sessionID {
			closing = append(closing, d.removeLocked(k))
		}
	}
	d.mu.Unlock()

	for _, st := range closing {
		d.finish(st, stage)
	}
}

// Cancel stops an exchange: the backend is told to stop, the local stream is
// closed and its response marked canceled. Edits already applied stay. A
// missing stream is not an error.
func (d *Dispatcher) Cancel(ctx context.Context, sessionID, exchangeID string) error {
	k := streamKey{sessionID: sessionID, exchangeID: exchangeID}
	d.mu.Lock()
	st := d.removeLocked(k)
	d.mu.Unlock()
	if st == nil {
		d.log.Debug().Str("session", sessionID).Str("exchange", exchangeID).Msg("cancel: no open stream")
		return nil
	}

	var err error
	if d.opts.Canceler != nil {
		if err = d.opts.Canceler.CancelExchange(ctx, sessionID, exchangeID); err != nil {
			err = fmt.Errorf("failed to cancel exchange %s: %w", exchangeID, err)
		}
	}
	d.finish(st, chat.StageCanceled)
	return err
}

// Finish closes one stream with stage without contacting the backend. It is
// used when an event stream ends without a terminal event.
func (d *Dispatcher) Finish(sessionID, exchangeID string, stage chat.Stage) bool {
	d.mu.Lock()
	st := d.removeLocked(streamKey{sessionID: sessionID, exchangeID: exchangeID})
	d.mu.Unlock()
	if st == nil {
		return false
	}
	d.finish(st, stage)
	return true
}

// Close cancels every open stream locally.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	all := make([]*ResponseStream, 0, len(d.streams))
	for k := range d.streams {
		all = append(all, d.removeLocked(k))
	}
	d.mu.Unlock()
	for _, st := range all {
		d.finish(st, chat.StageCanceled)
	}
}

// removeLocked forgets k and every per-stream tracking entry.
func (d *Dispatcher) removeLocked(k streamKey) *ResponseStream {
	st, ok := d.streams[k]
	delete(d.streams, k)
	delete(d.seen, k)
	delete(d.lastThinking, k)
	if !ok {
		return nil
	}
	return st
}

func (d *Dispatcher) finish(st *ResponseStream, stage chat.Stage) {
	if st.editing != nil {
		if err := st.editing.EndExchangeStreams(st.ctx, st.key.exchangeID); err != nil {
			d.log.Warn().Err(err).Str("exchange", st.key.exchangeID).Msg("failed to end edit streams")
		}
	}
	st.edits.Release()
	st.cancel()
	st.stage(stage)
	if stage == chat.StageCanceled {
		st.model.CancelRequest(st.response)
	} else {
		st.model.CompleteResponse(st.response)
	}

	d.log.Debug().
		Str("session", st.key.sessionID).
		Str("exchange", st.key.exchangeID).
		Str("stage", string(stage)).
		Msg("stream closed")

	if d.opts.Bus != nil {
		d.opts.Bus.Publish(event.Event{
			Type: event.StreamClosed,
			Data: event.StreamClosedData{
				SessionID:  st.key.sessionID,
				ExchangeID: st.key.exchangeID,
				Stage:      string(stage),
			},
		})
	}
}

func symbolMessage(action, symbol string) string {
	switch action {
	case "Probe":
		return fmt.Sprintf("Probing `%s`", symbol)
	case "Edit":
		return fmt.Sprintf("Editing `%s`", symbol)
	case "GoToDefinition", "GoToReferences", "GoToImplementation":
		return fmt.Sprintf("Following `%s`", symbol)
	case "AskQuestion":
		return fmt.Sprintf("Asking about `%s`", symbol)
	case "":
		return fmt.Sprintf("Looking at `%s`", symbol)
	default:
		return fmt.Sprintf("%s `%s`", action, symbol)
	}
}

func subStepMessage(p types.SymbolSubStepPayload) string {
	msg := symbolMessage(p.Step, p.SymbolName)
	if p.Detail != "" {
		msg += ": " + p.Detail
	}
	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
