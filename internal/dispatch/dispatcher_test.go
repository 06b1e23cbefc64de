package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/pkg/types"
)

type fakeCanceler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCanceler) CancelExchange(_ context.Context, sessionID, exchangeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID+"/"+exchangeID)
	return f.err
}

func openExchange(t *testing.T, d *Dispatcher, model *chat.Model, sessionID string) (*chat.Response, string) {
	t.Helper()
	req := model.AddRequest(types.ParsedRequest{Text: "hi"}, nil, 0)
	resp, ok := model.ResponseFor(req.ID())
	require.True(t, ok)
	d.Open(model, resp, sessionID, req.ID())
	return resp, req.ID()
}

func ev(sessionID, exchangeID string, kind types.AgentEventKind, payload types.AgentPayload) types.AgentEvent {
	return types.AgentEvent{SessionID: sessionID, ExchangeID: exchangeID, Kind: kind, Payload: payload}
}

func stages(model *chat.Model) func() []chat.Stage {
	var mu sync.Mutex
	var out []chat.Stage
	model.OnDidChange(func(e chat.ChangeEvent) {
		if e.Kind == chat.ChangeSetStage {
			mu.Lock()
			out = append(out, e.Stage)
			mu.Unlock()
		}
	})
	return func() []chat.Stage {
		mu.Lock()
		defer mu.Unlock()
		return append([]chat.Stage(nil), out...)
	}
}

func TestDispatch_ChatDeltaAppendsMarkdown(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: "Let me "}))
	d.Dispatch(ev("s1", ex, types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: "look at this."}))

	assert.Equal(t, "Let me look at this.", resp.Content().Markdown())
	assert.False(t, resp.IsComplete())
}

func TestDispatch_LoadingStageOnce(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	got := stages(model)
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: "a"}))
	d.Dispatch(ev("s1", ex, types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: "b"}))
	d.Dispatch(ev("s1", ex, types.AgentEventOpenFile, types.OpenFilePayload{FsFilePath: "/repo/a.go"}))

	assert.Equal(t, []chat.Stage{chat.StageLoading}, got())
	assert.Equal(t, chat.StageLoading, resp.Stage())
}

func TestDispatch_UnknownStreamDropped(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", "other", types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: "lost"}))
	d.Dispatch(ev("s2", ex, types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: "lost"}))

	assert.Empty(t, resp.Content().Markdown())
	assert.Equal(t, chat.StageNone, resp.Stage())
}

func TestDispatch_KeepAliveIgnored(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventKeepAlive, types.KeepAlivePayload{}))
	d.Dispatch(ev("s1", ex, types.AgentEventStatusAck, types.StatusAckPayload{Started: true}))

	assert.Equal(t, chat.StageNone, resp.Stage())
	assert.Zero(t, resp.Content().Len())
}

func TestDispatch_TerminalClosesSessionStreams(t *testing.T) {
	tests := []struct {
		name  string
		event types.AgentEvent
		stage chat.Stage
	}{
		{
			name:  "finished exchange",
			event: types.AgentEvent{Kind: types.AgentEventFinishedExchange, Payload: types.FinishedExchangePayload{}},
			stage: chat.StageComplete,
		},
		{
			name:  "attempt completion",
			event: types.AgentEvent{Kind: types.AgentEventToolUseDetected, Payload: types.ToolUseDetectedPayload{ToolName: types.ToolAttemptCompletion, Result: "Done."}},
			stage: chat.StageComplete,
		},
		{
			name:  "tool type error",
			event: types.AgentEvent{Kind: types.AgentEventToolTypeError, Payload: types.ToolTypeErrorPayload{ErrorString: "bad input"}},
			stage: chat.StageError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := event.NewBus()
			defer bus.Close()
			var closed sync.WaitGroup
			closed.Add(3)
			bus.Subscribe(event.StreamClosed, func(event.Event) { closed.Done() })

			d := New(Options{Bus: bus})
			model := chat.NewModel()
			r1, ex1 := openExchange(t, d, model, "s1")
			r2, _ := openExchange(t, d, model, "s1")
			r3, _ := openExchange(t, d, model, "s1")
			other := chat.NewModel()
			r4, _ := openExchange(t, d, other, "s2")

			e := tt.event
			e.SessionID, e.ExchangeID = "s1", ex1
			d.Dispatch(e)

			for _, r := range []*chat.Response{r1, r2, r3} {
				assert.True(t, r.IsComplete())
				assert.False(t, r.IsCanceled())
				assert.Equal(t, tt.stage, r.Stage())
			}
			assert.False(t, r4.IsComplete())
			assert.Zero(t, d.OpenStreams("s1"))
			assert.Equal(t, 1, d.OpenStreams("s2"))

			waitGroup(t, &closed)
		})
	}
}

func TestDispatch_AttemptCompletionRendersResult(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventToolUseDetected, types.ToolUseDetectedPayload{ToolName: types.ToolAttemptCompletion, Result: "All done."}))

	assert.Equal(t, "All done.", resp.Content().Markdown())
	assert.True(t, resp.IsComplete())
}

func TestDispatch_ToolTypeErrorSetsResult(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventToolTypeError, types.ToolTypeErrorPayload{ErrorString: "bad input"}))

	require.NotNil(t, resp.Result())
	require.NotNil(t, resp.Result().ErrorDetails)
	assert.Equal(t, "bad input", resp.Result().ErrorDetails.Message)
	parts := resp.Content().Parts()
	require.Len(t, parts, 1)
	assert.Equal(t, types.ToolTypeError{Message: "bad input"}, parts[0])
}

func TestDispatch_ThinkingDelta(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventToolThinking, types.ToolThinkingPayload{Thinking: "I should"}))
	d.Dispatch(ev("s1", ex, types.AgentEventToolThinking, types.ToolThinkingPayload{Thinking: "I should read main.go"}))

	assert.Equal(t, "I should read main.go", resp.Content().Markdown())
	assert.Equal(t, chat.StageReasoning, resp.Stage())
}

func TestDispatch_ThinkingStateDroppedOnClose(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	_, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventToolThinking, types.ToolThinkingPayload{Thinking: "hmm"}))
	d.mu.Lock()
	assert.Len(t, d.lastThinking, 1)
	d.mu.Unlock()

	d.CloseSession("s1", chat.StageComplete)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.lastThinking)
	assert.Empty(t, d.seen)
	assert.Empty(t, d.streams)
}

func TestDispatch_FilePathReferencesDeduplicated(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventToolParameterFound, types.ToolParameterFoundPayload{FieldName: "fs_file_path", FieldContentUpUntilNow: "/repo/main.go"}))
	d.Dispatch(ev("s1", ex, types.AgentEventOpenFile, types.OpenFilePayload{FsFilePath: "/repo/main.go"}))
	d.Dispatch(ev("s1", ex, types.AgentEventSymbol, types.SymbolPayload{SymbolName: "main", FsFilePath: "/repo/main.go", Action: "Probe"}))

	var refs []types.InlineReference
	var messages []string
	for _, p := range resp.Content().Parts() {
		switch v := p.(type) {
		case types.InlineReference:
			refs = append(refs, v)
		case types.ProgressMessage:
			messages = append(messages, v.Content.Value)
		}
	}
	require.Len(t, refs, 1)
	assert.Equal(t, "file:///repo/main.go", refs[0].Reference.URI)
	assert.Equal(t, "main.go", refs[0].Name)
	assert.Equal(t, []string{"Probing `main`"}, messages)
}

func TestDispatch_PlanEvents(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventPlansExchangeState, types.ExchangeStatePayload{State: types.ExchangeStateLoading}))
	assert.Equal(t, chat.StagePlanning, resp.Stage())

	d.Dispatch(ev("s1", ex, types.AgentEventPlanStepTitleAdded, types.PlanStepPayload{Index: 0, StepID: "step_1", Title: "Add flag"}))
	d.Dispatch(ev("s1", ex, types.AgentEventPlanStepDescriptionUpdate, types.PlanStepPayload{Index: 0, StepID: "step_1", Delta: "Wire the flag."}))

	p := model.Plan()
	require.NotNil(t, p)
	steps := p.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, "Add flag", steps[0].Title)
	assert.Equal(t, "Wire the flag.", steps[0].Description)

	d.Dispatch(ev("s1", ex, types.AgentEventPlansExchangeState, types.ExchangeStatePayload{State: types.ExchangeStateMarkedComplete}))
	var buttons []string
	for _, part := range resp.Content().Parts() {
		if b, ok := part.(types.CommandButton); ok {
			buttons = append(buttons, b.Command.ID)
		}
	}
	assert.Equal(t, []string{CommandExecutePlan}, buttons)
}

func TestDispatch_NewPlanningPassReplacesPlan(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()

	plan := func(ex, title, desc string) {
		d.Dispatch(ev("s1", ex, types.AgentEventPlansExchangeState, types.ExchangeStatePayload{State: types.ExchangeStateLoading}))
		d.Dispatch(ev("s1", ex, types.AgentEventPlanStepTitleAdded, types.PlanStepPayload{Index: 0, Title: title}))
		d.Dispatch(ev("s1", ex, types.AgentEventPlanStepDescriptionUpdate, types.PlanStepPayload{Index: 0, Delta: desc}))
		d.Dispatch(ev("s1", ex, types.AgentEventPlansExchangeState, types.ExchangeStatePayload{State: types.ExchangeStateLoading}))
	}

	_, first := openExchange(t, d, model, "s1")
	plan(first, "Old", "old desc")
	d.Dispatch(ev("s1", first, types.AgentEventFinishedExchange, types.FinishedExchangePayload{}))
	old := model.Plan()

	resp, second := openExchange(t, d, model, "s1")
	d.Dispatch(ev("s1", second, types.AgentEventPlansExchangeState, types.ExchangeStatePayload{State: types.ExchangeStateLoading}))
	d.Dispatch(ev("s1", second, types.AgentEventPlanStepDescriptionUpdate, types.PlanStepPayload{Index: 1, Delta: "only in the new plan"}))
	plan(second, "New", "new desc")

	p := model.Plan()
	require.NotNil(t, p)
	assert.NotSame(t, old, p)
	steps := p.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "New", steps[0].Title)
	assert.Equal(t, "new desc", steps[0].Description)
	assert.Equal(t, "only in the new plan", steps[1].Description)

	var descs []string
	for _, part := range resp.Content().Parts() {
		if ps, ok := part.(types.PlanStep); ok && ps.Index == 0 {
			descs = append(descs, ps.Description)
		}
	}
	assert.Equal(t, []string{"new desc"}, descs)
}

func TestDispatch_EditsExchangeState(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/a.go", []byte("package a\n"), 0o644))
	svc := editing.NewService(editing.Options{Fs: fs, Root: "/repo"})
	defer svc.Close()

	d := New(Options{Editing: svc})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventEditsExchangeState, types.ExchangeStatePayload{State: types.ExchangeStateLoading, Files: []string{"a.go"}}))
	assert.Equal(t, chat.StageEditing, resp.Stage())

	ws, ok := svc.Get("s1")
	require.True(t, ok)
	items := ws.WorkingSet()
	require.Len(t, items, 1)
	assert.Equal(t, editing.WorkingSetTransient, items[0].Meta.Kind)

	ctx := context.Background()
	require.NoError(t, ws.ApplyEditStream(ctx, types.EditStreamRequest{Event: types.EditStreamStart, EditRequestID: "e1", FsFilePath: "a.go"}))
	require.NoError(t, ws.ApplyEditStream(ctx, types.EditStreamRequest{Event: types.EditStreamEnd, EditRequestID: "e1", Delta: "package b\n"}))
	require.Equal(t, 1, ws.UndecidedCount())

	d.Dispatch(ev("s1", ex, types.AgentEventEditsExchangeState, types.ExchangeStatePayload{State: types.ExchangeStateAccepted, Files: []string{"a.go"}}))
	assert.Zero(t, ws.UndecidedCount())
}

func editRequest(kind types.EditStreamEventKind, id, exchangeID, text string) types.EditStreamRequest {
	return types.EditStreamRequest{Event: kind, EditRequestID: id, FsFilePath: "a.go", ExchangeID: exchangeID, Delta: text}
}

func TestStreamedEditsReachTheResponse(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/a.go", []byte("package a\n"), 0o644))
	svc := editing.NewService(editing.Options{Fs: fs, Root: "/repo"})
	defer svc.Close()

	d := New(Options{Editing: svc})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")
	ws, ok := svc.Get("s1")
	require.True(t, ok)

	ctx := context.Background()
	require.NoError(t, ws.ApplyEditStream(ctx, editRequest(types.EditStreamStart, "e1", ex, "")))
	require.NoError(t, ws.ApplyEditStream(ctx, editRequest(types.EditStreamEnd, "e1", ex, "package b\n")))

	assert.True(t, resp.HasSideEffects())
	var groups []types.TextEditGroup
	for _, part := range resp.Content().Parts() {
		if g, ok := part.(types.TextEditGroup); ok {
			groups = append(groups, g)
		}
	}
	require.Len(t, groups, 1)
	assert.Equal(t, "file:///repo/a.go", groups[0].URI)
	require.Len(t, groups[0].Edits, 1)
	assert.Equal(t, "package b\n", groups[0].Edits[0][0].Text)

	d.Dispatch(ev("s1", ex, types.AgentEventFinishedExchange, types.FinishedExchangePayload{}))
	require.NoError(t, ws.ApplyEditStream(ctx, editRequest(types.EditStreamStart, "e2", ex, "")))
	require.NoError(t, ws.ApplyEditStream(ctx, editRequest(types.EditStreamEnd, "e2", ex, "package c\n")))
	groups = groups[:0]
	for _, part := range resp.Content().Parts() {
		if g, ok := part.(types.TextEditGroup); ok {
			groups = append(groups, g)
		}
	}
	assert.Len(t, groups[0].Edits, 1, "edits after the exchange closed are not reported")
}

func TestCancel_EndsOpenEditStreams(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/a.go", []byte("one\ntwo\n"), 0o644))
	svc := editing.NewService(editing.Options{Fs: fs, Root: "/repo"})
	defer svc.Close()

	d := New(Options{Editing: svc, Canceler: &fakeCanceler{}})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")
	ws, _ := svc.Get("s1")

	ctx := context.Background()
	require.NoError(t, ws.ApplyEditStream(ctx, editRequest(types.EditStreamStart, "e1", ex, "")))
	require.NoError(t, ws.ApplyEditStream(ctx, editRequest(types.EditStreamDelta, "e1", ex, "ONE\n")))

	require.NoError(t, d.Cancel(ctx, "s1", ex))

	entry, ok := ws.Entry("a.go")
	require.True(t, ok)
	assert.False(t, entry.IsCurrentlyBeingModified())
	assert.Equal(t, editing.StateIdle, ws.State())
	data, err := afero.ReadFile(fs, "/repo/a.go")
	require.NoError(t, err)
	assert.Equal(t, "ONE\ntwo\n", string(data))
	assert.True(t, resp.HasSideEffects())
	assert.True(t, resp.IsCanceled())

	require.NoError(t, ws.Accept(ctx))
	assert.Equal(t, editing.EntryAccepted, entry.State())
	assert.Zero(t, ws.UndecidedCount())
}

func TestDispatch_ExecutionInReviewOffersDecisions(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	d.Dispatch(ev("s1", ex, types.AgentEventExecutionState, types.ExchangeStatePayload{State: types.ExchangeStateInReview}))

	var ids []string
	for _, part := range resp.Content().Parts() {
		if b, ok := part.(types.CommandButton); ok {
			ids = append(ids, b.Command.ID)
		}
	}
	assert.Equal(t, []string{CommandAcceptAll, CommandRejectAll}, ids)
}

func TestOpen_ReplacesExistingStream(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")
	first, _ := d.Stream("s1", ex)

	d.Open(model, resp, "s1", ex)

	assert.Error(t, first.Context().Err())
	assert.True(t, resp.IsCanceled())
	assert.Equal(t, 1, d.OpenStreams("s1"))
}

func TestCancel(t *testing.T) {
	canceler := &fakeCanceler{}
	d := New(Options{Canceler: canceler})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")
	d.Dispatch(ev("s1", ex, types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: "partial"}))

	st, _ := d.Stream("s1", ex)
	require.NoError(t, d.Cancel(context.Background(), "s1", ex))

	assert.Equal(t, []string{"s1/" + ex}, canceler.calls)
	assert.True(t, resp.IsCanceled())
	assert.Equal(t, chat.StageCanceled, resp.Stage())
	assert.Equal(t, "partial", resp.Content().Markdown())
	assert.Error(t, st.Context().Err())

	d.Dispatch(ev("s1", ex, types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: " more"}))
	assert.Equal(t, "partial", resp.Content().Markdown())

	require.NoError(t, d.Cancel(context.Background(), "s1", ex))
	assert.Len(t, canceler.calls, 1)
}

func TestCancel_BackendErrorStillClosesLocally(t *testing.T) {
	canceler := &fakeCanceler{err: errors.New("unreachable")}
	d := New(Options{Canceler: canceler})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	err := d.Cancel(context.Background(), "s1", ex)
	require.Error(t, err)
	assert.ErrorIs(t, err, canceler.err)
	assert.True(t, resp.IsCanceled())
	assert.Zero(t, d.OpenStreams("s1"))
}

func TestRun(t *testing.T) {
	d := New(Options{})
	model := chat.NewModel()
	resp, ex := openExchange(t, d, model, "s1")

	events := make(chan types.AgentEvent, 4)
	events <- ev("s1", ex, types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: "one "})
	events <- ev("s1", ex, types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: "two"})
	events <- types.AgentEvent{Kind: types.AgentEventDone, Payload: types.DonePayload{}}
	events <- ev("s1", ex, types.AgentEventChatDelta, types.ChatDeltaPayload{Delta: " three"})

	require.NoError(t, d.Run(context.Background(), events))
	assert.Equal(t, "one two", resp.Content().Markdown())
	assert.Len(t, events, 1)
}

func TestRun_ContextCanceled(t *testing.T) {
	d := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Run(ctx, make(chan types.AgentEvent))
	assert.ErrorIs(t, err, context.Canceled)
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus events")
	}
}
