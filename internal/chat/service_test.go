package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.Storage, *event.Bus) {
	t.Helper()
	store := storage.New(t.TempDir())
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	svc := NewService(store, bus, ServiceOptions{
		RequesterUsername: "ada",
		ResponderUsername: "Aide",
		AutosaveInterval:  10 * time.Millisecond,
	})
	return svc, store, bus
}

func TestService_StartAndLoad(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()

	created := make(chan string, 1)
	bus.Subscribe(event.SessionCreated, func(e event.Event) {
		created <- e.Data.(event.SessionCreatedData).SessionID
	})

	m, err := svc.StartSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada", m.RequesterUsername())
	assert.Equal(t, InitInitialized, m.InitState())
	assert.True(t, store.Exists(ctx, "session", m.ID()))

	select {
	case id := <-created:
		assert.Equal(t, m.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("session.created not published")
	}

	got, err := svc.LoadSession(ctx, m.ID())
	require.NoError(t, err)
	assert.Same(t, m, got)
}

func TestService_ClearThenLoadFromStorage(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	m, err := svc.StartSession(ctx)
	require.NoError(t, err)
	req := m.AddRequest(parsed("persist me"), nil, 0)
	resp, _ := m.ResponseFor(req.ID())
	m.AcceptResponseProgress(resp, md("stored"), false)
	m.CompleteResponse(resp)

	require.NoError(t, svc.ClearSession(ctx, m.ID()))
	_, live := svc.GetSession(m.ID())
	assert.False(t, live)

	loaded, err := svc.LoadSession(ctx, m.ID())
	require.NoError(t, err)
	assert.NotSame(t, m, loaded)
	assert.Equal(t, "persist me", loaded.Title())
	lr, ok := loaded.ResponseFor(req.ID())
	require.True(t, ok)
	assert.Equal(t, "stored", lr.Content().Markdown())
}

func TestService_LoadMissing(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.LoadSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_ListSessions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.StartSession(ctx)
	require.NoError(t, err)
	a.AddRequest(parsed("first session"), nil, 0)
	require.NoError(t, svc.ClearSession(ctx, a.ID()))

	b, err := svc.StartSession(ctx)
	require.NoError(t, err)
	b.SetCustomTitle("Second")

	list, err := svc.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	byID := map[string]SessionInfo{}
	for _, info := range list {
		byID[info.ID] = info
	}
	assert.Equal(t, "first session", byID[a.ID()].Title)
	assert.False(t, byID[a.ID()].Active)
	assert.Equal(t, "Second", byID[b.ID()].Title)
	assert.True(t, byID[b.ID()].Active)
}

func TestService_DeleteSession(t *testing.T) {
	svc, store, bus := newTestService(t)
	ctx := context.Background()

	deleted := make(chan struct{}, 1)
	bus.Subscribe(event.SessionDeleted, func(event.Event) { deleted <- struct{}{} })

	m, err := svc.StartSession(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteSession(ctx, m.ID()))

	assert.False(t, store.Exists(ctx, "session", m.ID()))
	_, live := svc.GetSession(m.ID())
	assert.False(t, live)
	select {
	case <-deleted:
	case <-time.After(time.Second):
		t.Fatal("session.deleted not published")
	}

	assert.ErrorIs(t, svc.DeleteSession(ctx, m.ID()), ErrSessionNotFound)
}

func TestService_BridgesChangesToBus(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	m, err := svc.StartSession(ctx)
	require.NoError(t, err)

	kinds := make(chan string, 10)
	bus.Subscribe(event.SessionChanged, func(e event.Event) {
		kinds <- e.Data.(event.SessionChangedData).Kind
	})

	m.AddRequest(parsed("hello"), nil, 0)
	select {
	case k := <-kinds:
		assert.Equal(t, string(ChangeAddRequest), k)
	case <-time.After(time.Second):
		t.Fatal("no session.changed event")
	}
}

func TestService_Autosave(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.StartAutosave(ctx))
	m, err := svc.StartSession(ctx)
	require.NoError(t, err)

	m.AddRequest(parsed("autosaved text"), nil, 0)

	require.Eventually(t, func() bool {
		var doc struct {
			Exchanges []map[string]any `json:"exchanges"`
		}
		if err := store.Get(ctx, &doc, "session", m.ID()); err != nil {
			return false
		}
		return len(doc.Exchanges) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Close(ctx))
	_, live := svc.GetSession(m.ID())
	assert.False(t, live)
}
