package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/logging"
	"github.com/aide-ai/aide/internal/storage"
)

const sessionPrefix = "session"

// DefaultAutosaveInterval is how often dirty sessions are flushed.
const DefaultAutosaveInterval = 2 * time.Second

// SessionInfo summarizes a session for listings.
type SessionInfo struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	CreationDate    time.Time `json:"creationDate"`
	LastMessageDate time.Time `json:"lastMessageDate"`
	Active          bool      `json:"active"`
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	RequesterUsername string
	ResponderUsername string
	AutosaveInterval  time.Duration
}

type liveSession struct {
	model *Model
	scope *event.Scope
}

// Service owns the live chat sessions, bridges their change events onto the
// bus and persists them through storage.
type Service struct {
	store *storage.Storage
	bus   *event.Bus
	opts  ServiceOptions
	log   *zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*liveSession

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	stopAutosave context.CancelFunc
	autosaveDone chan struct{}
}

// NewService creates a session service.
func NewService(store *storage.Storage, bus *event.Bus, opts ServiceOptions) *Service {
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = DefaultAutosaveInterval
	}
	return &Service{
		store:    store,
		bus:      bus,
		opts:     opts,
		log:      logging.Component("chat.service"),
		sessions: make(map[string]*liveSession),
		dirty:    make(map[string]struct{}),
	}
}

// StartSession creates, initializes and persists a new session.
func (s *Service) StartSession(ctx context.Context, opts ...ModelOption) (*Model, error) {
	base := []ModelOption{WithUsernames(s.opts.RequesterUsername, s.opts.ResponderUsername)}
	m := NewModel(append(base, opts...)...)
	m.StartInitialization()
	m.MarkInitialized()

	s.register(m)
	if err := s.SaveSession(ctx, m.ID()); err != nil {
		return nil, err
	}
	s.bus.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{SessionID: m.ID()},
	})
	return m, nil
}

func (s *Service) register(m *Model) {
	scope := event.NewScope()
	scope.Add(m.OnDidChange(func(ev ChangeEvent) {
		if ev.Kind == ChangeSetStage {
			s.bus.Publish(event.Event{
				Type: event.ExchangeStage,
				Data: event.ExchangeStageData{SessionID: ev.SessionID, ExchangeID: ev.ExchangeID, Stage: string(ev.Stage)},
			})
			return
		}
		s.bus.Publish(event.Event{
			Type: event.SessionChanged,
			Data: event.SessionChangedData{
				SessionID:  ev.SessionID,
				Kind:       string(ev.Kind),
				ExchangeID: ev.ExchangeID,
				Reason:     string(ev.Reason),
			},
		})
	}))

	s.mu.Lock()
	if prev, ok := s.sessions[m.ID()]; ok {
		prev.scope.Release()
	}
	s.sessions[m.ID()] = &liveSession{model: m, scope: scope}
	s.mu.Unlock()
}

// GetSession returns a live session.
func (s *Service) GetSession(id string) (*Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return ls.model, true
}

// LoadSession returns the live session with id, restoring it from storage if needed.
func (s *Service) LoadSession(ctx context.Context, id string) (*Model, error) {
	if m, ok := s.GetSession(id); ok {
		return m, nil
	}

	data, err := s.store.ReadRaw(ctx, sessionPrefix, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	m, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if m.ID() != id {
		// Version 1 files carried no id; the file name is authoritative.
		m.id = id
	}

	// Another caller may have loaded it meanwhile.
	if existing, ok := s.GetSession(id); ok {
		m.Dispose()
		return existing, nil
	}
	s.register(m)
	return m, nil
}

// ListSessions returns stored and live sessions, most recent first.
func (s *Service) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	byID := make(map[string]SessionInfo)

	err := s.store.Scan(ctx, func(key string, data json.RawMessage) error {
		root := gjson.ParseBytes(data)
		info := SessionInfo{
			ID:              key,
			Title:           root.Get("customTitle").String(),
			CreationDate:    time.UnixMilli(root.Get("creationDate").Int()),
			LastMessageDate: time.UnixMilli(root.Get("lastMessageDate").Int()),
		}
		if info.Title == "" {
			info.Title = root.Get(`exchanges.#(type=="request").message.text`).String()
		}
		byID[key] = info
		return nil
	}, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	s.mu.RLock()
	for id, ls := range s.sessions {
		byID[id] = SessionInfo{
			ID:              id,
			Title:           ls.model.Title(),
			CreationDate:    ls.model.CreationDate(),
			LastMessageDate: ls.model.LastMessageDate(),
			Active:          true,
		}
	}
	s.mu.RUnlock()

	out := make([]SessionInfo, 0, len(byID))
	for _, info := range byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageDate.Equal(out[j].LastMessageDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageDate.After(out[j].LastMessageDate)
	})
	return out, nil
}

// SaveSession persists a live session.
func (s *Service) SaveSession(ctx context.Context, id string) error {
	m, ok := s.GetSession(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	data, err := m.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize session %s: %w", id, err)
	}
	if err := s.store.WriteRaw(ctx, data, sessionPrefix, id); err != nil {
		return fmt.Errorf("failed to save session %s: %w", id, err)
	}
	return nil
}

// ClearSession persists a session and drops it from memory.
func (s *Service) ClearSession(ctx context.Context, id string) error {
	if err := s.SaveSession(ctx, id); err != nil {
		return err
	}
	s.unregister(id)
	return nil
}

// DeleteSession removes a session from memory and storage.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	_, live := s.GetSession(id)
	if !live && !s.store.Exists(ctx, sessionPrefix, id) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.unregister(id)

	s.dirtyMu.Lock()
	delete(s.dirty, id)
	s.dirtyMu.Unlock()

	if err := s.store.Delete(ctx, sessionPrefix, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	s.bus.Publish(event.Event{
		Type: event.SessionDeleted,
		Data: event.SessionDeletedData{SessionID: id},
	})
	return nil
}

func (s *Service) unregister(id string) {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		ls.scope.Release()
		ls.model.Dispose()
	}
}

// StartAutosave flushes sessions that changed, listening to the bus's
// message stream. It runs until ctx is done or Close is called.
func (s *Service) StartAutosave(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	messages, err := s.bus.Listen(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to bus: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.stopAutosave = cancel
	s.autosaveDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.AutosaveInterval)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-messages:
				if !ok {
					s.flush(context.Background())
					return
				}
				s.markDirty(msg.Payload)
				msg.Ack()
			case <-ticker.C:
				s.flush(ctx)
			case <-ctx.Done():
				s.flush(context.Background())
				return
			}
		}
	}()
	return nil
}

func (s *Service) markDirty(payload []byte) {
	switch event.EventType(gjson.GetBytes(payload, "type").String()) {
	case event.SessionChanged, event.SessionCreated:
	default:
		return
	}
	id := gjson.GetBytes(payload, "data.sessionId").String()
	if id == "" {
		return
	}
	s.dirtyMu.Lock()
	s.dirty[id] = struct{}{}
	s.dirtyMu.Unlock()
}

func (s *Service) flush(ctx context.Context) {
	s.dirtyMu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.dirty = make(map[string]struct{})
	s.dirtyMu.Unlock()

	for _, id := range ids {
		if err := s.SaveSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.log.Error().Err(err).Str("session", id).Msg("autosave failed")
		}
	}
}

// Close stops autosave, persists every live session and releases them.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.stopAutosave, s.autosaveDone
	s.stopAutosave, s.autosaveDone = nil, nil
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var errs []error
	for _, id := range ids {
		if err := s.ClearSession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
