// Package editing stages agent-proposed file edits in a per-session working
// set. Edits arrive as line streams, land on disk as they finish and stay
// undecided until the user accepts or rejects them. Snapshots taken when an
// exchange begins allow a full rollback of the working set.
package editing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/pkg/types"
)

var (
	ErrSessionDisposed    = errors.New("editing session disposed")
	ErrConcurrentEdit     = errors.New("file is already being edited")
	ErrExcluded           = errors.New("file is excluded from the working set")
	ErrReadOnly           = errors.New("file is read-only")
	ErrUnknownEditRequest = errors.New("unknown edit request")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrEntryNotFound      = errors.New("entry not found")
	ErrInvalidEditRequest = errors.New("invalid edit request")
)

// State is the lifecycle state of an editing session.
type State int

const (
	StateInitial State = iota
	StateStreamingEdits
	StateIdle
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStreamingEdits:
		return "streamingEdits"
	case StateIdle:
		return "idle"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ChangeKind identifies what a Change is about.
type ChangeKind string

const (
	ChangeWorkingSet   ChangeKind = "workingSet"
	ChangeEntryContent ChangeKind = "entryContent"
	ChangeEntryState   ChangeKind = "entryState"
	ChangeState        ChangeKind = "state"
	// ChangeEdit carries the edit a finished stream made, for streams that
	// belong to an exchange.
	ChangeEdit ChangeKind = "edit"
)

// Change is fired after the session mutated.
type Change struct {
	Kind       ChangeKind
	URI        string
	EntryState EntryState
	State      State
	ExchangeID string
	Edit       *types.TextEditProgress
}

type editStream struct {
	id            string
	uri           string
	exchangeID    string
	entry         *Entry
	proc          *lineProcessor
	base          string
	applyDirectly bool
}

// Session is the working set of one chat session.
type Session struct {
	id       string
	fs       afero.Fs
	root     string
	exclude  []string
	notifier Notifier
	bus      *event.Bus
	log      *zerolog.Logger
	onEntry  func(path string)

	mu          sync.Mutex
	state       State
	entries     map[string]*Entry
	order       []string
	workingSet  map[string]WorkingSetMeta
	wsOrder     []string
	streams     map[string]*editStream
	snapshots   []*snapshot
	editCounter int

	changes event.Emitter[Change]
}

func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnDidChange subscribes to session changes. Listeners run after the session
// lock is released and may query the session.
func (s *Session) OnDidChange(fn func(Change)) *event.Subscription {
	return s.changes.Subscribe(fn)
}

func (s *Session) emit(changes ...Change) {
	for _, c := range changes {
		s.changes.Fire(c)
	}
}

// resolve turns a file URI or path into the canonical URI and file path.
func (s *Session) resolve(uriOrPath string) (uri, path string) {
	p := strings.TrimPrefix(uriOrPath, "file://")
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)
	return "file://" + filepath.ToSlash(p), p
}

func (s *Session) isExcluded(path string) bool {
	rel := relativePath(path, s.root)
	abs := filepath.ToSlash(path)
	for _, pattern := range s.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, abs); ok {
			return true
		}
	}
	return false
}

// AddFileToWorkingSet records uri in the working set or updates its metadata.
// An empty kind means Attached.
func (s *Session) AddFileToWorkingSet(uri, description string, kind WorkingSetKind) error {
	uri, path := s.resolve(uri)
	if s.isExcluded(path) {
		return fmt.Errorf("%w: %s", ErrExcluded, uri)
	}
	if kind == "" {
		kind = WorkingSetAttached
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	meta, ok := s.workingSet[uri]
	if !ok {
		s.wsOrder = append(s.wsOrder, uri)
	}
	meta.Kind = kind
	if description != "" {
		meta.Description = description
	}
	s.workingSet[uri] = meta
	undecided := len(s.undecidedLocked())
	s.mu.Unlock()

	s.publishWorkingSet(uri, undecided)
	s.emit(Change{Kind: ChangeWorkingSet, URI: uri})
	return nil
}

// SetReadOnly marks a working-set file as read-only. Streams cannot start on
// read-only files.
func (s *Session) SetReadOnly(uri string, readOnly bool) error {
	uri, _ = s.resolve(uri)
	s.mu.Lock()
	meta, ok := s.workingSet[uri]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, uri)
	}
	meta.ReadOnly = readOnly
	s.workingSet[uri] = meta
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeWorkingSet, URI: uri})
	return nil
}

// ApplyEditStream handles one Start, Delta or End event of a streamed edit.
// A failure only affects the stream it belongs to.
func (s *Session) ApplyEditStream(ctx context.Context, req types.EditStreamRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEditRequest, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	switch req.Event {
	case types.EditStreamStart:
		return s.startStream(ctx, req)
	case types.EditStreamDelta:
		return s.pushDelta(req)
	default:
		return s.endStream(ctx, req)
	}
}

func (s *Session) startStream(ctx context.Context, req types.EditStreamRequest) error {
	uri, path := s.resolve(req.FsFilePath)
	if s.isExcluded(path) {
		return fmt.Errorf("%w: %s", ErrExcluded, uri)
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	if _, dup := s.streams[req.EditRequestID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("edit request %s already started", req.EditRequestID)
	}
	for _, st := range s.streams {
		if st.uri == uri {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrConcurrentEdit, uri)
		}
	}
	meta, inWorkingSet := s.workingSet[uri]
	if meta.ReadOnly {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReadOnly, uri)
	}

	content, existed, err := s.readOrCreate(path)
	if err != nil {
		s.mu.Unlock()
		err = fmt.Errorf("failed to open %s for editing: %w", uri, err)
		s.notifier.NotifyError(ctx, s.id, err)
		return err
	}

	entry, known := s.entries[uri]
	switch {
	case !known:
		entry = newEntry(uri, path, content, existed)
		s.entries[uri] = entry
		s.order = append(s.order, uri)
	case entry.State() != EntryModified:
		entry.rebase(content, existed)
	default:
		entry.setContent(content)
	}

	if !inWorkingSet {
		s.wsOrder = append(s.wsOrder, uri)
		meta = WorkingSetMeta{Kind: WorkingSetTransient}
	} else if meta.Kind == WorkingSetSuggested {
		meta.Kind = WorkingSetTransient
	}
	s.workingSet[uri] = meta

	s.streams[req.EditRequestID] = &editStream{
		id:            req.EditRequestID,
		uri:           uri,
		exchangeID:    req.ExchangeID,
		entry:         entry,
		proc:          newLineProcessor(content, req.Range),
		base:          content,
		applyDirectly: req.ApplyDirectly,
	}
	prev := s.state
	s.state = StateStreamingEdits
	undecided := len(s.undecidedLocked())
	s.mu.Unlock()

	entry.rewriteRatio.Set(0)
	entry.modifying.Set(true)
	if !known && s.onEntry != nil {
		s.onEntry(path)
	}

	s.log.Debug().Str("uri", uri).Str("editRequest", req.EditRequestID).Bool("created", !existed).Msg("edit stream started")
	s.publishWorkingSet(uri, undecided)
	changes := []Change{{Kind: ChangeWorkingSet, URI: uri}}
	if prev != StateStreamingEdits {
		changes = append(changes, Change{Kind: ChangeState, State: StateStreamingEdits})
	}
	s.emit(changes...)
	return nil
}

// readOrCreate returns the file content, creating an empty file when it does
// not exist. Creation is retried once.
func (s *Session) readOrCreate(path string) (string, bool, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err == nil {
		return string(data), true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", false, fmt.Errorf("failed to read file: %w", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if err = s.writeFile(path, ""); err == nil {
			return "", false, nil
		}
		s.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("failed to create file")
	}
	return "", false, err
}

func (s *Session) writeFile(path, content string) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := afero.WriteFile(s.fs, path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// syncDisk makes the file at path hold content, or removes it when it should
// not exist.
func (s *Session) syncDisk(path, content string, exists bool) error {
	if exists {
		return s.writeFile(path, content)
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

func (s *Session) pushDelta(req types.EditStreamRequest) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	st, ok := s.streams[req.EditRequestID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEditRequest, req.EditRequestID)
	}
	n := st.proc.push(req.Delta)
	var (
		content string
		ratio   float64
	)
	if n > 0 {
		content = st.proc.current()
		ratio = st.proc.ratio()
	}
	s.mu.Unlock()

	if n == 0 {
		return nil
	}
	st.entry.setContent(content)
	st.entry.rewriteRatio.Set(ratio)
	s.emit(Change{Kind: ChangeEntryContent, URI: st.uri})
	return nil
}

func (s *Session) endStream(ctx context.Context, req types.EditStreamRequest) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	st, ok := s.streams[req.EditRequestID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEditRequest, req.EditRequestID)
	}
	delete(s.streams, req.EditRequestID)
	if req.Delta != "" {
		st.proc.push(req.Delta)
	}
	s.mu.Unlock()
	return s.land(ctx, st, false)
}

// EndExchangeStreams closes every open stream of exchangeID as it stands:
// completed lines are written, the rest of each file keeps its old text and
// the entries stay undecided.
func (s *Session) EndExchangeStreams(ctx context.Context, exchangeID string) error {
	if exchangeID == "" {
		return nil
	}
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil
	}
	var ending []*editStream
	for id, st := range s.streams {
		if st.exchangeID == exchangeID {
			ending = append(ending, st)
			delete(s.streams, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(ending, func(i, j int) bool { return ending[i].id < ending[j].id })

	var errs []error
	for _, st := range ending {
		if err := s.land(ctx, st, true); err != nil {
			errs = append(errs, err)
		}
	}
	if len(ending) > 0 {
		s.log.Debug().Str("exchange", exchangeID).Int("streams", len(ending)).Msg("exchange edit streams ended")
	}
	return errors.Join(errs...)
}

// land writes the result of a stream that was already removed from the
// stream table. An interrupted stream keeps the lines it did not reach.
func (s *Session) land(ctx context.Context, st *editStream, interrupted bool) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	var content string
	if interrupted {
		content = st.proc.interrupt()
	} else {
		content = st.proc.finish()
	}
	edit := st.proc.edit()
	writeErr := s.writeFile(st.entry.path, content)
	if writeErr == nil {
		s.editCounter++
	}
	idle := len(s.streams) == 0
	if idle {
		s.state = StateIdle
	}
	s.mu.Unlock()

	entry := st.entry
	var changes []Change
	if writeErr != nil {
		entry.setContent(st.base)
		entry.settle()
		if idle {
			changes = append(changes, Change{Kind: ChangeState, State: StateIdle})
		}
		s.emit(changes...)
		err := fmt.Errorf("failed to save %s: %w", st.uri, writeErr)
		s.notifier.NotifyError(ctx, s.id, err)
		return err
	}

	entry.setContent(content)
	diff := entry.recomputeDiff(s.root)
	entry.modifying.Set(false)
	entry.rewriteRatio.Set(1)
	changes = append(changes, Change{Kind: ChangeEntryContent, URI: st.uri})
	if st.exchangeID != "" {
		changes = append(changes, Change{
			Kind:       ChangeEdit,
			URI:        st.uri,
			ExchangeID: st.exchangeID,
			Edit:       &types.TextEditProgress{URI: st.uri, Edits: []types.TextEdit{edit}, Done: true},
		})
	}

	if st.applyDirectly && entry.transition(EntryAccepted) {
		changes = append(changes, Change{Kind: ChangeEntryState, URI: st.uri, EntryState: EntryAccepted})
		s.publishEntryState(st.uri, EntryAccepted)
	}
	if idle {
		changes = append(changes, Change{Kind: ChangeState, State: StateIdle})
	}

	s.log.Debug().
		Str("uri", st.uri).
		Int("added", diff.Added).
		Int("removed", diff.Removed).
		Bool("interrupted", interrupted).
		Msg("edit stream finished")

	if s.bus != nil {
		s.bus.Publish(event.Event{
			Type: event.FileEdited,
			Data: event.FileEditedData{SessionID: s.id, File: entry.path},
		})
	}
	s.publishWorkingSet(st.uri, s.UndecidedCount())
	s.emit(changes...)
	return nil
}

// EditCounter is the number of streams that landed on disk.
func (s *Session) EditCounter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editCounter
}

// CheckpointLabel names the undo checkpoint of the latest edit.
func (s *Session) CheckpointLabel() string {
	return fmt.Sprintf("Aide Edit %d", s.EditCounter())
}

// Entries returns the modified file entries in creation order.
func (s *Session) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.order))
	for _, uri := range s.order {
		out = append(out, s.entries[uri])
	}
	return out
}

// Entry returns the entry for uri.
func (s *Session) Entry(uri string) (*Entry, bool) {
	uri, _ = s.resolve(uri)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uri]
	return e, ok
}

// WorkingSet returns one item per file, in the order files joined.
func (s *Session) WorkingSet() []WorkingSetItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkingSetItem, 0, len(s.wsOrder))
	for _, uri := range s.wsOrder {
		out = append(out, WorkingSetItem{URI: uri, Meta: s.workingSet[uri], Entry: s.entries[uri]})
	}
	return out
}

// UndecidedURIs lists entries still waiting for accept or reject. Suggested
// files are not counted.
func (s *Session) UndecidedURIs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undecidedLocked()
}

func (s *Session) UndecidedCount() int { return len(s.UndecidedURIs()) }

func (s *Session) undecidedLocked() []string {
	var out []string
	for _, uri := range s.order {
		if s.entries[uri].State() != EntryModified {
			continue
		}
		if s.workingSet[uri].Kind == WorkingSetSuggested {
			continue
		}
		out = append(out, uri)
	}
	return out
}

// DiffInfo returns the diff of uri against its pre-edit content.
func (s *Session) DiffInfo(uri string) (DiffInfo, bool) {
	e, ok := s.Entry(uri)
	if !ok {
		return DiffInfo{}, false
	}
	return e.DiffInfo(), true
}

// targetsLocked resolves uris to entries. No uris means every undecided entry.
func (s *Session) targetsLocked(uris []string) []*Entry {
	if len(uris) == 0 {
		uris = s.undecidedLocked()
	}
	out := make([]*Entry, 0, len(uris))
	for _, raw := range uris {
		uri, _ := s.resolve(raw)
		e, ok := s.entries[uri]
		if !ok {
			s.log.Debug().Str("uri", uri).Msg("no entry to decide")
			continue
		}
		out = append(out, e)
	}
	return out
}

// Accept keeps the edits of the given entries, or of every undecided entry
// when none are given. Entries that are decided or still streaming are left
// alone.
func (s *Session) Accept(ctx context.Context, uris ...string) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	var changed []string
	for _, e := range s.targetsLocked(uris) {
		if e.IsCurrentlyBeingModified() {
			continue
		}
		if e.transition(EntryAccepted) {
			changed = append(changed, e.uri)
		}
	}
	undecided := len(s.undecidedLocked())
	s.mu.Unlock()

	s.decided(changed, EntryAccepted, undecided)
	return nil
}

// Reject discards the edits of the given entries, or of every undecided entry
// when none are given, restoring each file to its pre-edit content. Files
// that did not exist before are deleted.
func (s *Session) Reject(ctx context.Context, uris ...string) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	var (
		changed []string
		errs    []error
	)
	for _, e := range s.targetsLocked(uris) {
		if e.IsCurrentlyBeingModified() {
			continue
		}
		if !e.transition(EntryRejected) {
			continue
		}
		content, exists := e.revert()
		if err := s.syncDisk(e.path, content, exists); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %s: %w", e.uri, err))
		}
		changed = append(changed, e.uri)
	}
	undecided := len(s.undecidedLocked())
	s.mu.Unlock()

	s.decided(changed, EntryRejected, undecided)
	if err := errors.Join(errs...); err != nil {
		s.notifier.NotifyError(ctx, s.id, err)
		return err
	}
	return nil
}

func (s *Session) decided(uris []string, state EntryState, undecided int) {
	if len(uris) == 0 {
		return
	}
	changes := make([]Change, 0, len(uris))
	for _, uri := range uris {
		s.publishEntryState(uri, state)
		changes = append(changes, Change{Kind: ChangeEntryState, URI: uri, EntryState: state})
	}
	s.publishWorkingSet("", undecided)
	s.emit(changes...)
}

// RemoveEntry drops uri from the working set. The file on disk is untouched.
func (s *Session) RemoveEntry(uri string) error {
	uri, _ = s.resolve(uri)
	s.mu.Lock()
	e, hasEntry := s.entries[uri]
	_, inWorkingSet := s.workingSet[uri]
	if !hasEntry && !inWorkingSet {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, uri)
	}
	if hasEntry && e.IsCurrentlyBeingModified() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConcurrentEdit, uri)
	}
	delete(s.entries, uri)
	delete(s.workingSet, uri)
	s.order = without(s.order, uri)
	s.wsOrder = without(s.wsOrder, uri)
	undecided := len(s.undecidedLocked())
	s.mu.Unlock()

	s.publishWorkingSet(uri, undecided)
	s.emit(Change{Kind: ChangeWorkingSet, URI: uri})
	return nil
}

// refreshFromDisk picks up a change made to path outside of an edit stream.
func (s *Session) refreshFromDisk(path string) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	var target *Entry
	for _, e := range s.entries {
		if e.path == path {
			target = e
			break
		}
	}
	if target == nil || target.IsCurrentlyBeingModified() {
		s.mu.Unlock()
		return
	}
	data, err := afero.ReadFile(s.fs, path)
	s.mu.Unlock()
	if err != nil || string(data) == target.Content() {
		return
	}

	target.setContent(string(data))
	target.recomputeDiff(s.root)
	s.log.Debug().Str("uri", target.uri).Msg("entry changed on disk")
	s.emit(Change{Kind: ChangeEntryContent, URI: target.uri})
}

// Dispose ends the session. Open streams are dropped and entries are released;
// files keep their current content.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisposed
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.entries = make(map[string]*Entry)
	s.order = nil
	s.workingSet = make(map[string]WorkingSetMeta)
	s.wsOrder = nil
	s.streams = make(map[string]*editStream)
	s.snapshots = nil
	s.mu.Unlock()

	for _, e := range entries {
		e.settle()
	}
	s.emit(Change{Kind: ChangeState, State: StateDisposed})
	s.changes.Close()
	if s.bus != nil {
		s.bus.Publish(event.Event{
			Type: event.EditingSessionDisposed,
			Data: event.EditingDisposedData{SessionID: s.id},
		})
	}
}

func (s *Session) publishWorkingSet(uri string, undecided int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{
		Type: event.WorkingSetChanged,
		Data: event.WorkingSetChangedData{SessionID: s.id, URI: uri, Undecided: undecided},
	})
}

func (s *Session) publishEntryState(uri string, state EntryState) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{
		Type: event.EntryStateChanged,
		Data: event.EntryStateChangedData{SessionID: s.id, URI: uri, State: state.String()},
	})
}

func without(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
