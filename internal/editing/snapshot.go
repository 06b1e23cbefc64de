package editing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// snapshot is the working set as it was when an exchange began.
type snapshot struct {
	exchangeID string
	entries    map[string]entryState
	order      []string
	workingSet map[string]WorkingSetMeta
	wsOrder    []string
}

// CreateSnapshot captures the working set for exchangeID. Capturing again for
// the same exchange replaces the earlier snapshot.
func (s *Session) CreateSnapshot(exchangeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposed {
		return ErrSessionDisposed
	}

	snap := &snapshot{
		exchangeID: exchangeID,
		entries:    make(map[string]entryState, len(s.entries)),
		order:      slices.Clone(s.order),
		workingSet: maps.Clone(s.workingSet),
		wsOrder:    slices.Clone(s.wsOrder),
	}
	for uri, e := range s.entries {
		snap.entries[uri] = e.capture()
	}

	for i, existing := range s.snapshots {
		if existing.exchangeID == exchangeID {
			s.snapshots[i] = snap
			return nil
		}
	}
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// HasSnapshot reports whether a snapshot exists for exchangeID.
func (s *Session) HasSnapshot(exchangeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotIndexLocked(exchangeID) >= 0
}

func (s *Session) snapshotIndexLocked(exchangeID string) int {
	for i, snap := range s.snapshots {
		if snap.exchangeID == exchangeID {
			return i
		}
	}
	return -1
}

// RestoreSnapshot rolls the working set and the files it touched back to the
// moment exchangeID began. Files first edited after that point return to
// their pre-edit content and leave the working set. Open streams are dropped,
// and the snapshot together with every later one is discarded.
func (s *Session) RestoreSnapshot(ctx context.Context, exchangeID string) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	idx := s.snapshotIndexLocked(exchangeID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, exchangeID)
	}
	snap := s.snapshots[idx]

	s.streams = make(map[string]*editStream)
	touched := make([]*Entry, 0, len(s.entries))
	var errs []error
	for uri, e := range s.entries {
		touched = append(touched, e)
		if saved, ok := snap.entries[uri]; ok {
			if err := s.syncDisk(e.path, saved.content, saved.exists); err != nil {
				errs = append(errs, fmt.Errorf("failed to restore %s: %w", uri, err))
			}
			e.restore(saved, s.root)
			continue
		}
		content, exists := e.revert()
		if err := s.syncDisk(e.path, content, exists); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %s: %w", uri, err))
		}
		delete(s.entries, uri)
	}

	s.order = slices.DeleteFunc(slices.Clone(snap.order), func(uri string) bool {
		_, ok := s.entries[uri]
		return !ok
	})
	s.workingSet = maps.Clone(snap.workingSet)
	if s.workingSet == nil {
		s.workingSet = make(map[string]WorkingSetMeta)
	}
	s.wsOrder = slices.Clone(snap.wsOrder)
	s.snapshots = s.snapshots[:idx]
	wasStreaming := s.state == StateStreamingEdits
	if wasStreaming {
		s.state = StateIdle
	}
	undecided := len(s.undecidedLocked())
	s.mu.Unlock()

	for _, e := range touched {
		e.settle()
	}
	s.log.Info().Str("exchange", exchangeID).Int("files", len(touched)).Msg("working set restored")
	s.publishWorkingSet("", undecided)

	changes := []Change{{Kind: ChangeWorkingSet}}
	if wasStreaming {
		changes = append(changes, Change{Kind: ChangeState, State: StateIdle})
	}
	s.emit(changes...)

	if err := errors.Join(errs...); err != nil {
		s.notifier.NotifyError(ctx, s.id, err)
		return err
	}
	return nil
}
