package editing

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/logging"
)

// Options configures a Service.
type Options struct {
	// Fs is the file system edits are applied to. Defaults to the OS.
	Fs afero.Fs
	// Root resolves relative paths and exclude globs.
	Root string
	// Exclude lists doublestar globs of files that never join a working set.
	Exclude []string
	// Notifier receives user-visible failures. Defaults to a BusNotifier.
	Notifier Notifier
	Bus      *event.Bus
}

// Service keeps one editing session per chat session id.
type Service struct {
	opts Options
	log  *zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	watcher  *Watcher
}

// NewService creates an editing service.
func NewService(opts Options) *Service {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewBusNotifier(opts.Bus)
	}
	return &Service{
		opts:     opts,
		log:      logging.Component("editing"),
		sessions: make(map[string]*Session),
	}
}

// StartOrContinue returns the editing session of sessionID, creating it on
// first use.
func (s *Service) StartOrContinue(sessionID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}
	sess := &Session{
		id:         sessionID,
		fs:         s.opts.Fs,
		root:       s.opts.Root,
		exclude:    s.opts.Exclude,
		notifier:   s.opts.Notifier,
		bus:        s.opts.Bus,
		log:        s.log,
		onEntry:    s.watch,
		state:      StateInitial,
		entries:    make(map[string]*Entry),
		workingSet: make(map[string]WorkingSetMeta),
		streams:    make(map[string]*editStream),
	}
	s.sessions[sessionID] = sess
	s.log.Debug().Str("session", sessionID).Msg("editing session started")
	return sess
}

// Get returns the editing session of sessionID if one was started.
func (s *Service) Get(sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// Dispose ends and forgets the editing session of sessionID.
func (s *Service) Dispose(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if ok {
		sess.Dispose()
	}
}

// Watch starts reporting on-disk changes of edited files made outside of
// edit streams. It requires the OS file system.
func (s *Service) Watch() error {
	w, err := NewWatcher(s.externalChange)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		return w.Stop()
	}
	s.watcher = w
	var paths []string
	for _, sess := range s.sessions {
		for _, e := range sess.Entries() {
			paths = append(paths, e.path)
		}
	}
	s.mu.Unlock()

	for _, p := range paths {
		s.watch(p)
	}
	w.Start()
	return nil
}

func (s *Service) watch(path string) {
	s.mu.Lock()
	w := s.watcher
	s.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Add(path); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("cannot watch file")
	}
}

func (s *Service) externalChange(path string) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.refreshFromDisk(path)
	}
}

// Close disposes every session and stops the watcher.
func (s *Service) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Dispose()
	}
	if w != nil {
		return w.Stop()
	}
	return nil
}
