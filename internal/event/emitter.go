package event

import (
	"sync"
	"sync/atomic"
)

// Releaser is anything that holds a subscription or resource that must be
// let go of explicitly.
type Releaser interface {
	Release()
}

// Subscription is the handle returned by every Subscribe call. Releasing it
// more than once is a no-op.
type Subscription struct {
	once    sync.Once
	release func()
}

func newSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Release detaches the subscriber.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Scope owns a set of subscriptions and releases them together when the
// owner is torn down. Adding to a released scope releases immediately.
type Scope struct {
	mu       sync.Mutex
	items    []Releaser
	released bool
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// Add ties r to the scope's lifetime.
func (s *Scope) Add(r Releaser) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		r.Release()
		return
	}
	s.items = append(s.items, r)
	s.mu.Unlock()
}

// Release releases everything in reverse order of addition.
func (s *Scope) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	items := s.items
	s.items = nil
	s.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		items[i].Release()
	}
}

// Released reports whether Release has been called.
func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type emitterEntry[T any] struct {
	id uint64
	fn func(T)
}

// Emitter is a typed, synchronous event source. Listeners run in the firing
// goroutine in subscription order, so they see events in the order they were
// fired. Listeners must not block.
type Emitter[T any] struct {
	mu     sync.RWMutex
	subs   []emitterEntry[T]
	nextID uint64
	closed bool
}

// Subscribe registers fn and returns its handle.
func (e *Emitter[T]) Subscribe(fn func(T)) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return newSubscription(nil)
	}

	id := atomic.AddUint64(&e.nextID, 1)
	e.subs = append(e.subs, emitterEntry[T]{id: id, fn: fn})
	return newSubscription(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, entry := range e.subs {
			if entry.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	})
}

// Fire delivers v to every current listener.
func (e *Emitter[T]) Fire(v T) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	subs := make([]func(T), len(e.subs))
	for i, entry := range e.subs {
		subs[i] = entry.fn
	}
	e.mu.RUnlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Len returns the number of listeners.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Close drops all listeners; later Fire calls are ignored.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.subs = nil
}

// Observable is a value cell that notifies listeners when the value changes.
type Observable[T comparable] struct {
	mu      sync.RWMutex
	value   T
	changed Emitter[T]
}

// NewObservable creates a cell holding initial.
func NewObservable[T comparable](initial T) *Observable[T] {
	return &Observable[T]{value: initial}
}

// Get returns the current value.
func (o *Observable[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// Set stores v and fires if it differs from the current value.
func (o *Observable[T]) Set(v T) {
	o.mu.Lock()
	if o.value == v {
		o.mu.Unlock()
		return
	}
	o.value = v
	o.mu.Unlock()
	o.changed.Fire(v)
}

// Subscribe registers fn for value changes.
func (o *Observable[T]) Subscribe(fn func(T)) *Subscription {
	return o.changed.Subscribe(fn)
}
