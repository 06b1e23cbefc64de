package storage

import (
	"os"
	"sync"
	"syscall"
)

// FileLock serializes writers to one document, both inside the process (mutex)
// and across processes (flock on a sidecar ".lock" file).
type FileLock struct {
	path string
	mu   sync.Mutex
}

// NewFileLock creates a lock guarding path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// With runs fn while holding the lock exclusively.
func (l *FileLock) With(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	defer func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		os.Remove(l.path + ".lock")
	}()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	return fn()
}

// TryWith runs fn only if the lock is free right now. It reports whether fn ran.
func (l *FileLock) TryWith(fn func() error) (bool, error) {
	if !l.mu.TryLock() {
		return false, nil
	}
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return false, nil
	}
	defer func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		os.Remove(l.path + ".lock")
	}()
	return true, fn()
}
