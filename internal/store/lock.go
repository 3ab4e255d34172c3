package store

import (
	"os"
	"sync"
	"syscall"
)

// dirLock serializes writes to one session directory: an in-process mutex
// plus an flock on a sidecar file so two runtime processes pointed at the
// same storage root cannot interleave writes.
type dirLock struct {
	dir  string
	mu   sync.Mutex
	file *os.File
}

func newDirLock(dir string) *dirLock {
	return &dirLock{dir: dir}
}

func (l *dirLock) Lock() {
	l.mu.Lock()

	f, err := os.OpenFile(l.dir+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		// Fall back to in-process locking only.
		return
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return
	}
	l.file = f
}

func (l *dirLock) Unlock() {
	if l.file != nil {
		syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
		l.file.Close()
		os.Remove(l.dir + ".lock")
		l.file = nil
	}
	l.mu.Unlock()
}
