package archive

import (
	"os"
	"sync"
	"syscall"
)

// fileLock combines an in-process mutex with an flock so concurrent
// desktop processes sharing one profile directory cannot interleave
// snapshot writes.
type fileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// Lock acquires an exclusive lock on the file.
func (l *fileLock) Lock() error {
	l.mu.Lock()

	var err error
	l.file, err = os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX); err != nil {
		l.file.Close()
		l.mu.Unlock()
		return err
	}

	return nil
}

// Unlock releases the lock.
func (l *fileLock) Unlock() {
	if l.file != nil {
		syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
		l.file.Close()
		l.file = nil
	}
	l.mu.Unlock()
}
