package dataset

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// guard is the dataset's locking protocol. It is chosen once at Open and
// never changes:
//
//   - writable: every metadata access and shard-directory listing runs
//     under an in-process mutex plus an exclusive flock on
//     locks/writer_lock.lock, serializing all processes sharing the root.
//   - sealed: the completed marker existed at Open, so the length is fixed
//     and critical sections run without any locking.
//
// Critical sections must not nest: do is not reentrant.
type guard interface {
	do(fn func() error) error
	sealed() bool
	close() error
}

type writable struct {
	mu sync.Mutex
	f  *os.File
}

func openWritable(path string) (*writable, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dataset: open writer lock: %w", err)
	}
	return &writable{f: f}, nil
}

func (w *writable) do(fn func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := flock(w.f, unix.LOCK_EX); err != nil {
		return fmt.Errorf("dataset: acquire writer lock: %w", err)
	}
	defer func() { _ = flock(w.f, unix.LOCK_UN) }()
	return fn()
}

func (w *writable) sealed() bool { return false }

func (w *writable) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// flock blocks until the lock is granted, retrying on EINTR.
func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

type sealed struct{}

func (sealed) do(fn func() error) error { return fn() }
func (sealed) sealed() bool             { return true }
func (sealed) close() error             { return nil }
