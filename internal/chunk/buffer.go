// Package chunk implements the single-slot handoff between the encoder,
// which fills the buffer while it is unlocked, and the upload worker, which
// reads it while it is locked.
package chunk

import (
	"errors"
	"sync"
)

var (
	ErrLocked     = errors.New("buffer locked")
	ErrNotLocked  = errors.New("buffer not locked")
	ErrInvalidArg = errors.New("invalid argument")
)

// Buffer holds at most one chunk. The zero value is ready to use.
type Buffer struct {
	// mu guards the fields below. It is only ever held for the duration of
	// a method call; the logical lock is the locked flag.
	mu     sync.Mutex
	locked bool
	data   []byte
}

// Init stores data in the buffer without copying it. The caller hands over
// ownership and must not touch data again. It fails while a reader holds
// the buffer locked.
func (b *Buffer) Init(data []byte) error {
	if len(data) == 0 {
		return ErrInvalidArg
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		return ErrLocked
	}
	b.data = data
	return nil
}

// Lock marks the buffer as being read.
func (b *Buffer) Lock() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		return ErrLocked
	}
	b.locked = true
	return nil
}

// Unlock hands the buffer back to the writer.
func (b *Buffer) Unlock() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.locked {
		return ErrNotLocked
	}
	b.locked = false
	return nil
}

// GetBuffer returns the chunk. The slice is only valid until Unlock.
func (b *Buffer) GetBuffer() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.locked {
		return nil, ErrNotLocked
	}
	return b.data, nil
}

// IsLocked polls the lock state without blocking. When another goroutine is
// inside a Buffer method it reports true.
func (b *Buffer) IsLocked() bool {
	if !b.mu.TryLock() {
		return true
	}
	defer b.mu.Unlock()
	return b.locked
}

// Len returns the size of the stored chunk.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
