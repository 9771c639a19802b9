package http11

import (
	"fmt"
	"io"
	"os"
)

// bodyStore holds a request body either in a heap buffer or, above
// BodyInFileThreshold, in an anonymous temporary file. The file is unlinked
// at creation so it disappears when closed, whatever happens to the process.
type bodyStore struct {
	mem  []byte
	file *os.File
}

func newBodyStore(expected int64) (*bodyStore, error) {
	if expected > BodyInFileThreshold {
		f, err := os.CreateTemp("", "synapse-body-*")
		if err != nil {
			return nil, fmt.Errorf("%w: create temp: %v", ErrBodyStore, err)
		}
		if err := os.Remove(f.Name()); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: unlink temp: %v", ErrBodyStore, err)
		}
		return &bodyStore{file: f}, nil
	}
	return &bodyStore{mem: make([]byte, 0, expected)}, nil
}

// write appends to the active store. A short file write is fatal.
func (b *bodyStore) write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if b.file != nil {
		n, err := b.file.Write(p)
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrBodyStore, err)
		}
		if n < len(p) {
			return fmt.Errorf("%w: short write (%d of %d)", ErrBodyStore, n, len(p))
		}
		return nil
	}
	b.mem = append(b.mem, p...)
	return nil
}

// finalize rewinds a file store to offset 0 so the dispatch handler reads it
// from the start. A heap store needs nothing.
func (b *bodyStore) finalize() error {
	if b.file != nil {
		if _, err := b.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("%w: rewind: %v", ErrBodyStore, err)
		}
	}
	return nil
}

// release frees the store. Called on connection reset and on close.
func (b *bodyStore) release() {
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
	b.mem = nil
}
