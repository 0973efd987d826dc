package peermsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrDeleted is returned when a deleted body is used
var ErrDeleted = errors.New("message body deleted")

// MemoryBody keeps the payload in memory
type MemoryBody struct {
	mu      sync.Mutex
	buf     []byte
	deleted bool
}

// NewMemoryBody returns a body holding a copy of data
func NewMemoryBody(data []byte) *MemoryBody {
	return &MemoryBody{buf: append([]byte(nil), data...)}
}

func (b *MemoryBody) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.buf))
}

func (b *MemoryBody) NewReader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return nil, ErrDeleted
	}
	return io.NopCloser(bytes.NewReader(b.buf)), nil
}

func (b *MemoryBody) NewWriter() (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return nil, ErrDeleted
	}
	return &memoryWriter{b: b}, nil
}

func (b *MemoryBody) Delete() error {
	b.mu.Lock()
	b.buf = nil
	b.deleted = true
	b.mu.Unlock()
	return nil
}

type memoryWriter struct {
	b *MemoryBody
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	if w.b.deleted {
		return 0, ErrDeleted
	}
	w.b.buf = append(w.b.buf, p...)
	return len(p), nil
}

func (w *memoryWriter) Close() error { return nil }

// FileBody keeps the payload in a temporary file
type FileBody struct {
	mu      sync.Mutex
	path    string
	size    int64
	deleted bool
}

// NewFileBody creates an empty body backed by a new file in dir
func NewFileBody(dir string) (*FileBody, error) {
	f, err := os.CreateTemp(dir, "peermsg-*.dat")
	if err != nil {
		return nil, fmt.Errorf("failed to create message file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to create message file: %w", err)
	}
	return &FileBody{path: path}, nil
}

// Path returns the backing file
func (b *FileBody) Path() string {
	return b.path
}

func (b *FileBody) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *FileBody) NewReader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return nil, ErrDeleted
	}
	return os.Open(b.path)
}

func (b *FileBody) NewWriter() (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return nil, ErrDeleted
	}
	f, err := os.OpenFile(b.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, err
	}
	return &fileWriter{b: b, f: f}, nil
}

func (b *FileBody) Delete() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return nil
	}
	b.deleted = true
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type fileWriter struct {
	b *FileBody
	f *os.File
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.b.mu.Lock()
	w.b.size += int64(n)
	w.b.mu.Unlock()
	return n, err
}

func (w *fileWriter) Close() error {
	return w.f.Close()
}
