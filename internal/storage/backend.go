// Package storage supplies the file backend for TFTP transfers: readers
// feed read-direction sessions, writers accept uploads. A reader or
// writer is owned by exactly one session for its lifetime.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	ErrNotFound     = errors.New("file not found")
	ErrAccessDenied = errors.New("access denied")
	ErrExists       = errors.New("file already exists")
	ErrNoSpace      = errors.New("no space left")
)

// Reader supplies the bytes of an outgoing transfer.
type Reader interface {
	// Read returns up to max bytes, returning fewer only at end of
	// data; at end of data it returns an empty slice.
	Read(max int) ([]byte, error)
	// Size reports the total transfer size when known.
	Size() (int64, bool)
	Close() error
}

// Writer accepts the bytes of an incoming transfer. Finish flushes and
// commits a completed upload; Abort discards a torn one.
type Writer interface {
	Write(p []byte) error
	Finish() error
	Abort() error
}

// Backend hands out per-transfer readers and writers. Each returned
// capability is owned by exactly one transfer for its lifetime.
type Backend interface {
	OpenRead(filename string) (Reader, error)
	OpenWrite(filename string) (Writer, error)
}

// FilesystemBackend resolves transfer filenames beneath a root
// directory. Requests that escape the root are refused.
type FilesystemBackend struct {
	root           string
	allowOverwrite bool
}

func NewFilesystemBackend(root string, allowOverwrite bool) (*FilesystemBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FilesystemBackend{root: abs, allowOverwrite: allowOverwrite}, nil
}

// resolve maps a wire filename onto the backend root. The incoming name
// is cleaned before the containment check so ".." segments cannot climb
// out of the root.
func (b *FilesystemBackend) resolve(filename string) (string, error) {
	path := filepath.Clean(filepath.Join(b.root, filepath.FromSlash(filename)))
	if path != b.root && !strings.HasPrefix(path, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the served root", ErrAccessDenied, filename)
	}
	return path, nil
}

func (b *FilesystemBackend) OpenRead(filename string) (Reader, error) {
	path, err := b.resolve(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, mapOSError(err, filename)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapOSError(err, filename)
	}
	return &FileReader{f: f, size: fi.Size()}, nil
}

func (b *FilesystemBackend) OpenWrite(filename string) (Writer, error) {
	path, err := b.resolve(filename)
	if err != nil {
		return nil, err
	}
	if !b.allowOverwrite {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%w: %q", ErrExists, filename)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, mapOSError(err, filename)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, mapOSError(err, filename)
	}
	return &FileWriter{f: tmp, path: path}, nil
}

func mapOSError(err error, filename string) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %q", ErrNotFound, filename)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %q", ErrAccessDenied, filename)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %q", ErrNoSpace, filename)
	}
	return err
}

// FileReader reads a file block by block for a read-direction session.
type FileReader struct {
	f    *os.File
	size int64
}

// Read returns up to max bytes, returning fewer only once the end of
// the file is reached. At end of data it returns an empty slice.
func (r *FileReader) Read(max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := io.ReadFull(r.f, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		return nil, mapOSError(err, r.f.Name())
	}
	return buf[:n], nil
}

// Size reports the total transfer size; known for regular files.
func (r *FileReader) Size() (int64, bool) {
	return r.size, true
}

func (r *FileReader) Close() error {
	return r.f.Close()
}

// FileWriter stages an upload in a temporary file and renames it into
// place on Finish, so a torn transfer never leaves a partial file
// behind under its final name.
type FileWriter struct {
	f    *os.File
	path string
}

func (w *FileWriter) Write(p []byte) error {
	if _, err := w.f.Write(p); err != nil {
		return mapOSError(err, w.path)
	}
	return nil
}

func (w *FileWriter) Finish() error {
	if err := w.f.Sync(); err != nil {
		w.discard()
		return mapOSError(err, w.path)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return mapOSError(err, w.path)
	}
	if err := os.Rename(w.f.Name(), w.path); err != nil {
		os.Remove(w.f.Name())
		return mapOSError(err, w.path)
	}
	return nil
}

func (w *FileWriter) Abort() error {
	w.discard()
	return nil
}

func (w *FileWriter) discard() {
	w.f.Close()
	os.Remove(w.f.Name())
}
