package client

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Sink decides where received files go.
type Sink interface {
	Create(topic string, seq, size uint64) (Target, error)
}

// Target receives the payload of one file. Exactly one of Commit or Abort
// is called.
type Target interface {
	io.Writer
	// Commit finishes the file and returns where it was stored.
	Commit() (string, error)
	Abort() error
}

// DirSink writes every file to its own file under Dir/<topic>. Payloads
// are written to a temporary name and renamed once complete, so a
// partially received file is never visible under its final name.
type DirSink struct {
	Dir  string
	Perm os.FileMode
}

func NewDirSink(dir string) *DirSink {
	return &DirSink{Dir: dir, Perm: 0o644}
}

func (d *DirSink) Create(topic string, seq, _ uint64) (Target, error) {
	dir := filepath.Join(d.Dir, safeName(topic))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%06d.bin", time.Now().UTC().Format("20060102T150405.000000000"), seq)
	f, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return nil, err
	}
	return &fileTarget{file: f, final: filepath.Join(dir, name), perm: d.Perm}, nil
}

type fileTarget struct {
	file  *os.File
	final string
	perm  os.FileMode
}

func (t *fileTarget) Write(p []byte) (int, error) {
	return t.file.Write(p)
}

func (t *fileTarget) Commit() (string, error) {
	if err := t.file.Sync(); err != nil {
		_ = t.Abort()
		return "", err
	}
	if err := t.file.Close(); err != nil {
		_ = os.Remove(t.file.Name())
		return "", err
	}
	if t.perm != 0 {
		if err := os.Chmod(t.file.Name(), t.perm); err != nil {
			_ = os.Remove(t.file.Name())
			return "", err
		}
	}
	if err := os.Rename(t.file.Name(), t.final); err != nil {
		_ = os.Remove(t.file.Name())
		return "", err
	}
	return t.final, nil
}

func (t *fileTarget) Abort() error {
	_ = t.file.Close()
	return os.Remove(t.file.Name())
}

func safeName(topic string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, topic)
	if name == "" || strings.Trim(name, ".") == "" {
		return "_"
	}
	return name
}

// WriterSink appends every payload to W. Aborted payloads are not undone.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Create(topic string, seq, _ uint64) (Target, error) {
	return writerTarget{Writer: s.W, location: fmt.Sprintf("%s#%d", topic, seq)}, nil
}

type writerTarget struct {
	io.Writer
	location string
}

func (t writerTarget) Commit() (string, error) { return t.location, nil }
func (t writerTarget) Abort() error            { return nil }

// MemorySink keeps committed payloads in memory.
type MemorySink struct {
	mu    sync.Mutex
	files [][]byte
}

func (s *MemorySink) Create(string, uint64, uint64) (Target, error) {
	return &memoryTarget{sink: s}, nil
}

// Files returns the committed payloads in arrival order.
func (s *MemorySink) Files() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.files))
	copy(out, s.files)
	return out
}

type memoryTarget struct {
	bytes.Buffer
	sink *MemorySink
}

func (t *memoryTarget) Commit() (string, error) {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	t.sink.files = append(t.sink.files, t.Bytes())
	return fmt.Sprintf("memory#%d", len(t.sink.files)), nil
}

func (t *memoryTarget) Abort() error {
	t.Reset()
	return nil
}
