package session

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/protocol"
)

// Source is a published file opened once and shared by every delivery of
// one publish. The file is closed when the last reference is released.
type Source struct {
	path string
	file *os.File
	size int64
	refs atomic.Int64
}

// OpenSource opens path and fixes its length. Errors wrap
// protocol.ErrSourceUnavailable. The caller owns one reference.
func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrSourceUnavailable, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %w", protocol.ErrSourceUnavailable, err)
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", protocol.ErrSourceUnavailable, path)
	}
	s := &Source{path: path, file: f, size: fi.Size()}
	s.refs.Store(1)
	return s, nil
}

func (s *Source) Path() string {
	return s.path
}

func (s *Source) Size() int64 {
	return s.size
}

// Reader returns an independent reader over the first Size bytes.
func (s *Source) Reader() io.Reader {
	return io.NewSectionReader(s.file, 0, s.size)
}

func (s *Source) Retain() *Source {
	s.refs.Add(1)
	return s
}

func (s *Source) Release() error {
	switch n := s.refs.Add(-1); {
	case n == 0:
		return s.file.Close()
	case n < 0:
		panic("session: source released more times than retained")
	}
	return nil
}
