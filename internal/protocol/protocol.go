// Package protocol implements the two wire messages spoken between the
// broker and its subscribers: a newline-terminated topic announcement sent
// once by the subscriber, and a file frame made of an 8-byte big-endian
// length followed by exactly that many payload bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// ChunkSize bounds every payload read and write.
	ChunkSize = 64 * 1024
	// HeaderSize is the size of the file frame length field.
	HeaderSize = 8
	// DefaultMaxTopicLength bounds a topic in bytes, excluding the terminator.
	DefaultMaxTopicLength = 1024
	TopicTerminator       = '\n'
)

// ByteOrder of the frame length field.
var ByteOrder = binary.BigEndian

var (
	ErrTopicTooLong      = errors.New("topic announcement exceeds length bound")
	ErrInvalidTopic      = errors.New("topic is empty or not valid UTF-8")
	ErrFrameTooLarge     = errors.New("frame length exceeds limit")
	ErrTruncatedFrame    = errors.New("stream ended before frame was complete")
	ErrUnexpectedData    = errors.New("unexpected data after topic announcement")
	ErrSourceUnavailable = errors.New("publish source unavailable")
)

// ValidateTopic checks a topic against the announcement rules.
func ValidateTopic(topic string, maxLength int) error {
	if topic == "" || !utf8.ValidString(topic) {
		return ErrInvalidTopic
	}
	for i := 0; i < len(topic); i++ {
		if topic[i] == TopicTerminator {
			return ErrInvalidTopic
		}
	}
	if maxLength > 0 && len(topic) > maxLength {
		return ErrTopicTooLong
	}
	return nil
}

// WriteTopic sends the topic announcement.
func WriteTopic(w io.Writer, topic string, maxLength int) error {
	if err := ValidateTopic(topic, maxLength); err != nil {
		return err
	}
	line := make([]byte, 0, len(topic)+1)
	line = append(line, topic...)
	line = append(line, TopicTerminator)
	return WriteFull(w, line)
}

// ReadTopic reads one announcement. It never buffers more than maxLength
// bytes of topic: a peer that has not sent the terminator by then is
// rejected with ErrTopicTooLong. A stream that ends before the first byte
// yields io.EOF; one that ends mid-line yields io.ErrUnexpectedEOF.
func ReadTopic(r io.ByteReader, maxLength int) (string, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxTopicLength
	}
	buf := make([]byte, 0, 64)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == TopicTerminator {
			break
		}
		if len(buf) == maxLength {
			return "", ErrTopicTooLong
		}
		buf = append(buf, b)
	}
	topic := string(buf)
	if err := ValidateTopic(topic, maxLength); err != nil {
		return "", err
	}
	return topic, nil
}

// WriteFrameHeader writes the 8-byte length field of a file frame.
func WriteFrameHeader(w io.Writer, size uint64) error {
	var header [HeaderSize]byte
	ByteOrder.PutUint64(header[:], size)
	return WriteFull(w, header[:])
}

// ReadFrameHeader reads the length field of the next frame. A clean end of
// stream between frames is reported as io.EOF; a partial header is
// ErrTruncatedFrame.
func ReadFrameHeader(r io.Reader) (uint64, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("read frame header: %w", ErrTruncatedFrame)
		}
		return 0, err
	}
	return ByteOrder.Uint64(header[:]), nil
}

// WriteFull retries short writes until p is written or w fails.
func WriteFull(w io.Writer, p []byte) error {
	total := 0
	for total < len(p) {
		n, err := w.Write(p[total:])
		total += n
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// CopyChunk moves exactly n bytes from src to dst, at most len(buf) bytes
// at a time. Each chunk is fully written before the next one is read. It
// returns the number of bytes written. A src that ends early yields
// ErrTruncatedFrame.
func CopyChunk(dst io.Writer, src io.Reader, n uint64, buf []byte) (uint64, error) {
	if len(buf) == 0 {
		buf = make([]byte, ChunkSize)
	}
	var written uint64
	for written < n {
		k := uint64(len(buf))
		if remaining := n - written; remaining < k {
			k = remaining
		}
		chunk := buf[:k]
		if _, err := io.ReadFull(src, chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return written, fmt.Errorf("read chunk at %d of %d: %w", written, n, ErrTruncatedFrame)
			}
			return written, fmt.Errorf("read chunk: %w", err)
		}
		if err := WriteFull(dst, chunk); err != nil {
			return written, fmt.Errorf("write chunk: %w", err)
		}
		written += k
	}
	return written, nil
}
