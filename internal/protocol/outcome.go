package protocol

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"syscall"
)

// Kind classifies why a session or transfer ended.
type Kind int

const (
	KindNone Kind = iota
	KindPeerClosed
	KindTransport
	KindProtocol
	KindCanceled
	KindResource
)

var kindNames = map[Kind]string{
	KindNone:       "none",
	KindPeerClosed: "peer_closed",
	KindTransport:  "transport",
	KindProtocol:   "protocol",
	KindCanceled:   "canceled",
	KindResource:   "resource",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Retryable reports whether reconnecting could help.
func (k Kind) Retryable() bool {
	return k == KindPeerClosed || k == KindTransport
}

// Classify maps an error to its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, net.ErrClosed):
		return KindCanceled
	case errors.Is(err, ErrTopicTooLong),
		errors.Is(err, ErrInvalidTopic),
		errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, ErrUnexpectedData):
		return KindProtocol
	case errors.Is(err, ErrSourceUnavailable),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission):
		return KindResource
	case errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return KindPeerClosed
	default:
		return KindTransport
	}
}

// Outcome is the result notification of a session or transfer: either
// success (Kind == KindNone) or a classified failure.
type Outcome struct {
	Kind Kind
	Err  error
}

func NewOutcome(err error) Outcome {
	return Outcome{Kind: Classify(err), Err: err}
}

func (o Outcome) OK() bool {
	return o.Kind == KindNone
}

func (o Outcome) String() string {
	if o.Err == nil {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Err.Error()
}
