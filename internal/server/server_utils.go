package server

import (
	"errors"
	"net"
	"time"
)

func isNetClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// acceptBackoff doubles the delay after consecutive temporary accept
// failures, capped at one second.
type acceptBackoff struct {
	delay time.Duration
}

func (b *acceptBackoff) next() time.Duration {
	if b.delay == 0 {
		b.delay = 5 * time.Millisecond
	} else {
		b.delay *= 2
	}
	if b.delay > time.Second {
		b.delay = time.Second
	}
	return b.delay
}

func (b *acceptBackoff) reset() {
	b.delay = 0
}
