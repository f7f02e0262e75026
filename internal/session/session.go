// Package session implements the per-connection state machine on the
// broker side: it reads the subscriber's topic announcement, then streams
// file frames to it, one at a time, until the connection fails.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/protocol"
)

type State int32

const (
	AwaitingTopic State = iota
	Subscribed
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingTopic:
		return "awaiting_topic"
	case Subscribed:
		return "subscribed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrNotSubscribed = errors.New("session has not announced a topic")
	ErrClosed        = errors.New("session closed")
	ErrQueueFull     = errors.New("session send queue is full")
)

type Config struct {
	MaxTopicLength   int
	HandshakeTimeout time.Duration
	// WriteTimeout bounds every single header or chunk write.
	WriteTimeout time.Duration
	QueueSize    int
	ChunkSize    int
}

func (c Config) withDefaults() Config {
	if c.MaxTopicLength <= 0 {
		c.MaxTopicLength = protocol.DefaultMaxTopicLength
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = protocol.ChunkSize
	}
	return c
}

// Hooks connect a session to its owner. The session keeps no other
// reference to the owner.
type Hooks struct {
	// OnSubscribed runs once the topic is known. A non-nil error closes
	// the session. A concurrent close waits for it to return, so OnClosed
	// always follows it. It must not close the session itself.
	OnSubscribed func(*Session) error
	// OnClosed runs exactly once, after the connection is closed.
	OnClosed func(*Session, protocol.Outcome)
	// OnDelivered runs after each attempted delivery.
	OnDelivered func(DeliveryReport)
}

// DeliveryReport describes one finished file transfer to one session.
type DeliveryReport struct {
	SessionID string           `json:"session_id"`
	Topic     string           `json:"topic"`
	Path      string           `json:"path"`
	Size      int64            `json:"size"`
	Written   uint64           `json:"written"`
	Queued    time.Duration    `json:"queued"`
	Duration  time.Duration    `json:"duration"`
	Outcome   protocol.Outcome `json:"-"`
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Topic       string    `json:"topic"`
	State       State     `json:"state"`
	Sending     bool      `json:"sending"`
	Queued      int       `json:"queued"`
	FilesSent   uint64    `json:"files_sent"`
	BytesSent   uint64    `json:"bytes_sent"`
	ConnectedAt time.Time `json:"connected_at"`
	ClosedAt    time.Time `json:"closed_at,omitzero"`
	CloseReason string    `json:"close_reason,omitempty"`
}

type delivery struct {
	source   *Source
	queuedAt time.Time
}

type Session struct {
	id     uuid.UUID
	connID string
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config
	hooks  Hooks

	state   atomic.Int32
	sending atomic.Bool

	// lifeMu orders OnSubscribed against the close transition so the owner
	// never registers a session it has already been told is closed.
	lifeMu sync.Mutex

	mu       sync.Mutex
	topic    string
	closed   bool
	closedAt time.Time

	queue     chan *delivery
	done      chan struct{}
	closeOnce sync.Once
	outcome   protocol.Outcome

	buf         []byte
	connectedAt time.Time
	filesSent   atomic.Uint64
	bytesSent   atomic.Uint64
}

func New(conn net.Conn, cfg Config, hooks Hooks) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		id:          uuid.New(),
		connID:      conn.RemoteAddr().String(),
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, 256),
		cfg:         cfg,
		hooks:       hooks,
		queue:       make(chan *delivery, cfg.QueueSize),
		done:        make(chan struct{}),
		buf:         make([]byte, cfg.ChunkSize),
		connectedAt: time.Now(),
	}
}

func (s *Session) ID() string {
	return s.id.String()
}

func (s *Session) RemoteAddr() string {
	return s.connID
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Topic is empty until the announcement has been read.
func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome is valid after Done is closed.
func (s *Session) Outcome() protocol.Outcome {
	<-s.done
	return s.outcome
}

func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:          s.ID(),
		RemoteAddr:  s.connID,
		Topic:       s.topic,
		ConnectedAt: s.connectedAt,
		ClosedAt:    s.closedAt,
	}
	closed := s.closed
	s.mu.Unlock()
	info.State = s.State()
	info.Sending = s.sending.Load()
	info.Queued = len(s.queue)
	info.FilesSent = s.filesSent.Load()
	info.BytesSent = s.bytesSent.Load()
	if closed {
		<-s.done
		info.CloseReason = s.outcome.String()
	}
	return info
}

// Run reads the topic announcement and then watches the connection until
// it fails, the peer closes it, or ctx is cancelled. The session is closed
// when Run returns.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		s.closeWith(context.Canceled)
	})
	defer stop()

	if err := s.handleTopic(); err != nil {
		s.closeWith(err)
		return
	}
	s.watch()
}

func (s *Session) handleTopic() error {
	if s.cfg.HandshakeTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	topic, err := protocol.ReadTopic(s.reader, s.cfg.MaxTopicLength)
	if err != nil {
		logger.WarnF("[%s] Fail to read topic announcement, details: %v", s.connID, err)
		return err
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.topic = topic
	s.state.Store(int32(Subscribed))
	s.mu.Unlock()

	go s.writeLoop()

	if s.hooks.OnSubscribed != nil {
		if err := s.hooks.OnSubscribed(s); err != nil {
			return err
		}
	}
	logger.InfoF("[%s] New subscription to topic %q", s.connID, topic)
	return nil
}

// watch blocks on the read side. Subscribers never send anything after
// their announcement, so any byte is a protocol violation.
func (s *Session) watch() {
	_, err := s.reader.ReadByte()
	if err == nil {
		err = protocol.ErrUnexpectedData
	}
	s.closeWith(err)
}

// Send queues src for delivery. Deliveries to one session are written
// strictly one after another by a single writer.
func (s *Session) Send(src *Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.State() != Subscribed {
		return ErrNotSubscribed
	}
	d := &delivery{source: src.Retain(), queuedAt: time.Now()}
	select {
	case s.queue <- d:
		return nil
	default:
		_ = src.Release()
		return ErrQueueFull
	}
}

// SendFile opens path and queues it.
func (s *Session) SendFile(path string) error {
	src, err := OpenSource(path)
	if err != nil {
		return err
	}
	defer src.Release()
	return s.Send(src)
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			s.deliver(d)
		}
	}
}

func (s *Session) deliver(d *delivery) {
	defer d.source.Release()
	s.sending.Store(true)
	defer s.sending.Store(false)

	start := time.Now()
	size := uint64(d.source.Size())
	w := &deadlineWriter{conn: s.conn, timeout: s.cfg.WriteTimeout}

	var written uint64
	err := protocol.WriteFrameHeader(w, size)
	if err == nil {
		written, err = protocol.CopyChunk(w, d.source.Reader(), size, s.buf)
	}

	report := DeliveryReport{
		SessionID: s.ID(),
		Topic:     s.Topic(),
		Path:      d.source.Path(),
		Size:      d.source.Size(),
		Written:   written,
		Queued:    start.Sub(d.queuedAt),
		Duration:  time.Since(start),
		Outcome:   protocol.NewOutcome(err),
	}
	if err != nil {
		logger.ErrorF("[%s] Fail to send file %s, details: %v", s.connID, d.source.Path(), err)
	} else {
		s.filesSent.Add(1)
		s.bytesSent.Add(size)
		logger.DebugF("[%s] Sent %s (%s) in %v", s.connID, d.source.Path(), humanize.IBytes(size), report.Duration)
	}
	if s.hooks.OnDelivered != nil {
		s.hooks.OnDelivered(report)
	}
	if err != nil {
		s.closeWith(fmt.Errorf("deliver %s: %w", d.source.Path(), err))
	}
}

// Close closes the session locally.
func (s *Session) Close() {
	s.closeWith(fmt.Errorf("session closed locally: %w", net.ErrClosed))
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		defer s.lifeMu.Unlock()
		s.mu.Lock()
		s.closed = true
		s.closedAt = time.Now()
		s.mu.Unlock()

		s.state.Store(int32(Closed))
		s.outcome = protocol.NewOutcome(err)
		close(s.done)

		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", s.connID, cerr)
		}
		s.drain()
		logClose(s.connID, s.outcome)

		if s.hooks.OnClosed != nil {
			s.hooks.OnClosed(s, s.outcome)
		}
	})
}

// drain releases deliveries that will never be written.
func (s *Session) drain() {
	for {
		select {
		case d := <-s.queue:
			_ = d.source.Release()
		default:
			return
		}
	}
}

func logClose(connID string, o protocol.Outcome) {
	switch o.Kind {
	case protocol.KindPeerClosed:
		logger.InfoF("[%s] Client close connection", connID)
	case protocol.KindCanceled, protocol.KindNone:
		logger.DebugF("[%s] Connection closed", connID)
	case protocol.KindProtocol:
		logger.WarnF("[%s] Protocol violation, details: %v", connID, o.Err)
	default:
		logger.ErrorF("[%s] Connection failed, details: %v", connID, o.Err)
	}
}

// deadlineWriter arms a fresh write deadline before every write.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}
	return w.conn.Write(p)
}
