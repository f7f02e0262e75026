// Package server accepts subscriber connections, tracks their topics and
// fans published files out to them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/session"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/subscription"
)

var (
	ErrServerClosed   = errors.New("server closed")
	ErrAlreadyServing = errors.New("server is already serving")
)

// PublishResult reports which sessions a publish was handed to. Delivery
// itself completes asynchronously.
type PublishResult struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Path      string            `json:"path"`
	Size      int64             `json:"size"`
	Initiated []string          `json:"initiated"`
	Rejected  map[string]string `json:"rejected,omitempty"`
}

type Stats struct {
	Sessions         int    `json:"sessions"`
	Subscribed       int    `json:"subscribed"`
	Topics           int    `json:"topics"`
	Publishes        uint64 `json:"publishes"`
	Deliveries       uint64 `json:"deliveries"`
	DeliveryFailures uint64 `json:"delivery_failures"`
	BytesSent        uint64 `json:"bytes_sent"`
	// AuditDropped counts audit records the recorder had no room for.
	AuditDropped uint64 `json:"audit_dropped"`
}

type Server struct {
	cfg      config.ServerConfig
	sessCfg  session.Config
	recorder database.Recorder
	onDeliv  func(session.DeliveryReport)

	table   *subscription.Table[*session.Session]
	history *expirable.LRU[string, session.Info]
	sem     chan struct{}

	mu       sync.Mutex
	sessions map[string]*session.Session
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup

	publishes        atomic.Uint64
	deliveries       atomic.Uint64
	deliveryFailures atomic.Uint64
	bytesSent        atomic.Uint64
}

type Option func(*Server)

// WithRecorder sets where audit records go.
func WithRecorder(r database.Recorder) Option {
	return func(s *Server) {
		s.recorder = r
	}
}

// WithDeliveryHook registers fn to be called after every delivery attempt.
func WithDeliveryHook(fn func(session.DeliveryReport)) Option {
	return func(s *Server) {
		s.onDeliv = fn
	}
}

// WithChunkSize overrides the payload chunk size.
func WithChunkSize(n int) Option {
	return func(s *Server) {
		s.sessCfg.ChunkSize = n
	}
}

func New(cfg config.ServerConfig, opts ...Option) *Server {
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 256
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10000
	}
	s := &Server{
		cfg: cfg,
		sessCfg: session.Config{
			MaxTopicLength:   cfg.MaxTopicLength,
			HandshakeTimeout: cfg.HandshakeTimeoutDuration(),
			WriteTimeout:     cfg.WriteTimeoutDuration(),
			QueueSize:        cfg.SendQueueSize,
		},
		recorder: database.NopRecorder{},
		table:    subscription.NewTable[*session.Session](),
		history:  expirable.NewLRU[string, session.Info](historySize, nil, cfg.HistoryTTLDuration()),
		sem:      make(chan struct{}, maxConns),
		sessions: make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessCfg.MaxTopicLength <= 0 {
		s.sessCfg.MaxTopicLength = protocol.DefaultMaxTopicLength
	}
	return s
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. It returns nil once ctx is cancelled
// or Shutdown is called, after every session has been closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return ErrAlreadyServing
	}
	s.listener = ln
	s.mu.Unlock()

	logger.InfoF("File broker listen on %s", ln.Addr().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = s.closeListener()
	})
	defer stop()

	var backoff acceptBackoff
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || isNetClosedError(err) {
				break
			}
			delay := backoff.next()
			logger.ErrorF("Accept connection error: %v, retrying in %v", err, delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
			}
			break
		}
		backoff.reset()
		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConnection(ctx, c)
		}(conn)
	}

	cancel()
	s.closeAll()
	s.wg.Wait()
	logger.InfoF("File broker on %s stopped", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) closeListener() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Shutdown stops accepting connections, closes every session and waits
// for their goroutines until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.closeListener(); err != nil && !isNetClosedError(err) {
		logger.ErrorF("Server close error: %v", err)
	}
	s.closeAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke lets the server be registered as a shutdown hook.
func (s *Server) Invoke(ctx context.Context) error {
	return s.Shutdown(ctx)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	all := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()
	for _, sess := range all {
		sess.Close()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, s.sessCfg, session.Hooks{
		OnSubscribed: s.register,
		OnClosed:     s.unregister,
		OnDelivered:  s.delivered,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	sess.Run(ctx)
}

func (s *Server) register(sess *session.Session) error {
	if err := s.table.Add(sess.Topic(), sess); err != nil {
		return fmt.Errorf("register session %s: %w", sess.ID(), err)
	}
	return nil
}

// unregister removes a closed session from the table and the session set.
// Sessions that never announced a topic are only in the session set.
func (s *Server) unregister(sess *session.Session, outcome protocol.Outcome) {
	s.table.Remove(sess.ID())
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()

	info := sess.Info()
	s.history.Add(info.ID, info)
	record := database.SessionRecord{
		SessionID:   info.ID,
		RemoteAddr:  info.RemoteAddr,
		Topic:       info.Topic,
		FilesSent:   info.FilesSent,
		BytesSent:   info.BytesSent,
		ConnectedAt: info.ConnectedAt,
		ClosedAt:    info.ClosedAt,
		CloseKind:   outcome.Kind.String(),
	}
	if outcome.Err != nil {
		record.CloseReason = outcome.Err.Error()
	}
	if err := s.recorder.RecordSession(context.Background(), record); err != nil {
		logger.WarnF("[%s] Fail to record session, details: %v", info.RemoteAddr, err)
	}
}

func (s *Server) delivered(report session.DeliveryReport) {
	s.deliveries.Add(1)
	s.bytesSent.Add(report.Written)
	if !report.Outcome.OK() {
		s.deliveryFailures.Add(1)
	}
	record := database.DeliveryRecord{
		SessionID:  report.SessionID,
		Topic:      report.Topic,
		Path:       report.Path,
		Size:       report.Size,
		Written:    report.Written,
		Duration:   report.Duration,
		Kind:       report.Outcome.Kind.String(),
		FinishedAt: time.Now(),
	}
	if report.Outcome.Err != nil {
		record.Error = report.Outcome.Err.Error()
	}
	if err := s.recorder.RecordDelivery(context.Background(), record); err != nil {
		logger.WarnF("Fail to record delivery, details: %v", err)
	}
	if s.onDeliv != nil {
		s.onDeliv(report)
	}
}

// Publish hands the file at path to every session currently subscribed to
// topic. The set of sessions is snapshotted before any send. With no
// subscribers nothing is opened or written. A file that cannot be opened
// fails the whole call before any session is touched; a session that
// cannot accept the file is reported in the result and does not affect
// the others.
func (s *Server) Publish(topic, path string) (PublishResult, error) {
	result := PublishResult{ID: uuid.NewString(), Topic: topic, Path: path, Initiated: []string{}}
	if err := protocol.ValidateTopic(topic, s.sessCfg.MaxTopicLength); err != nil {
		return result, err
	}

	targets := s.table.Snapshot(topic)
	if len(targets) == 0 {
		logger.DebugF("No subscriber for topic %q, skip publishing %s", topic, path)
		return result, nil
	}

	src, err := session.OpenSource(path)
	if err != nil {
		logger.WarnF("Fail to open %s for topic %q, details: %v", path, topic, err)
		return result, err
	}
	defer src.Release()
	result.Size = src.Size()

	for _, target := range targets {
		if err := target.Send(src); err != nil {
			if result.Rejected == nil {
				result.Rejected = make(map[string]string)
			}
			result.Rejected[target.ID()] = err.Error()
			logger.WarnF("[%s] Fail to queue %s, details: %v", target.RemoteAddr(), path, err)
			continue
		}
		result.Initiated = append(result.Initiated, target.ID())
	}
	s.publishes.Add(1)
	logger.InfoF("Published %s (%s) to topic %q: %d initiated, %d rejected",
		path, humanize.IBytes(uint64(result.Size)), topic, len(result.Initiated), len(result.Rejected))

	rejected := make([]string, 0, len(result.Rejected))
	for id := range result.Rejected {
		rejected = append(rejected, id)
	}
	record := database.PublishRecord{
		PublishID:   result.ID,
		Topic:       topic,
		Path:        path,
		Size:        result.Size,
		Initiated:   result.Initiated,
		Rejected:    rejected,
		PublishedAt: time.Now(),
	}
	if err := s.recorder.RecordPublish(context.Background(), record); err != nil {
		logger.WarnF("Fail to record publish, details: %v", err)
	}
	return result, nil
}

// Count returns the number of sessions subscribed to topic.
func (s *Server) Count(topic string) int {
	return s.table.Count(topic)
}

func (s *Server) Topics() []subscription.TopicInfo {
	return s.table.Topics()
}

// Sessions lists open sessions ordered by connection time.
func (s *Server) Sessions() []session.Info {
	s.mu.Lock()
	all := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()
	infos := make([]session.Info, 0, len(all))
	for _, sess := range all {
		infos = append(infos, sess.Info())
	}
	sortInfos(infos)
	return infos
}

// History lists recently closed sessions still held in the history cache.
func (s *Server) History() []session.Info {
	infos := s.history.Values()
	sortInfos(infos)
	return infos
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	open := len(s.sessions)
	s.mu.Unlock()
	var dropped uint64
	if d, ok := s.recorder.(interface{ Dropped() uint64 }); ok {
		dropped = d.Dropped()
	}
	return Stats{
		Sessions:         open,
		Subscribed:       s.table.Len(),
		Topics:           len(s.table.Topics()),
		Publishes:        s.publishes.Load(),
		Deliveries:       s.deliveries.Load(),
		DeliveryFailures: s.deliveryFailures.Load(),
		BytesSent:        s.bytesSent.Load(),
		AuditDropped:     dropped,
	}
}

func sortInfos(infos []session.Info) {
	slices.SortFunc(infos, func(a, b session.Info) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
