package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/session"
)

const waitFor = 5 * time.Second

type testServer struct {
	*Server
	addr     string
	recorder *database.MemoryRecorder
	cancel   context.CancelFunc
	done     chan error
}

func startServer(t *testing.T, mutate func(*config.ServerConfig), opts ...Option) *testServer {
	t.Helper()
	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if mutate != nil {
		mutate(&cfg)
	}
	rec := database.NewMemoryRecorder()
	srv := New(cfg, append([]Option{WithRecorder(rec)}, opts...)...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: srv, addr: ln.Addr().String(), recorder: rec, cancel: cancel, done: make(chan error, 1)}
	go func() { ts.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(waitFor):
			t.Error("server did not stop")
		}
	})
	return ts
}

// subscribe connects a raw subscriber and waits until the server has
// registered it.
func (ts *testServer) subscribe(t *testing.T, topic string) net.Conn {
	t.Helper()
	before := ts.Count(topic)
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, protocol.WriteTopic(conn, topic, 0))
	require.Eventually(t, func() bool { return ts.Count(topic) == before+1 }, waitFor, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	size, err := protocol.ReadFrameHeader(conn)
	require.NoError(t, err)
	payload := make([]byte, size)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return payload
}

func assertSilent(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	n, err := conn.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestPublishReachesOnlyMatchingTopic(t *testing.T) {
	ts := startServer(t, nil)
	a := ts.subscribe(t, "alerts")
	b := ts.subscribe(t, "reports")

	note := writeFile(t, "note.txt", []byte("hello world"))
	result, err := ts.Publish("alerts", note)
	require.NoError(t, err)
	assert.Len(t, result.Initiated, 1)
	assert.Equal(t, int64(11), result.Size)

	require.NoError(t, a.SetReadDeadline(time.Now().Add(waitFor)))
	header := make([]byte, protocol.HeaderSize)
	_, err = io.ReadFull(a, header)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 11}, header)
	payload := make([]byte, 11)
	_, err = io.ReadFull(a, payload)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(payload))

	assertSilent(t, b)
}

func TestPublishRoundTrip(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.subscribe(t, "files")

	for _, size := range []int{0, 1, protocol.ChunkSize - 1, protocol.ChunkSize, 3*protocol.ChunkSize + 7} {
		data := randomBytes(t, size)
		_, err := ts.Publish("files", writeFile(t, "f.bin", data))
		require.NoError(t, err)
		assert.Equal(t, data, readFrame(t, conn), "size %d", size)
	}
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	var reports sync.WaitGroup
	reports.Add(3)
	ts := startServer(t, nil, WithDeliveryHook(func(r session.DeliveryReport) {
		assert.True(t, r.Outcome.OK())
		reports.Done()
	}))
	conns := []net.Conn{ts.subscribe(t, "alerts"), ts.subscribe(t, "alerts"), ts.subscribe(t, "alerts")}

	data := randomBytes(t, 100_000)
	result, err := ts.Publish("alerts", writeFile(t, "f.bin", data))
	require.NoError(t, err)
	assert.Len(t, result.Initiated, 3)
	assert.Empty(t, result.Rejected)

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			assert.Equal(t, data, readFrame(t, c))
		}(c)
	}
	wg.Wait()
	reports.Wait()

	stats := ts.Stats()
	assert.Equal(t, uint64(3), stats.Deliveries)
	assert.Equal(t, uint64(300_000), stats.BytesSent)
	assert.Zero(t, stats.DeliveryFailures)
	require.Len(t, ts.recorder.Publishes(), 1)
	assert.Len(t, ts.recorder.Publishes()[0].Initiated, 3)
}

func TestFailedSubscriberDoesNotAffectOthers(t *testing.T) {
	ts := startServer(t, func(c *config.ServerConfig) { c.WriteTimeout = "2s" })
	healthy := []net.Conn{ts.subscribe(t, "alerts"), ts.subscribe(t, "alerts")}
	broken := ts.subscribe(t, "alerts")

	data := randomBytes(t, 8<<20)
	path := writeFile(t, "big.bin", data)
	result, err := ts.Publish("alerts", path)
	require.NoError(t, err)
	assert.Len(t, result.Initiated, 3)

	// the broken subscriber reads a little and disappears mid-transfer
	_, err = io.ReadFull(broken, make([]byte, 1024))
	require.NoError(t, err)
	require.NoError(t, broken.Close())

	var wg sync.WaitGroup
	for _, c := range healthy {
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			assert.True(t, bytes.Equal(data, readFrame(t, c)))
		}(c)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return ts.Count("alerts") == 2 }, waitFor, 5*time.Millisecond)

	// the survivors keep receiving later publishes
	small := []byte("still here")
	_, err = ts.Publish("alerts", writeFile(t, "small.txt", small))
	require.NoError(t, err)
	for _, c := range healthy {
		assert.Equal(t, small, readFrame(t, c))
	}
}

func TestResubscriptionReachesOnlyNewSession(t *testing.T) {
	ts := startServer(t, nil)
	a := ts.subscribe(t, "alerts")
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return ts.Count("alerts") == 0 }, waitFor, 5*time.Millisecond)

	b := ts.subscribe(t, "alerts")
	result, err := ts.Publish("alerts", writeFile(t, "n.txt", []byte("for b")))
	require.NoError(t, err)
	require.Len(t, result.Initiated, 1)
	assert.Equal(t, []byte("for b"), readFrame(t, b))

	sessions := ts.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, result.Initiated[0], sessions[0].ID)

	require.Eventually(t, func() bool { return len(ts.History()) == 1 }, waitFor, 5*time.Millisecond)
	history := ts.History()
	assert.Equal(t, "alerts", history[0].Topic)
	assert.Equal(t, session.Closed, history[0].State)
	assert.NotEqual(t, sessions[0].ID, history[0].ID)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	ts := startServer(t, nil)
	other := ts.subscribe(t, "reports")

	result, err := ts.Publish("alerts", filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, result.Initiated)
	assert.Empty(t, ts.recorder.Publishes())
	assertSilent(t, other)
}

func TestPublishMissingFileFailsBeforeSending(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.subscribe(t, "alerts")

	_, err := ts.Publish("alerts", filepath.Join(t.TempDir(), "missing.bin"))
	require.ErrorIs(t, err, protocol.ErrSourceUnavailable)
	assert.Equal(t, protocol.KindResource, protocol.Classify(err))
	assertSilent(t, conn)

	// the session is untouched
	assert.Equal(t, 1, ts.Count("alerts"))
	_, err = ts.Publish("alerts", writeFile(t, "ok.txt", []byte("ok")))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), readFrame(t, conn))
}

func TestPublishRejectsInvalidTopic(t *testing.T) {
	ts := startServer(t, nil)
	_, err := ts.Publish("", "x")
	assert.ErrorIs(t, err, protocol.ErrInvalidTopic)
	_, err = ts.Publish(strings.Repeat("t", 2000), "x")
	assert.ErrorIs(t, err, protocol.ErrTopicTooLong)
}

func TestOversizedTopicClosesConnection(t *testing.T) {
	ts := startServer(t, func(c *config.ServerConfig) { c.MaxTopicLength = 16 })

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(strings.Repeat("x", 64) + "\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded))

	require.Eventually(t, func() bool { return len(ts.History()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, ts.Topics())
	assert.Contains(t, ts.History()[0].CloseReason, "protocol")
	require.Eventually(t, func() bool { return len(ts.recorder.Sessions()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "protocol", ts.recorder.Sessions()[0].CloseKind)
}

func TestServeStopsOnCancel(t *testing.T) {
	ts := startServer(t, nil)
	conn := ts.subscribe(t, "alerts")
	assert.Equal(t, 1, ts.Stats().Subscribed)

	ts.cancel()
	select {
	case err := <-ts.done:
		require.NoError(t, err)
		ts.done <- err
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, ts.Stats().Sessions)
	assert.Zero(t, ts.Count("alerts"))

	_, err = net.DialTimeout("tcp", ts.addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestShutdown(t *testing.T) {
	ts := startServer(t, nil)
	ts.subscribe(t, "alerts")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, ts.Invoke(ctx))
	assert.Zero(t, ts.Stats().Sessions)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, ts.Serve(ctx, ln), ErrServerClosed)
}

func TestAcceptBackoff(t *testing.T) {
	var b acceptBackoff
	assert.Equal(t, 5*time.Millisecond, b.next())
	assert.Equal(t, 10*time.Millisecond, b.next())
	for i := 0; i < 20; i++ {
		b.next()
	}
	assert.Equal(t, time.Second, b.next())
	b.reset()
	assert.Equal(t, 5*time.Millisecond, b.next())
}

// stalledRecorder blocks every write until release is closed.
type stalledRecorder struct {
	database.NopRecorder
	release chan struct{}
}

func (r stalledRecorder) RecordSession(ctx context.Context, _ database.SessionRecord) error {
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func TestStatsReportsDroppedAuditRecords(t *testing.T) {
	stalled := stalledRecorder{release: make(chan struct{})}
	async := database.NewAsyncRecorder(stalled, 1, time.Second)
	t.Cleanup(func() {
		close(stalled.release)
		_ = async.Close(context.Background())
	})
	srv := New(config.Default().Server, WithRecorder(async))
	assert.Zero(t, srv.Stats().AuditDropped)

	for range 3 {
		require.NoError(t, async.RecordSession(context.Background(), database.SessionRecord{SessionID: "s"}))
	}
	assert.GreaterOrEqual(t, srv.Stats().AuditDropped, uint64(1))
	assert.Equal(t, async.Dropped(), srv.Stats().AuditDropped)
}
