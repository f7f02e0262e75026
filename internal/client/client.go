// Package client is the subscriber side of the broker protocol. A Client
// announces one topic and then receives every file published to it.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/protocol"
)

// ErrSink marks failures of the local sink rather than the connection.
var ErrSink = errors.New("sink failed")

// File describes one completely received file.
type File struct {
	Topic      string    `json:"topic"`
	Seq        uint64    `json:"seq"`
	Size       uint64    `json:"size"`
	Digest     string    `json:"digest"`
	Location   string    `json:"location"`
	ReceivedAt time.Time `json:"received_at"`
}

type options struct {
	dialTimeout    time.Duration
	maxFileSize    uint64
	chunkSize      int
	maxTopicLength int
}

type Option func(*options)

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithMaxFileSize rejects frames announcing more than n bytes. Zero means
// no limit.
func WithMaxFileSize(n uint64) Option {
	return func(o *options) {
		o.maxFileSize = n
	}
}

func WithChunkSize(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

func WithMaxTopicLength(n int) Option {
	return func(o *options) {
		o.maxTopicLength = n
	}
}

func buildOptions(opts []Option) options {
	o := options{
		chunkSize:      protocol.ChunkSize,
		maxTopicLength: protocol.DefaultMaxTopicLength,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.chunkSize <= 0 {
		o.chunkSize = protocol.ChunkSize
	}
	return o
}

type Client struct {
	conn  net.Conn
	topic string
	opts  options
	buf   []byte
	seq   uint64

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to addr and announces topic. Name resolution is left to
// the dialer so that every resolved address is tried within ctx.
func Dial(ctx context.Context, addr, topic string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	if err := protocol.ValidateTopic(topic, o.maxTopicLength); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: o.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := protocol.WriteTopic(conn, topic, o.maxTopicLength); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("announce topic %q: %w", topic, err)
	}
	logger.InfoF("Subscribed to topic %q on %s", topic, conn.RemoteAddr().String())

	return &Client{
		conn:  conn,
		topic: topic,
		opts:  o,
		buf:   make([]byte, o.chunkSize),
	}, nil
}

func (c *Client) Topic() string {
	return c.topic
}

func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// ReadHeader blocks until the next frame header arrives. A connection
// closed between frames yields io.EOF.
func (c *Client) ReadHeader() (uint64, error) {
	size, err := protocol.ReadFrameHeader(c.conn)
	if err != nil {
		return 0, err
	}
	if c.opts.maxFileSize > 0 && size > c.opts.maxFileSize {
		return size, fmt.Errorf("%w: %s > %s", protocol.ErrFrameTooLarge,
			humanize.IBytes(size), humanize.IBytes(c.opts.maxFileSize))
	}
	return size, nil
}

// ReadPayload copies exactly size bytes of the current frame to w.
func (c *Client) ReadPayload(w io.Writer, size uint64) (uint64, error) {
	return protocol.CopyChunk(w, c.conn, size, c.buf)
}

// Receive reads one whole file into a target created by sink. The target
// is committed only when every byte has arrived; otherwise it is aborted.
func (c *Client) Receive(sink Sink) (File, error) {
	size, err := c.ReadHeader()
	if err != nil {
		return File{}, err
	}
	c.seq++
	file := File{Topic: c.topic, Seq: c.seq, Size: size}

	target, err := sink.Create(c.topic, c.seq, size)
	if err != nil {
		return file, fmt.Errorf("%w: create target for file %d: %w", ErrSink, c.seq, err)
	}
	hasher := blake3.New()
	if _, err := c.ReadPayload(io.MultiWriter(sinkWriter{target}, hasher), size); err != nil {
		if aerr := target.Abort(); aerr != nil {
			logger.WarnF("Fail to discard partial file %d, details: %v", c.seq, aerr)
		}
		return file, fmt.Errorf("receive file %d: %w", c.seq, err)
	}
	location, err := target.Commit()
	if err != nil {
		return file, fmt.Errorf("%w: commit file %d: %w", ErrSink, c.seq, err)
	}
	file.Location = location
	file.Digest = hex.EncodeToString(hasher.Sum(nil))
	file.ReceivedAt = time.Now()
	logger.DebugF("Received file %d on topic %q (%s)", file.Seq, c.topic, humanize.IBytes(size))
	return file, nil
}

type sinkWriter struct {
	w io.Writer
}

func (s sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSink, err)
	}
	return n, err
}

// Subscribe receives files until the connection fails, onFile returns an
// error or ctx is cancelled. Cancellation is reported as ctx.Err().
func (c *Client) Subscribe(ctx context.Context, sink Sink, onFile func(File) error) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	for {
		file, err := c.Receive(sink)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				logger.InfoF("Server closed subscription to topic %q", c.topic)
			}
			return err
		}
		if onFile != nil {
			if err := onFile(file); err != nil {
				return err
			}
		}
	}
}

// Subscribe dials addr, announces topic and receives files until the
// connection ends. See Client.Subscribe.
func Subscribe(ctx context.Context, addr, topic string, sink Sink, onFile func(File) error, opts ...Option) error {
	c, err := Dial(ctx, addr, topic, opts...)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Subscribe(ctx, sink, onFile)
}
