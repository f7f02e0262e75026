package database

import (
	"context"
	"time"
)

const (
	SessionCollectionName  = "sessions"
	PublishCollectionName  = "publishes"
	DeliveryCollectionName = "deliveries"
)

// SessionRecord is written when a subscriber connection ends.
type SessionRecord struct {
	SessionID   string    `bson:"session_id"`
	RemoteAddr  string    `bson:"remote_addr"`
	Topic       string    `bson:"topic"`
	FilesSent   uint64    `bson:"files_sent"`
	BytesSent   uint64    `bson:"bytes_sent"`
	ConnectedAt time.Time `bson:"connected_at"`
	ClosedAt    time.Time `bson:"closed_at"`
	CloseKind   string    `bson:"close_kind"`
	CloseReason string    `bson:"close_reason,omitempty"`
}

// PublishRecord is written once per Publish call.
type PublishRecord struct {
	PublishID   string    `bson:"publish_id"`
	Topic       string    `bson:"topic"`
	Path        string    `bson:"path"`
	Size        int64     `bson:"size"`
	Initiated   []string  `bson:"initiated"`
	Rejected    []string  `bson:"rejected"`
	PublishedAt time.Time `bson:"published_at"`
}

// DeliveryRecord is written when a transfer to one session finishes.
type DeliveryRecord struct {
	SessionID  string        `bson:"session_id"`
	Topic      string        `bson:"topic"`
	Path       string        `bson:"path"`
	Size       int64         `bson:"size"`
	Written    uint64        `bson:"written"`
	Duration   time.Duration `bson:"duration"`
	Kind       string        `bson:"kind"`
	Error      string        `bson:"error,omitempty"`
	FinishedAt time.Time     `bson:"finished_at"`
}

// Recorder keeps an audit trail of sessions, publishes and deliveries.
// It is not consulted to rebuild any state.
type Recorder interface {
	RecordSession(ctx context.Context, record SessionRecord) error
	RecordPublish(ctx context.Context, record PublishRecord) error
	RecordDelivery(ctx context.Context, record DeliveryRecord) error
	Close(ctx context.Context) error
}

type NopRecorder struct{}

func (NopRecorder) RecordSession(context.Context, SessionRecord) error   { return nil }
func (NopRecorder) RecordPublish(context.Context, PublishRecord) error   { return nil }
func (NopRecorder) RecordDelivery(context.Context, DeliveryRecord) error { return nil }
func (NopRecorder) Close(context.Context) error                          { return nil }
