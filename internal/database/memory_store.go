package database

import (
	"context"
	"sync"
)

// MemoryRecorder keeps records in memory.
type MemoryRecorder struct {
	mu         sync.Mutex
	sessions   []SessionRecord
	publishes  []PublishRecord
	deliveries []DeliveryRecord
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) RecordSession(_ context.Context, record SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, record)
	return nil
}

func (m *MemoryRecorder) RecordPublish(_ context.Context, record PublishRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes = append(m.publishes, record)
	return nil
}

func (m *MemoryRecorder) RecordDelivery(_ context.Context, record DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, record)
	return nil
}

func (m *MemoryRecorder) Close(context.Context) error {
	return nil
}

func (m *MemoryRecorder) Sessions() []SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SessionRecord(nil), m.sessions...)
}

func (m *MemoryRecorder) Publishes() []PublishRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishRecord(nil), m.publishes...)
}

func (m *MemoryRecorder) Deliveries() []DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeliveryRecord(nil), m.deliveries...)
}
