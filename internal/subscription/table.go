// Package subscription keeps the topic to subscriber mapping used for
// fan-out. Topics are compared for exact equality.
package subscription

import (
	"errors"
	"slices"
	"strings"
	"sync"
)

var (
	ErrAlreadySubscribed = errors.New("subscriber is already registered")
	ErrEmptyTopic        = errors.New("topic is empty")
)

type Subscriber interface {
	ID() string
}

type TopicInfo struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// Table maps each topic to a set of subscribers. A subscriber is
// registered under at most one topic. All methods are safe for concurrent
// use.
type Table[S Subscriber] struct {
	mu     sync.RWMutex
	topics map[string]map[string]S
	index  map[string]string
}

func NewTable[S Subscriber]() *Table[S] {
	return &Table[S]{
		topics: make(map[string]map[string]S),
		index:  make(map[string]string),
	}
}

func (t *Table[S]) Add(topic string, s S) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	id := s.ID()
	if _, ok := t.index[id]; ok {
		return ErrAlreadySubscribed
	}
	set, ok := t.topics[topic]
	if !ok {
		set = make(map[string]S)
		t.topics[topic] = set
	}
	set[id] = s
	t.index[id] = topic
	return nil
}

// Remove unregisters id and reports the topic it was registered under.
func (t *Table[S]) Remove(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	topic, ok := t.index[id]
	if !ok {
		return "", false
	}
	delete(t.index, id)
	set := t.topics[topic]
	delete(set, id)
	if len(set) == 0 {
		delete(t.topics, topic)
	}
	return topic, true
}

// Snapshot copies the subscribers of topic. The copy is not affected by
// later changes to the table.
func (t *Table[S]) Snapshot(topic string) []S {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.topics[topic]
	if len(set) == 0 {
		return nil
	}
	out := make([]S, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (t *Table[S]) Count(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.topics[topic])
}

// Len returns the number of registered subscribers.
func (t *Table[S]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}

// Topics lists topics with at least one subscriber, sorted by name.
func (t *Table[S]) Topics() []TopicInfo {
	t.mu.RLock()
	out := make([]TopicInfo, 0, len(t.topics))
	for topic, set := range t.topics {
		out = append(out, TopicInfo{Topic: topic, Subscribers: len(set)})
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b TopicInfo) int {
		return strings.Compare(a.Topic, b.Topic)
	})
	return out
}
