// Package discovery finds stored studies and forwards their files to
// broker topics.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/server"
)

var ErrInvalidQuery = errors.New("invalid discovery query")

// Query selects studies. Each field is a filepath.Match pattern; an empty
// field matches anything.
type Query struct {
	PatientID string `json:"patient_id" validate:"omitempty,max=64"`
	StudyUID  string `json:"study_uid" validate:"omitempty,max=64"`
}

func (q Query) Validate() error {
	for _, p := range []string{q.PatientID, q.StudyUID} {
		if strings.ContainsAny(p, `/\`) {
			return fmt.Errorf("%w: %q contains a path separator", ErrInvalidQuery, p)
		}
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidQuery, p, err)
		}
	}
	return nil
}

// Record is one located study.
type Record struct {
	PatientID string `json:"patient_id"`
	StudyUID  string `json:"study_uid"`
	Location  string `json:"location"`
}

// Locator is the boundary to the store that knows where studies live.
type Locator interface {
	Find(ctx context.Context, q Query) ([]Record, error)
	// Resolve lists the files belonging to r.
	Resolve(ctx context.Context, r Record) ([]string, error)
}

type Publisher interface {
	Publish(topic, path string) (server.PublishResult, error)
}

// ForwardResult summarises one Forward call.
type ForwardResult struct {
	Topic     string                 `json:"topic"`
	Records   []Record               `json:"records"`
	Published []server.PublishResult `json:"published"`
	Failed    map[string]string      `json:"failed,omitempty"`
}

type Forwarder struct {
	locator   Locator
	publisher Publisher
}

func NewForwarder(locator Locator, publisher Publisher) *Forwarder {
	return &Forwarder{locator: locator, publisher: publisher}
}

// Forward publishes every file of every study matching q to topic, one
// file after another. A file that cannot be published is recorded in
// Failed and does not stop the rest. An invalid topic or a cancelled ctx
// stops the call.
func (f *Forwarder) Forward(ctx context.Context, topic string, q Query) (ForwardResult, error) {
	result := ForwardResult{Topic: topic, Records: []Record{}, Published: []server.PublishResult{}}
	if err := protocol.ValidateTopic(topic, 0); err != nil {
		return result, err
	}
	if err := q.Validate(); err != nil {
		return result, err
	}

	records, err := f.locator.Find(ctx, q)
	if err != nil {
		return result, fmt.Errorf("find studies: %w", err)
	}
	result.Records = records

	for _, record := range records {
		paths, err := f.locator.Resolve(ctx, record)
		if err != nil {
			result.fail(record.Location, err)
			continue
		}
		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			published, err := f.publisher.Publish(topic, path)
			if err != nil {
				if errors.Is(err, protocol.ErrInvalidTopic) || errors.Is(err, protocol.ErrTopicTooLong) {
					return result, err
				}
				result.fail(path, err)
				continue
			}
			result.Published = append(result.Published, published)
		}
	}
	logger.InfoF("Forwarded %d studies to topic %q: %d files published, %d failed",
		len(records), topic, len(result.Published), len(result.Failed))
	return result, nil
}

func (r *ForwardResult) fail(key string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[key] = err.Error()
	logger.WarnF("Fail to forward %s to topic %q, details: %v", key, r.Topic, err)
}
