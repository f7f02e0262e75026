package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/discovery"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/server"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/session"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/subscription"
)

type fakeBroker struct {
	publishErr error
	topic      string
	path       string
}

func (b *fakeBroker) Publish(topic, path string) (server.PublishResult, error) {
	b.topic, b.path = topic, path
	if b.publishErr != nil {
		return server.PublishResult{}, b.publishErr
	}
	return server.PublishResult{ID: "p1", Topic: topic, Path: path, Size: 11, Initiated: []string{"s1", "s2"}}, nil
}

func (b *fakeBroker) Topics() []subscription.TopicInfo {
	return []subscription.TopicInfo{{Topic: "alerts", Subscribers: 2}}
}

func (b *fakeBroker) Sessions() []session.Info {
	return []session.Info{{ID: "s1", Topic: "alerts", State: session.Subscribed}}
}

func (b *fakeBroker) History() []session.Info {
	return []session.Info{{ID: "s0", Topic: "alerts", State: session.Closed, CloseReason: "peer_closed"}}
}

func (b *fakeBroker) Stats() server.Stats {
	return server.Stats{Sessions: 1, Subscribed: 1, Topics: 1}
}

type fakeForwarder struct {
	err error
}

func (f fakeForwarder) Forward(_ context.Context, topic string, q discovery.Query) (discovery.ForwardResult, error) {
	if f.err != nil {
		return discovery.ForwardResult{}, f.err
	}
	return discovery.ForwardResult{
		Topic:   topic,
		Records: []discovery.Record{{PatientID: q.PatientID, StudyUID: "1.2.3"}},
	}, nil
}

func do(t *testing.T, api *API, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func TestPublish(t *testing.T) {
	broker := &fakeBroker{}
	api := New(broker)

	rec := do(t, api, http.MethodPost, "/api/publish", `{"topic":"alerts","path":"/data/note.txt"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result server.PublishResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, []string{"s1", "s2"}, result.Initiated)
	assert.Equal(t, "alerts", broker.topic)
	assert.Equal(t, "/data/note.txt", broker.path)
}

func TestPublishErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"malformed", `{"topic":`, nil, http.StatusBadRequest},
		{"missing path", `{"topic":"alerts"}`, nil, http.StatusBadRequest},
		{"missing topic", `{"path":"/x"}`, nil, http.StatusBadRequest},
		{"invalid topic", `{"topic":"a","path":"/x"}`, protocol.ErrInvalidTopic, http.StatusBadRequest},
		{"missing file", `{"topic":"a","path":"/x"}`, fmt.Errorf("%w: %w", protocol.ErrSourceUnavailable, fs.ErrNotExist), http.StatusNotFound},
		{"not a file", `{"topic":"a","path":"/x"}`, fmt.Errorf("%w: /x is a directory", protocol.ErrSourceUnavailable), http.StatusUnprocessableEntity},
		{"internal", `{"topic":"a","path":"/x"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := New(&fakeBroker{publishErr: tt.err})
			rec := do(t, api, http.MethodPost, "/api/publish", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestReadEndpoints(t *testing.T) {
	api := New(&fakeBroker{})

	rec := do(t, api, http.MethodGet, "/api/topics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"topic":"alerts","subscribers":2}]`, rec.Body.String())

	rec = do(t, api, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"subscribed"`)

	rec = do(t, api, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"close_reason":"peer_closed"`)

	rec = do(t, api, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Stats.Subscribed)
}

func TestForward(t *testing.T) {
	api := New(&fakeBroker{})
	rec := do(t, api, http.MethodPost, "/api/forward", `{"topic":"ct","query":{"patient_id":"P001"}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "forward is disabled without a forwarder")

	api = New(&fakeBroker{}, WithForwarder(fakeForwarder{}))
	rec = do(t, api, http.MethodPost, "/api/forward", `{"topic":"ct","query":{"patient_id":"P001"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result discovery.ForwardResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "ct", result.Topic)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "P001", result.Records[0].PatientID)

	api = New(&fakeBroker{}, WithForwarder(fakeForwarder{err: discovery.ErrInvalidQuery}))
	rec = do(t, api, http.MethodPost, "/api/forward", `{"topic":"ct","query":{"patient_id":"["}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
