package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/apitrail/apitrail/internal/config"
	"github.com/apitrail/apitrail/internal/models"
	"github.com/apitrail/apitrail/internal/sanitize"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	entries []*models.RequestLog
	failErr error
	panics  bool
}

func (s *memorySink) Persist(ctx context.Context, entry *models.RequestLog) error {
	if s.panics {
		panic("sink exploded")
	}
	if s.failErr != nil {
		return s.failErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func trackingConfig() config.TrackingConfig {
	return config.TrackingConfig{
		DecodeRequestBody: true,
		PathLength:        200,
		UsernameLength:    200,
	}
}

func TestBeginDecodesAndSanitizesBody(t *testing.T) {
	builder := NewBuilder(trackingConfig(), &memorySink{})

	entry, err := builder.Begin(&Request{
		Body:        []byte(`{"username": "bob", "password": "hunter2"}`),
		ContentType: "application/json",
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.RequestedAt.IsZero())

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(entry.Data), &data))
	assert.Equal(t, "bob", data["username"])
	assert.Equal(t, sanitize.CleanedSubstitute, data["password"])
}

func TestBeginDecodeDisabled(t *testing.T) {
	cfg := trackingConfig()
	cfg.DecodeRequestBody = false
	builder := NewBuilder(cfg, &memorySink{})

	entry, err := builder.Begin(&Request{
		Body:        []byte(`{"password": "hunter2"}`),
		ContentType: "application/json",
	})
	require.NoError(t, err)
	assert.Empty(t, entry.Data)
}

func TestBeginPropagatesParseError(t *testing.T) {
	builder := NewBuilder(trackingConfig(), &memorySink{})

	entry, err := builder.Begin(&Request{
		Body:        []byte(`{"broken":`),
		ContentType: "application/json",
	})
	require.Error(t, err)

	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))
	// The partial entry still exists so the call can be finalized.
	require.NotNil(t, entry)
	assert.False(t, entry.RequestedAt.IsZero())
}

func TestBeginNonJSONBodyKeptAsText(t *testing.T) {
	builder := NewBuilder(trackingConfig(), &memorySink{})

	entry, err := builder.Begin(&Request{
		Body:        []byte("plain text payload"),
		ContentType: "text/plain",
	})
	require.NoError(t, err)
	assert.Equal(t, "plain text payload", entry.Data)
}

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"ipv4 with port", "203.0.113.5:8080", "203.0.113.5"},
		{"ipv4 bare", "203.0.113.5", "203.0.113.5"},
		{"ipv6 bracketed with port", "[2001:db8::1]:443", "2001:db8::1"},
		{"ipv6 bare", "2001:db8::1", "2001:db8::1"},
		{"not an ip", "not-an-ip", "not-an-ip"},
		{"garbage with port syntax", "bogus:9999", "bogus:9999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeIP(tt.input))
		})
	}
}

func TestRemoteAddrPrefersForwardedFor(t *testing.T) {
	builder := NewBuilder(trackingConfig(), &memorySink{})

	addr := builder.remoteAddr(&Request{
		ForwardedFor: "203.0.113.7, 10.0.0.1",
		RemoteAddr:   "192.0.2.1:12345",
	})
	assert.Equal(t, "203.0.113.7", addr)

	addr = builder.remoteAddr(&Request{RemoteAddr: "192.0.2.1:12345"})
	assert.Equal(t, "192.0.2.1", addr)
}

func TestResponseMsNeverNegative(t *testing.T) {
	builder := NewBuilder(trackingConfig(), &memorySink{})

	// Clock skew: measured end precedes start.
	assert.Equal(t, 0, builder.responseMs(time.Now().Add(time.Hour)))

	elapsed := builder.responseMs(time.Now().Add(-50 * time.Millisecond))
	assert.GreaterOrEqual(t, elapsed, 50)
}

func TestShouldLogMethodAllowList(t *testing.T) {
	cfg := trackingConfig()
	cfg.LoggingMethods = []string{"POST", "PUT"}
	builder := NewBuilder(cfg, &memorySink{})

	assert.True(t, builder.shouldLog(&Request{Method: "POST"}, &Response{}))
	assert.False(t, builder.shouldLog(&Request{Method: "GET"}, &Response{}))
}

func TestShouldLogDefaultsToAll(t *testing.T) {
	builder := NewBuilder(trackingConfig(), &memorySink{})
	assert.True(t, builder.shouldLog(&Request{Method: "OPTIONS"}, &Response{}))
}

type denyAllPolicy struct{}

func (denyAllPolicy) ShouldLog(req *Request, resp *Response) bool { return false }

func TestCustomPolicyTakesPrecedence(t *testing.T) {
	sink := &memorySink{}
	builder := NewBuilder(trackingConfig(), sink)
	builder.SetPolicy(denyAllPolicy{})

	entry, err := builder.Begin(&Request{})
	require.NoError(t, err)
	builder.Finish(context.Background(), &Request{Method: "GET"}, &Response{StatusCode: 200}, entry)

	assert.Empty(t, sink.entries)
}

func TestFinishPopulatesRecord(t *testing.T) {
	sink := &memorySink{}
	builder := NewBuilder(trackingConfig(), sink)

	req := &Request{
		Method:      "POST",
		Path:        "/v1/widgets",
		Host:        "api.example.com",
		UserAgent:   "test-agent",
		RemoteAddr:  "203.0.113.5:8080",
		QueryParams: map[string]string{"page": "2", "token": "abc"},
	}

	entry, err := builder.Begin(req)
	require.NoError(t, err)

	userID := uuid.New()
	builder.FinishWithHandler(context.Background(), req,
		&Response{StatusCode: 201, Body: []byte(`{"id": 7}`)},
		entry,
		HandlerInfo{Name: "github.com/apitrail/apitrail/internal/handler.(*WidgetHandler).Create", Action: "create"},
		&Identity{ID: userID, Username: "bob"},
	)

	require.Len(t, sink.entries, 1)
	got := sink.entries[0]

	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/v1/widgets", got.Path)
	assert.Equal(t, "api.example.com", got.Host)
	assert.Equal(t, "203.0.113.5", got.RemoteAddr)
	require.NotNil(t, got.View)
	assert.Contains(t, *got.View, "WidgetHandler")
	require.NotNil(t, got.ViewMethod)
	assert.Equal(t, "create", *got.ViewMethod)
	require.NotNil(t, got.StatusCode)
	assert.Equal(t, 201, *got.StatusCode)
	require.NotNil(t, got.Response)
	assert.Equal(t, `{"id":7}`, *got.Response)
	assert.Equal(t, "bob", got.Username)
	require.NotNil(t, got.UserID)
	assert.Equal(t, userID, *got.UserID)
	assert.GreaterOrEqual(t, got.ResponseMs, 0)

	var params map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got.QueryParams), &params))
	assert.Equal(t, "2", params["page"])
	assert.Equal(t, sanitize.CleanedSubstitute, params["token"])
}

func TestFinishAnonymousUser(t *testing.T) {
	sink := &memorySink{}
	builder := NewBuilder(trackingConfig(), sink)

	entry, _ := builder.Begin(&Request{})
	builder.Finish(context.Background(), &Request{Method: "GET", RemoteAddr: "10.0.0.1:80"}, &Response{StatusCode: 200}, entry)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, AnonymousUsername, sink.entries[0].Username)
	assert.Nil(t, sink.entries[0].UserID)
}

func TestFinishViewMethodFallsBackToVerb(t *testing.T) {
	sink := &memorySink{}
	builder := NewBuilder(trackingConfig(), sink)

	entry, _ := builder.Begin(&Request{})
	builder.FinishWithHandler(context.Background(),
		&Request{Method: "DELETE", RemoteAddr: "10.0.0.1:80"},
		&Response{StatusCode: 204}, entry, HandlerInfo{}, nil)

	require.Len(t, sink.entries, 1)
	assert.Nil(t, sink.entries[0].View)
	require.NotNil(t, sink.entries[0].ViewMethod)
	assert.Equal(t, "delete", *sink.entries[0].ViewMethod)
}

func TestFinishStreamingResponseHasNoBody(t *testing.T) {
	sink := &memorySink{}
	builder := NewBuilder(trackingConfig(), sink)

	entry, _ := builder.Begin(&Request{})
	builder.Finish(context.Background(),
		&Request{Method: "GET", RemoteAddr: "10.0.0.1:80"},
		&Response{StatusCode: 200, Streaming: true, Body: []byte("should never be read")},
		entry)

	require.Len(t, sink.entries, 1)
	assert.Nil(t, sink.entries[0].Response)
}

func TestFinishQueryParamsFallBackToData(t *testing.T) {
	sink := &memorySink{}
	builder := NewBuilder(trackingConfig(), sink)

	req := &Request{
		Method:      "GET",
		RemoteAddr:  "10.0.0.1:80",
		Body:        []byte(`{"username": "bob", "password": "hunter2"}`),
		ContentType: "application/json",
	}
	entry, err := builder.Begin(req)
	require.NoError(t, err)

	builder.Finish(context.Background(), req, &Response{StatusCode: 200}, entry)

	require.Len(t, sink.entries, 1)
	got := sink.entries[0]
	assert.NotEmpty(t, got.Data)
	assert.Equal(t, got.Data, got.QueryParams)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got.Data), &data))
	assert.Equal(t, sanitize.CleanedSubstitute, data["password"])
}

func TestFinishPathTruncated(t *testing.T) {
	cfg := trackingConfig()
	cfg.PathLength = 10
	sink := &memorySink{}
	builder := NewBuilder(cfg, sink)

	entry, _ := builder.Begin(&Request{})
	builder.Finish(context.Background(),
		&Request{Method: "GET", Path: "/a/very/long/path/that/keeps/going", RemoteAddr: "10.0.0.1:80"},
		&Response{StatusCode: 200}, entry)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "/a/very/lo", sink.entries[0].Path)
}

func TestFinishSwallowsSinkFailure(t *testing.T) {
	sink := &memorySink{failErr: &PersistenceError{Err: errors.New("db down")}}
	builder := NewBuilder(trackingConfig(), sink)

	entry, _ := builder.Begin(&Request{})

	assert.NotPanics(t, func() {
		builder.Finish(context.Background(),
			&Request{Method: "GET", RemoteAddr: "10.0.0.1:80"},
			&Response{StatusCode: 200}, entry)
	})
}

func TestFinishSwallowsSinkPanic(t *testing.T) {
	builder := NewBuilder(trackingConfig(), &memorySink{panics: true})

	entry, _ := builder.Begin(&Request{})

	assert.NotPanics(t, func() {
		builder.Finish(context.Background(),
			&Request{Method: "GET", RemoteAddr: "10.0.0.1:80"},
			&Response{StatusCode: 200}, entry)
	})
}

func TestCaptureErrorAccumulates(t *testing.T) {
	builder := NewBuilder(trackingConfig(), &memorySink{})

	entry := &models.RequestLog{}
	builder.CaptureError(entry, errors.New("first failure"), []byte("stack one"))
	builder.CaptureError(entry, errors.New("second failure"), nil)

	require.NotNil(t, entry.Errors)
	assert.Contains(t, *entry.Errors, "first failure")
	assert.Contains(t, *entry.Errors, "stack one")
	assert.Contains(t, *entry.Errors, "second failure")
}
