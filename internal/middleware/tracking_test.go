package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/apitrail/apitrail/internal/config"
	"github.com/apitrail/apitrail/internal/models"
	"github.com/apitrail/apitrail/internal/sanitize"
	"github.com/apitrail/apitrail/internal/tracking"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	entries []*models.RequestLog
	failErr error
}

func (s *memorySink) Persist(ctx context.Context, entry *models.RequestLog) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func trackedRouter(cfg config.TrackingConfig, sink tracking.Sink) (*gin.Engine, *tracking.Builder) {
	gin.SetMode(gin.TestMode)
	builder := tracking.NewBuilder(cfg, sink)

	router := gin.New()
	router.Use(Recovery())
	router.Use(Tracker(builder))
	return router, builder
}

func defaultTrackingConfig() config.TrackingConfig {
	return config.TrackingConfig{
		DecodeRequestBody: true,
		PathLength:        200,
		UsernameLength:    200,
	}
}

func TestTrackerLogsSuccessfulRequest(t *testing.T) {
	sink := &memorySink{}
	router, _ := trackedRouter(defaultTrackingConfig(), sink)

	router.POST("/widgets", func(c *gin.Context) {
		SetAuditAction(c, "create")
		c.JSON(http.StatusCreated, gin.H{"id": 7})
	})

	body := `{"name": "sprocket", "password": "hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/widgets?page=2", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "203.0.113.5:8080"
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, sink.entries, 1)
	got := sink.entries[0]

	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/widgets", got.Path)
	assert.Equal(t, "203.0.113.5", got.RemoteAddr)
	assert.Equal(t, "test-agent", got.UserAgent)
	require.NotNil(t, got.StatusCode)
	assert.Equal(t, http.StatusCreated, *got.StatusCode)
	require.NotNil(t, got.ViewMethod)
	assert.Equal(t, "create", *got.ViewMethod)
	require.NotNil(t, got.View)
	assert.NotEmpty(t, *got.View)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got.Data), &data))
	assert.Equal(t, "sprocket", data["name"])
	assert.Equal(t, sanitize.CleanedSubstitute, data["password"])

	var params map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got.QueryParams), &params))
	assert.Equal(t, "2", params["page"])

	require.NotNil(t, got.Response)
	assert.JSONEq(t, `{"id": 7}`, *got.Response)
	assert.Equal(t, tracking.AnonymousUsername, got.Username)
}

func TestTrackerBodyStillReadableByHandler(t *testing.T) {
	sink := &memorySink{}
	router, _ := trackedRouter(defaultTrackingConfig(), sink)

	var bound struct {
		Name string `json:"name"`
	}
	router.POST("/echo", func(c *gin.Context) {
		require.NoError(t, c.ShouldBindJSON(&bound))
		c.JSON(http.StatusOK, gin.H{"name": bound.Name})
	})

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"name": "bob"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", bound.Name)
}

func TestTrackerMethodAllowListSkipsRequest(t *testing.T) {
	cfg := defaultTrackingConfig()
	cfg.LoggingMethods = []string{"POST"}
	sink := &memorySink{}
	router, _ := trackedRouter(cfg, sink)

	router.GET("/widgets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/widgets", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, sink.entries)
}

func TestTrackerSinkFailureDoesNotAffectResponse(t *testing.T) {
	sink := &memorySink{failErr: errors.New("sink down")}
	router, _ := trackedRouter(defaultTrackingConfig(), sink)

	router.GET("/widgets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/widgets", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok": true}`, w.Body.String())
}

func TestTrackerStreamingResponseBodyNotCaptured(t *testing.T) {
	sink := &memorySink{}
	router, _ := trackedRouter(defaultTrackingConfig(), sink)

	router.GET("/events", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.String(http.StatusOK, "data: tick\n\n")
		c.Writer.Flush()
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events", nil))

	require.Len(t, sink.entries, 1)
	assert.Nil(t, sink.entries[0].Response)
}

func TestTrackerMalformedBodyRejectedAndLogged(t *testing.T) {
	sink := &memorySink{}
	router, _ := trackedRouter(defaultTrackingConfig(), sink)

	handlerRan := false
	router.POST("/widgets", func(c *gin.Context) {
		handlerRan = true
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/widgets", strings.NewReader(`{"broken":`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, handlerRan)

	require.Len(t, sink.entries, 1)
	got := sink.entries[0]
	require.NotNil(t, got.StatusCode)
	assert.Equal(t, http.StatusBadRequest, *got.StatusCode)
	require.NotNil(t, got.Errors)
	assert.Contains(t, *got.Errors, "parse error")
}

func TestTrackerPanicRecordedWithTrace(t *testing.T) {
	sink := &memorySink{}
	router, _ := trackedRouter(defaultTrackingConfig(), sink)

	router.GET("/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	require.Len(t, sink.entries, 1)
	got := sink.entries[0]
	require.NotNil(t, got.Errors)
	assert.Contains(t, *got.Errors, "kaboom")
	require.NotNil(t, got.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, *got.StatusCode)
}

func TestTrackerHandlerErrorsCaptured(t *testing.T) {
	sink := &memorySink{}
	router, _ := trackedRouter(defaultTrackingConfig(), sink)

	router.GET("/fail", func(c *gin.Context) {
		c.Error(errors.New("downstream timeout"))
		c.JSON(http.StatusBadGateway, gin.H{"error": "bad gateway"})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))

	require.Len(t, sink.entries, 1)
	require.NotNil(t, sink.entries[0].Errors)
	assert.Contains(t, *sink.entries[0].Errors, "downstream timeout")
}

func TestTrackerRecordsAuthenticatedIdentity(t *testing.T) {
	sink := &memorySink{}
	gin.SetMode(gin.TestMode)
	builder := tracking.NewBuilder(defaultTrackingConfig(), sink)

	userID := uuid.New()

	router := gin.New()
	router.Use(Tracker(builder))
	router.Use(func(c *gin.Context) {
		c.Set(ContextIdentity, &tracking.Identity{ID: userID, Username: "bob@example.com"})
		c.Next()
	})
	router.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))

	require.Len(t, sink.entries, 1)
	got := sink.entries[0]
	assert.Equal(t, "bob@example.com", got.Username)
	require.NotNil(t, got.UserID)
	assert.Equal(t, userID, *got.UserID)
}

func TestTrackerForwardedForPreferred(t *testing.T) {
	sink := &memorySink{}
	router, _ := trackedRouter(defaultTrackingConfig(), sink)

	router.GET("/widgets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.Header.Set("X-Forwarded-For", "[2001:db8::1]:443, 10.0.0.1")
	req.RemoteAddr = "192.0.2.1:12345"
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "2001:db8::1", sink.entries[0].RemoteAddr)
}
