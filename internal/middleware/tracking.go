package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/apitrail/apitrail/internal/tracking"
	"github.com/gin-gonic/gin"
)

const (
	// Context key holding the in-flight request log entry
	ContextRequestLog = "request_log"

	// Context key resource-style handlers may set to label the action
	// ("create", "list", ...) persisted as the record's view method
	ContextAuditAction = "audit_action"

	// Context key RequireAuth uses to expose the caller identity
	ContextIdentity = "identity"
)

// bodyLogWriter wraps the gin ResponseWriter so the rendered response
// can be captured for the log. A handler that flushes is treated as
// streaming and its body is never persisted.
type bodyLogWriter struct {
	gin.ResponseWriter
	body     *bytes.Buffer
	streamed bool
}

func (w *bodyLogWriter) Write(b []byte) (int, error) {
	if !w.streamed {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *bodyLogWriter) WriteString(s string) (int, error) {
	if !w.streamed {
		w.body.WriteString(s)
	}
	return w.ResponseWriter.WriteString(s)
}

func (w *bodyLogWriter) Flush() {
	w.streamed = true
	w.body.Reset()
	w.ResponseWriter.Flush()
}

// Tracker captures an audit record for every request. It reads the
// body (and writes it back for handler binding), starts the record
// before the handler runs and finalizes it once the response exists.
func Tracker(builder *tracking.Builder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var bodyBytes []byte
		if c.Request.Body != nil {
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		req := &tracking.Request{
			Method:       c.Request.Method,
			Path:         c.Request.URL.Path,
			Host:         c.Request.Host,
			UserAgent:    c.Request.UserAgent(),
			ForwardedFor: c.Request.Header.Get("X-Forwarded-For"),
			RemoteAddr:   c.Request.RemoteAddr,
			QueryParams:  queryParams(c),
			Body:         bodyBytes,
			ContentType:  c.ContentType(),
		}

		entry, beginErr := builder.Begin(req)
		c.Set(ContextRequestLog, entry)

		blw := &bodyLogWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
		c.Writer = blw

		finalize := func() {
			resp := &tracking.Response{
				StatusCode: c.Writer.Status(),
				Streaming:  blw.streamed || isEventStream(c.Writer.Header().Get("Content-Type")),
				Body:       blw.body.Bytes(),
			}
			handler := tracking.HandlerInfo{
				Name:   c.HandlerName(),
				Action: c.GetString(ContextAuditAction),
			}
			builder.FinishWithHandler(c.Request.Context(), req, resp, entry, handler, identityFrom(c))
		}

		// A body that failed to decode surfaces through the host's
		// error handling exactly once; the handler never runs, the
		// failed call is still logged.
		var parseErr *tracking.ParseError
		if errors.As(beginErr, &parseErr) {
			builder.CaptureError(entry, parseErr, nil)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "malformed request body",
			})
			finalize()
			return
		}

		defer func() {
			if r := recover(); r != nil {
				builder.CaptureError(entry, fmt.Errorf("panic: %v", r), debug.Stack())
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"error": "Internal Server Error",
					})
				}
				finalize()
			}
		}()

		c.Next()

		for _, ginErr := range c.Errors {
			builder.CaptureError(entry, ginErr.Err, nil)
		}

		finalize()
	}
}

// SetAuditAction labels the current request with an explicit action
// name, e.g. from a resource-style handler
func SetAuditAction(c *gin.Context, action string) {
	c.Set(ContextAuditAction, action)
}

func queryParams(c *gin.Context) map[string]string {
	values := c.Request.URL.Query()
	if len(values) == 0 {
		return nil
	}

	params := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			params[key] = vals[len(vals)-1]
		}
	}
	return params
}

func identityFrom(c *gin.Context) *tracking.Identity {
	val, exists := c.Get(ContextIdentity)
	if !exists {
		return nil
	}

	identity, ok := val.(*tracking.Identity)
	if !ok {
		return nil
	}
	return identity
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}
