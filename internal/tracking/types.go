package tracking

import (
	"context"

	"github.com/apitrail/apitrail/internal/models"
	"github.com/google/uuid"
)

// Request carries the request-side fields the builder captures. The
// HTTP framework adapter fills it in at the call boundary so the
// builder never probes framework objects itself.
type Request struct {
	Method       string
	Path         string
	Host         string
	UserAgent    string
	ForwardedFor string // raw X-Forwarded-For header value, may be empty
	RemoteAddr   string // connection-reported address
	QueryParams  map[string]string
	Body         []byte
	ContentType  string
}

// Response describes the finished response. A streaming response has
// no capturable body; Body holds the rendered content otherwise.
type Response struct {
	StatusCode int
	Streaming  bool
	Body       []byte
}

// HandlerInfo identifies the handler that served the request. Name is
// the fully-qualified handler name, empty when introspection failed.
// Action is an explicit action label set by resource-style handlers.
type HandlerInfo struct {
	Name   string
	Action string
}

// Identity is the authenticated caller, nil for anonymous requests.
type Identity struct {
	ID       uuid.UUID
	Username string
}

// Sink receives finished records. Implementations must not assume the
// caller handles their errors; the builder swallows them.
type Sink interface {
	Persist(ctx context.Context, entry *models.RequestLog) error
}

// LogPolicy decides whether a call is logged. When set on a Builder it
// takes precedence over the method allow-list.
type LogPolicy interface {
	ShouldLog(req *Request, resp *Response) bool
}
