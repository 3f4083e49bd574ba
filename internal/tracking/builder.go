package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/apitrail/apitrail/internal/config"
	"github.com/apitrail/apitrail/internal/models"
	"github.com/apitrail/apitrail/internal/pkg/logger"
	"github.com/apitrail/apitrail/internal/sanitize"
)

// AnonymousUsername is persisted when no identity is attached.
const AnonymousUsername = "Anonymous"

const viewLength = 200

// Builder assembles one RequestLog per call across the request
// lifecycle: Begin before the handler runs, CaptureError on failure,
// Finish once the response exists. Configuration is read-only after
// construction, so one Builder serves all in-flight requests.
type Builder struct {
	cfg     config.TrackingConfig
	cleaner *sanitize.Cleaner
	sink    Sink
	policy  LogPolicy
}

func NewBuilder(cfg config.TrackingConfig, sink Sink) *Builder {
	return &Builder{
		cfg:     cfg,
		cleaner: sanitize.New(cfg.SensitiveFields...),
		sink:    sink,
	}
}

// SetPolicy installs a custom logging policy. It takes precedence
// over the method allow-list.
func (b *Builder) SetPolicy(policy LogPolicy) {
	b.policy = policy
}

// Begin records the arrival timestamp and the sanitized request body.
// A body that fails to decode returns a *ParseError together with the
// partial entry; the caller must surface that error through the host's
// own error handling, not swallow it.
func (b *Builder) Begin(req *Request) (*models.RequestLog, error) {
	entry := &models.RequestLog{RequestedAt: time.Now()}

	if !b.cfg.DecodeRequestBody {
		entry.Data = ""
		return entry, nil
	}

	cleaned, err := b.cleanBody(req)
	entry.Data = cleaned
	if err != nil {
		return entry, err
	}
	return entry, nil
}

// cleanBody sanitizes the request body. JSON bodies are decoded so the
// sanitizer can walk them; anything else is kept as replaced-UTF-8
// text. Returns the sanitized serialization either way.
func (b *Builder) cleanBody(req *Request) (string, error) {
	if len(req.Body) == 0 {
		return "", nil
	}

	if isJSONContentType(req.ContentType) {
		var parsed interface{}
		if err := json.Unmarshal(req.Body, &parsed); err != nil {
			// Keep the raw (sanitizer-decoded) body for the record,
			// but the decode failure itself belongs to the host.
			raw, _ := b.cleaner.Clean(req.Body).(string)
			return raw, &ParseError{Err: err}
		}
		return b.serialize(b.cleaner.Clean(parsed)), nil
	}

	return b.serialize(b.cleaner.Clean(req.Body)), nil
}

// CaptureError appends diagnostic text for a failed handler. Safe to
// call multiple times; traces accumulate.
func (b *Builder) CaptureError(entry *models.RequestLog, err error, stack []byte) {
	if entry == nil || err == nil {
		return
	}

	trace := err.Error()
	if len(stack) > 0 {
		trace += "\n" + string(stack)
	}
	if entry.Errors != nil && *entry.Errors != "" {
		trace = *entry.Errors + "\n" + trace
	}
	entry.Errors = &trace
}

// Finish derives the remaining fields and hands the record to the
// sink. Sink failures are logged and swallowed: the API call must
// never fail because logging did.
func (b *Builder) Finish(ctx context.Context, req *Request, resp *Response, entry *models.RequestLog) {
	b.FinishWithHandler(ctx, req, resp, entry, HandlerInfo{}, nil)
}

func (b *Builder) FinishWithHandler(ctx context.Context, req *Request, resp *Response, entry *models.RequestLog, handler HandlerInfo, user *Identity) {
	if entry == nil || !b.shouldLog(req, resp) {
		return
	}

	entry.RemoteAddr = b.remoteAddr(req)
	entry.Path = truncate(req.Path, b.cfg.PathLength)
	entry.Host = req.Host
	entry.Method = req.Method
	entry.UserAgent = req.UserAgent
	entry.View = viewName(handler)
	entry.ViewMethod = viewMethod(handler, req.Method)
	entry.ResponseMs = b.responseMs(entry.RequestedAt)

	status := resp.StatusCode
	entry.StatusCode = &status

	if !resp.Streaming {
		rendered := b.cleanResponse(resp.Body)
		entry.Response = &rendered
	}

	if user != nil {
		id := user.ID
		entry.UserID = &id
		entry.Username = truncate(user.Username, b.cfg.UsernameLength)
	} else {
		entry.Username = AnonymousUsername
	}

	cleanedParams, _ := b.cleaner.Clean(req.QueryParams).(map[string]interface{})
	if len(cleanedParams) == 0 {
		// Legacy display fallback: an empty query string shows the
		// request data in its place.
		entry.QueryParams = entry.Data
	} else {
		entry.QueryParams = b.serialize(cleanedParams)
	}

	b.persist(ctx, entry)
}

func (b *Builder) persist(ctx context.Context, entry *models.RequestLog) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("request log sink panicked", "panic", fmt.Sprint(r))
		}
	}()

	if b.sink == nil {
		return
	}
	if err := b.sink.Persist(ctx, entry); err != nil {
		logger.Error("persisting request log failed",
			"error", err,
			"method", entry.Method,
			"path", entry.Path,
		)
	}
}

// shouldLog applies the custom policy when present, otherwise the
// configured method allow-list. An empty list logs everything.
func (b *Builder) shouldLog(req *Request, resp *Response) bool {
	if b.policy != nil {
		return b.policy.ShouldLog(req, resp)
	}
	if len(b.cfg.LoggingMethods) == 0 {
		return true
	}
	for _, method := range b.cfg.LoggingMethods {
		if strings.EqualFold(method, req.Method) {
			return true
		}
	}
	return false
}

// remoteAddr prefers the first forwarded-for entry, falling back to
// the connection address, and normalizes it to a bare IP literal. An
// address that fails to validate is kept as the cleaned raw string;
// a bad peer address never blocks logging.
func (b *Builder) remoteAddr(req *Request) string {
	ipaddr := req.ForwardedFor
	if ipaddr != "" {
		ipaddr = strings.TrimSpace(strings.Split(ipaddr, ",")[0])
	} else {
		ipaddr = strings.TrimSpace(strings.Split(req.RemoteAddr, ",")[0])
	}
	return normalizeIP(ipaddr)
}

// normalizeIP strips "[v6]:port" bracket notation and "v4:port"
// suffixes, then validates the remainder as an IP literal.
func normalizeIP(ipaddr string) string {
	possibles := []string{
		strings.SplitN(strings.TrimLeft(ipaddr, "["), "]", 2)[0],
		strings.SplitN(ipaddr, ":", 2)[0],
	}
	for _, candidate := range possibles {
		if addr, err := netip.ParseAddr(candidate); err == nil {
			return addr.String()
		}
	}
	return ipaddr
}

func (b *Builder) responseMs(requestedAt time.Time) int {
	elapsed := int(time.Since(requestedAt).Milliseconds())
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func (b *Builder) cleanResponse(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return b.serialize(b.cleaner.Clean(body))
	}
	return b.serialize(b.cleaner.Clean(parsed))
}

func (b *Builder) serialize(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func viewName(handler HandlerInfo) *string {
	if handler.Name == "" {
		return nil
	}
	name := truncate(handler.Name, viewLength)
	return &name
}

func viewMethod(handler HandlerInfo, method string) *string {
	out := handler.Action
	if out == "" {
		out = strings.ToLower(method)
	}
	if out == "" {
		return nil
	}
	out = truncate(out, viewLength)
	return &out
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

func isJSONContentType(contentType string) bool {
	mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
