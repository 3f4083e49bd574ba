package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/apitrail/apitrail/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

// Proxy forwards audited calls to the upstream API the tracker sits
// in front of
type Proxy struct {
	target  *url.URL
	reverse *httputil.ReverseProxy
}

func New(targetURL string) (*Proxy, error) {
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}

	reverse := httputil.NewSingleHostReverseProxy(target)
	reverse.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("upstream request failed", "target", target.Host, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error": "upstream unavailable"}`))
	}

	return &Proxy{target: target, reverse: reverse}, nil
}

// Forwards the request to the upstream
func (p *Proxy) Handle(c *gin.Context) {
	req := c.Request

	req.Header.Set("X-Forwarded-Host", req.Host)
	if clientIP := c.ClientIP(); clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	req.Host = p.target.Host

	p.reverse.ServeHTTP(c.Writer, req)
}
