// Package firstparty relays the client script and its telemetry through the
// protected site's own origin, so the browser never talks to a third-party
// host directly.
package firstparty

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"pxgate/internal/config"
	"pxgate/internal/logging"
	"pxgate/internal/metrics"
	"pxgate/internal/reqctx"
	"pxgate/internal/traces"
)

// Kind is the kind of first-party path.
type Kind string

const (
	KindClient Kind = "client"
	KindXHR    Kind = "xhr"
)

const (
	clientSuffix = "/init.js"
	xhrSegment   = "/xhr"
	maxBodyBytes = 4 << 20
)

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Route is a matched first-party path. Rest is the xhr tail, starting with
// a slash.
type Route struct {
	Kind Kind
	Rest string
}

// Result is the relayed answer.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// UpstreamError is a failed relay call. The enforcer degrades it into an
// empty 502.
type UpstreamError struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("first-party %s relay to %s: %v", e.Kind, e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Options carries the relay's collaborators.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Collectors
}

// Relay serves the first-party routes of one application.
type Relay struct {
	cfg     *config.Enforcer
	prefix  string
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Collectors
}

// New builds a relay for cfg.
func New(cfg *config.Enforcer, opts Options) *Relay {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Relay{
		cfg:     cfg,
		prefix:  cfg.FirstPartyPrefix(),
		client:  opts.HTTPClient,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Match reports whether path is a first-party path.
func (r *Relay) Match(path string) (Route, bool) {
	if !strings.HasPrefix(path, r.prefix) {
		return Route{}, false
	}
	tail := path[len(r.prefix):]
	switch {
	case tail == clientSuffix:
		return Route{Kind: KindClient}, true
	case strings.HasPrefix(tail, xhrSegment+"/"):
		return Route{Kind: KindXHR, Rest: tail[len(xhrSegment):]}, true
	}
	return Route{}, false
}

// Serve answers a matched route. With first party disabled it answers
// locally with an empty body.
func (r *Relay) Serve(ctx context.Context, rc *reqctx.Context, route Route) (res *Result, err error) {
	if !r.cfg.FirstParty() {
		r.metrics.Relay(string(route.Kind), "disabled")
		return disabledResult(rc, route), nil
	}

	target := r.target(rc, route)
	ctx, span := traces.StartSpan(ctx, "firstparty.Serve",
		traces.AppID(r.cfg.AppID),
		traces.Kind(string(route.Kind)),
	)
	defer func() { traces.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.FirstPartyTimeout)
	defer cancel()

	req, err := r.outbound(ctx, rc, route, target)
	if err != nil {
		r.metrics.Relay(string(route.Kind), "error")
		return nil, &UpstreamError{Kind: route.Kind, URL: target, Err: err}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.Relay(string(route.Kind), "error")
		return nil, &UpstreamError{Kind: route.Kind, URL: target, Err: errors.Wrap(err, "send")}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		r.metrics.Relay(string(route.Kind), "error")
		return nil, &UpstreamError{Kind: route.Kind, URL: target, Err: errors.Wrap(err, "read body")}
	}

	header := resp.Header.Clone()
	stripHopByHop(header)
	header.Del("Content-Length")

	r.metrics.Relay(string(route.Kind), "ok")
	r.logger.DebugContext(ctx, "first-party relay", "kind", route.Kind, "url", target, "status", resp.StatusCode)
	return &Result{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

func (r *Relay) target(rc *reqctx.Context, route Route) string {
	if route.Kind == KindClient {
		return fmt.Sprintf("%s/%s/main.min.js", strings.TrimSuffix(r.cfg.ClientURL, "/"), r.cfg.AppID)
	}
	target := strings.TrimSuffix(r.cfg.CollectorURL, "/") + route.Rest
	if req := rc.Request(); req != nil && req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}
	return target
}

func (r *Relay) outbound(ctx context.Context, rc *reqctx.Context, route Route, target string) (*http.Request, error) {
	method := http.MethodGet
	var body io.Reader
	var length int64
	contentType := ""

	if route.Kind == KindXHR {
		method = rc.Method
		raw, err := rc.Body()
		switch {
		case errors.Is(err, reqctx.ErrBodyTooLarge):
			// too large to buffer, stream it through
			body = rc.Request().Body
			length = rc.Request().ContentLength
		case err != nil:
			return nil, errors.Wrap(err, "read inbound body")
		case len(raw) > 0:
			body = bytes.NewReader(raw)
		case len(rc.Form) > 0:
			body = strings.NewReader(rc.Form.Encode())
			contentType = "application/x-www-form-urlencoded"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if length > 0 {
		req.ContentLength = length
	}

	for name, values := range rc.Header {
		req.Header[name] = append([]string(nil), values...)
	}
	stripHopByHop(req.Header)
	req.Header.Del("Host")
	req.Header.Del("Cookie")
	req.Header.Del("Content-Length")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	req.Header.Set("X-PX-First-Party", "1")
	req.Header.Set("X-PX-Enforcer-True-IP", rc.IP)
	if prior := rc.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+rc.IP)
	} else {
		req.Header.Set("X-Forwarded-For", rc.IP)
	}
	if vid := rc.Cookies["_pxvid"]; vid != "" {
		req.Header.Set("Cookie", "pxvid="+vid)
	}
	return req, nil
}

func disabledResult(rc *reqctx.Context, route Route) *Result {
	header := make(http.Header)
	res := &Result{StatusCode: http.StatusOK, Header: header}
	switch {
	case route.Kind == KindClient:
		header.Set("Content-Type", "application/javascript")
	case strings.HasSuffix(route.Rest, ".gif"):
		header.Set("Content-Type", "image/gif")
	case rc.MediaType == "application/json" || strings.Contains(rc.Header.Get("Accept"), "application/json"):
		header.Set("Content-Type", "application/json")
		res.Body = []byte("{}")
	}
	return res
}

func stripHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}
