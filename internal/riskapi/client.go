// Package riskapi asks the remote risk service for a verdict when the
// request carries no usable risk cookie.
package riskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"pxgate/internal/config"
	"pxgate/internal/logging"
	"pxgate/internal/metrics"
	"pxgate/internal/reqctx"
	"pxgate/internal/riskcookie"
	"pxgate/internal/traces"
	"pxgate/internal/verdict"
)

// ModuleVersion identifies this enforcer to the risk service.
const ModuleVersion = "pxgate-go v1.0.0"

const riskPath = "/api/v3/risk"

// Evaluator produces a remote verdict for a request. reason is the cookie
// failure that made the call necessary.
type Evaluator interface {
	Evaluate(ctx context.Context, rc *reqctx.Context, reason verdict.Reason) (verdict.Verdict, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, rc *reqctx.Context, reason verdict.Reason) (verdict.Verdict, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, rc *reqctx.Context, reason verdict.Reason) (verdict.Verdict, error) {
	return f(ctx, rc, reason)
}

// RemoteCallError is a failed or rejected risk call. Callers fail open.
type RemoteCallError struct {
	// StatusCode is the HTTP status, zero when no response arrived.
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteCallError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("risk api: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("risk api: status=%d %s", e.StatusCode, e.Message)
	default:
		return "risk api: " + e.Message
	}
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

type header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type requestInfo struct {
	IP         string   `json:"ip"`
	Headers    []header `json:"headers"`
	URL        string   `json:"url"`
	URI        string   `json:"uri"`
	FirstParty bool     `json:"firstParty"`
}

type additional struct {
	CallReason    string `json:"s2s_call_reason"`
	HTTPMethod    string `json:"http_method"`
	HTTPVersion   string `json:"http_version"`
	ModuleVersion string `json:"module_version"`
	RiskMode      string `json:"risk_mode"`
	CookieOrigin  string `json:"cookie_origin"`
	RawCookie     string `json:"px_cookie_raw,omitempty"`
}

type riskRequest struct {
	Request    requestInfo `json:"request"`
	Additional additional  `json:"additional"`
}

type riskResponse struct {
	Status       int    `json:"status"`
	UUID         string `json:"uuid"`
	Score        int    `json:"score"`
	Action       string `json:"action"`
	ErrorMessage string `json:"error_message"`
}

// Options carries the client's collaborators.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Collectors
}

// Client is the HTTP Evaluator.
type Client struct {
	cfg      *config.Enforcer
	endpoint string
	http     *http.Client
	logger   *slog.Logger
	metrics  *metrics.Collectors
}

// New builds a client for cfg.BackendURL.
func New(cfg *config.Enforcer, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Client{
		cfg:      cfg,
		endpoint: strings.TrimSuffix(cfg.BackendURL, "/") + riskPath,
		http:     opts.HTTPClient,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Evaluate calls the risk API within the configured timeout.
func (c *Client) Evaluate(ctx context.Context, rc *reqctx.Context, reason verdict.Reason) (v verdict.Verdict, err error) {
	ctx, span := traces.StartSpan(ctx, "riskapi.Evaluate",
		traces.AppID(c.cfg.AppID),
		traces.Reason(string(reason)),
	)
	defer func() { traces.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer cancel()

	body, err := json.Marshal(c.buildRequest(rc, reason))
	if err != nil {
		return verdict.Verdict{}, &RemoteCallError{Err: errors.Wrap(err, "encode risk request")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return verdict.Verdict{}, &RemoteCallError{Err: errors.Wrap(err, "build risk request")}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)

	start := time.Now()
	resp, err := c.http.Do(req)
	rtt := time.Since(start)
	if err != nil {
		c.metrics.RiskAPI("error", rtt.Seconds())
		return verdict.Verdict{}, &RemoteCallError{Err: errors.Wrap(err, "send risk request")}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		c.metrics.RiskAPI("error", rtt.Seconds())
		return verdict.Verdict{}, &RemoteCallError{StatusCode: resp.StatusCode, Err: errors.Wrap(err, "read risk response")}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.RiskAPI("error", rtt.Seconds())
		return verdict.Verdict{}, &RemoteCallError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var rr riskResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		c.metrics.RiskAPI("error", rtt.Seconds())
		return verdict.Verdict{}, &RemoteCallError{StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode risk response")}
	}
	if rr.Status != 0 {
		c.metrics.RiskAPI("rejected", rtt.Seconds())
		return verdict.Verdict{}, &RemoteCallError{StatusCode: resp.StatusCode, Message: rr.ErrorMessage}
	}
	c.metrics.RiskAPI("ok", rtt.Seconds())

	v = verdict.Verdict{
		Score:     rr.Score,
		Action:    verdict.Recommend(rr.Score, rr.Action, c.cfg.Threshold()),
		Source:    verdict.SourceRemote,
		UUID:      rr.UUID,
		VID:       rc.Cookies["_pxvid"],
		Reason:    reason,
		RTTMillis: rtt.Milliseconds(),
	}
	c.logger.DebugContext(ctx, "risk api verdict",
		"score", v.Score,
		"action", v.Action.String(),
		"uuid", v.UUID,
		"reason", string(reason),
		"rtt_ms", v.RTTMillis,
	)
	return v, nil
}

func (c *Client) buildRequest(rc *reqctx.Context, reason verdict.Reason) riskRequest {
	headers := make([]header, 0, len(rc.Header))
	for name, values := range rc.Header {
		if c.cfg.Sensitive(name) {
			continue
		}
		for _, v := range values {
			headers = append(headers, header{Name: strings.ToLower(name), Value: v})
		}
	}

	rr := riskRequest{
		Request: requestInfo{
			IP:         rc.IP,
			Headers:    headers,
			URL:        rc.URL,
			URI:        rc.URI,
			FirstParty: c.cfg.FirstParty(),
		},
		Additional: additional{
			CallReason:    string(reason),
			HTTPMethod:    rc.Method,
			HTTPVersion:   rc.Protocol,
			ModuleVersion: ModuleVersion,
			RiskMode:      string(c.cfg.ModuleMode),
			CookieOrigin:  rc.CookieOrigin,
		},
	}

	switch reason {
	case verdict.ReasonDecryptionFailed, verdict.ReasonValidationFailed, verdict.ReasonExpired:
		if rc.Mobile {
			rr.Additional.RawCookie = rc.MobileToken
		} else {
			rr.Additional.RawCookie = rc.Cookies[riskcookie.CookieName]
		}
	}
	return rr
}
