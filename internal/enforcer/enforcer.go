// Package enforcer runs the per-request enforcement pipeline: hard filters,
// first-party relay, verdict resolution, route policy and response
// construction.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"pxgate/internal/activity"
	"pxgate/internal/config"
	"pxgate/internal/firstparty"
	"pxgate/internal/logging"
	"pxgate/internal/metrics"
	"pxgate/internal/policy"
	"pxgate/internal/reqctx"
	"pxgate/internal/riskapi"
	"pxgate/internal/riskcookie"
	"pxgate/internal/verdict"
)

// CookieReader yields the cookie verdict, or the reason it is unusable.
type CookieReader interface {
	Read(rc *reqctx.Context) (verdict.Verdict, verdict.Reason)
}

// Options carries the enforcer's collaborators. Nil fields get defaults
// built from the configuration.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Collectors
	Evaluator  riskapi.Evaluator
	Cookies    CookieReader
	Activities activity.Recorder
	Relay      *firstparty.Relay
	HTTPClient *http.Client
	Now        func() time.Time
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	// Passed is true when the host should continue handling the request.
	Passed bool
	// Reason names the hard filter or stage that let the request through
	// without evaluation, empty for evaluated requests.
	Reason   string
	Action   verdict.Action
	Verdict  *verdict.Verdict
	Policy   policy.RoutePolicy
	Response *Response
	// Err is set only when the host request was cancelled mid-evaluation.
	Err error
}

// Enforcer is safe for concurrent use. Its configuration is immutable; a
// reload builds a new Enforcer.
type Enforcer struct {
	cfg        *config.Enforcer
	engine     *policy.Engine
	cookies    CookieReader
	evaluator  riskapi.Evaluator
	relay      *firstparty.Relay
	activities activity.Recorder
	logger     *slog.Logger
	metrics    *metrics.Collectors
	now        func() time.Time
}

// New validates cfg and assembles the pipeline.
func New(cfg *config.Enforcer, opts Options) (*Enforcer, error) {
	if cfg == nil {
		return nil, &config.ConfigError{Field: "enforcer", Msg: "is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Cookies == nil {
		opts.Cookies = riskcookie.New(cfg)
	}
	if opts.Evaluator == nil {
		opts.Evaluator = riskapi.New(cfg, riskapi.Options{
			HTTPClient: opts.HTTPClient,
			Logger:     opts.Logger,
			Metrics:    opts.Metrics,
		})
	}
	if opts.Relay == nil {
		opts.Relay = firstparty.New(cfg, firstparty.Options{
			HTTPClient: opts.HTTPClient,
			Logger:     opts.Logger,
			Metrics:    opts.Metrics,
		})
	}
	if opts.Activities == nil {
		opts.Activities = activity.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Enforcer{
		cfg:        cfg,
		engine:     policy.NewEngine(cfg),
		cookies:    opts.Cookies,
		evaluator:  opts.Evaluator,
		relay:      opts.Relay,
		activities: opts.Activities,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}, nil
}

// Config returns the enforcer's configuration.
func (e *Enforcer) Config() *config.Enforcer { return e.cfg }

// Enforce runs the pipeline for r. It never panics into the caller; a
// failure inside the pipeline lets the request through.
func (e *Enforcer) Enforce(r *http.Request) (out Outcome) {
	ctx := r.Context()
	logger := logging.FromContext(ctx, e.logger)

	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "enforcer panic, passing request", "panic", fmt.Sprint(p), "path", r.URL.Path)
			e.metrics.Outcome("pass")
			out = Outcome{Passed: true}
		}
	}()

	if !e.cfg.Enabled() {
		logger.DebugContext(ctx, "Request will not be verified, module is disabled")
		e.metrics.Outcome("pass")
		return Outcome{Passed: true, Reason: ReasonDisabled}
	}

	rc := reqctx.New(r, e.cfg)

	if hit, ok := e.filter(rc); ok {
		logger.DebugContext(ctx, hit.message, "filter", hit.reason)
		e.metrics.Filter(hit.reason)
		e.metrics.Outcome("filtered")
		return Outcome{Passed: true, Reason: hit.reason}
	}

	if !rc.Mobile {
		if route, ok := e.relay.Match(rc.Path); ok {
			return e.serveFirstParty(ctx, logger, rc, route)
		}
	}

	v, err := e.resolve(ctx, logger, rc)
	if err != nil {
		logger.DebugContext(ctx, "request cancelled during evaluation", "path", rc.Path, "error", err)
		e.metrics.Outcome("pass")
		return Outcome{Passed: true, Verdict: &v, Err: err}
	}

	dec := e.engine.Decide(policy.DecisionContext{
		Path:   rc.Path,
		Bypass: e.bypassValue(rc),
		Score:  v.Score,
		Action: v.Action,
	})
	e.record(rc, v, dec)

	out = Outcome{Passed: true, Action: verdict.ActionNone, Verdict: &v, Policy: dec.Policy}
	if !dec.Apply {
		if v.Action != verdict.ActionNone {
			logger.DebugContext(ctx, "enforcement suppressed", "action", v.Action.String(), "score", v.Score, "explain", dec.Meta.Explain)
			e.metrics.Outcome("monitor")
		} else {
			e.metrics.Outcome("pass")
		}
		return out
	}

	resp, err := e.respond(rc, v)
	if err != nil {
		logger.ErrorContext(ctx, "build enforcement response failed, passing request", "error", err)
		e.metrics.Outcome("pass")
		return out
	}

	logger.InfoContext(ctx, "request enforced",
		"action", v.Action.String(),
		"path", rc.Path,
		"ip", rc.IP,
		"score", v.Score,
		"uuid", v.UUID,
		"source", v.Source.String(),
	)
	e.metrics.Outcome(v.Action.String())
	out.Passed = false
	out.Action = v.Action
	out.Response = resp
	return out
}

func (e *Enforcer) serveFirstParty(ctx context.Context, logger *slog.Logger, rc *reqctx.Context, route firstparty.Route) Outcome {
	res, err := e.relay.Serve(ctx, rc, route)
	if err != nil {
		if ctx.Err() != nil {
			e.metrics.Outcome("pass")
			return Outcome{Passed: true, Reason: ReasonFirstParty, Err: ctx.Err()}
		}
		logger.WarnContext(ctx, "first-party relay failed", "kind", route.Kind, "error", err)
		e.metrics.Outcome("relay")
		return Outcome{Reason: ReasonFirstParty, Response: relayResponse(http.StatusBadGateway, nil, nil)}
	}
	e.metrics.Outcome("relay")
	return Outcome{Reason: ReasonFirstParty, Response: relayResponse(res.StatusCode, res.Header, res.Body)}
}

// resolve returns the cookie verdict, else the remote verdict, else a
// fail-open verdict. The error is non-nil only on cancellation.
func (e *Enforcer) resolve(ctx context.Context, logger *slog.Logger, rc *reqctx.Context) (verdict.Verdict, error) {
	v, reason := e.cookies.Read(rc)
	if reason == verdict.ReasonNone {
		e.metrics.Cookie("valid")
		logger.DebugContext(ctx, "cookie verdict", "score", v.Score, "action", v.Action.String(), "uuid", v.UUID)
		return v, nil
	}
	e.metrics.Cookie(string(reason))

	v, err := e.evaluator.Evaluate(ctx, rc, reason)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil {
		return verdict.FailOpen(verdict.ReasonRequestCanceled), ctx.Err()
	}

	var rce *riskapi.RemoteCallError
	if errors.As(err, &rce) {
		logger.WarnContext(ctx, "risk api call failed, failing open", "status", rce.StatusCode, "error", err)
	} else {
		logger.WarnContext(ctx, "risk evaluation failed, failing open", "error", err)
	}

	fo := verdict.FailOpen(verdict.ReasonRiskAPIError)
	fo.UUID = uuid.NewString()
	fo.VID = rc.Cookies["_pxvid"]
	return fo, nil
}

func (e *Enforcer) bypassValue(rc *reqctx.Context) string {
	if e.cfg.BypassMonitorHeader == "" {
		return ""
	}
	return rc.Header.Get(e.cfg.BypassMonitorHeader)
}

// record enqueues the single activity of an evaluated request.
func (e *Enforcer) record(rc *reqctx.Context, v verdict.Verdict, dec policy.DecisionResult) {
	details := map[string]any{
		"block_score":    v.Score,
		"client_uuid":    v.UUID,
		"risk_rtt":       v.RTTMillis,
		"http_method":    rc.Method,
		"http_version":   rc.Protocol,
		"cookie_origin":  rc.CookieOrigin,
		"module_version": riskapi.ModuleVersion,
		"verdict_source": v.Source.String(),
		"route_policy":   dec.Policy.String(),
	}
	if v.Reason != verdict.ReasonNone {
		details["s2s_call_reason"] = string(v.Reason)
	}

	typ := activity.TypePageRequested
	if v.Action != verdict.ActionNone {
		typ = activity.TypeBlock
		details["block_action"] = v.Action.Code()
		details["simulated_block"] = !dec.Apply
	}

	e.activities.Enqueue(activity.Event{
		Type:      typ,
		Timestamp: e.now().UnixMilli(),
		SocketIP:  rc.IP,
		URL:       rc.URL,
		AppID:     e.cfg.AppID,
		VID:       v.VID,
		Headers:   e.activityHeaders(rc),
		Details:   details,
	})
}

func (e *Enforcer) activityHeaders(rc *reqctx.Context) map[string]string {
	out := make(map[string]string, len(rc.Header))
	for name, values := range rc.Header {
		if e.cfg.Sensitive(name) || len(values) == 0 {
			continue
		}
		out[strings.ToLower(name)] = values[0]
	}
	return out
}
