package policy

import (
	"fmt"

	"pxgate/internal/config"
	"pxgate/internal/matcher"
	"pxgate/internal/verdict"
)

// BypassValue is the only bypass header value that lifts monitor
// suppression.
const BypassValue = "1"

// Engine resolves route policy and reconciles it with the global mode. It
// is a pure function of its configuration.
type Engine struct {
	cfg *config.Enforcer
}

// NewEngine constructs a policy engine.
func NewEngine(cfg *config.Enforcer) *Engine {
	return &Engine{cfg: cfg}
}

// Route resolves the policy of path.
func (e *Engine) Route(path string) (RoutePolicy, MetaInfo) {
	meta := MetaInfo{
		RuleIds: []string{},
		Tags:    []string{"mode_" + string(e.cfg.ModuleMode)},
		Explain: []string{},
	}

	switch {
	case len(e.cfg.EnforcedRoutes) > 0:
		if hit, ok := e.cfg.EnforcedRoutes.Match(path); ok {
			meta.RuleIds = append(meta.RuleIds, ruleID("enforcedRoutes", hit))
			meta.Explain = append(meta.Explain, "path matches enforced route "+hit.String())
			return Enforce, meta
		}
		meta.Explain = append(meta.Explain, "path outside enforced routes")
		return MonitorOnly, meta

	case len(e.cfg.MonitoredRoutes) > 0:
		if hit, ok := e.cfg.MonitoredRoutes.Match(path); ok {
			meta.RuleIds = append(meta.RuleIds, ruleID("monitoredRoutes", hit))
			meta.Explain = append(meta.Explain, "path matches monitored route "+hit.String())
			return MonitorOnly, meta
		}
		meta.Explain = append(meta.Explain, "path outside monitored routes")
		return Enforce, meta
	}

	meta.FromMode = true
	if e.cfg.ActiveBlocking() {
		meta.Explain = append(meta.Explain, "no route partition, global mode active_blocking")
		return Enforce, meta
	}
	meta.Explain = append(meta.Explain, "no route partition, global mode monitor")
	return MonitorOnly, meta
}

// Decide reconciles route policy, global mode, bypass header and verdict.
func (e *Engine) Decide(ctx DecisionContext) DecisionResult {
	pol, meta := e.Route(ctx.Path)
	res := DecisionResult{Policy: pol, Action: ctx.Action, Meta: meta}

	switch {
	case ctx.Action == verdict.ActionNone:
		res.Meta.Explain = append(res.Meta.Explain, "no action recommended")
	case pol == MonitorOnly && !meta.FromMode:
		res.Meta.Explain = append(res.Meta.Explain, "monitor-only route, "+ctx.Action.String()+" suppressed")
	case e.cfg.ActiveBlocking():
		res.Apply = true
		res.Meta.Explain = append(res.Meta.Explain, "active blocking, applying "+ctx.Action.String())
	case e.bypassed(ctx):
		res.Apply = true
		res.Meta.Tags = append(res.Meta.Tags, "bypass_monitor")
		res.Meta.Explain = append(res.Meta.Explain, "bypass header set, applying "+ctx.Action.String())
	default:
		res.Meta.Explain = append(res.Meta.Explain, fmt.Sprintf("monitor mode, %s suppressed (score %d)", ctx.Action, ctx.Score))
	}
	return res
}

func (e *Engine) bypassed(ctx DecisionContext) bool {
	return e.cfg.BypassMonitorHeader != "" &&
		ctx.Bypass == BypassValue &&
		ctx.Score >= e.cfg.Threshold()
}

func ruleID(list string, hit matcher.Entry) string {
	return list + ":" + hit.String()
}
