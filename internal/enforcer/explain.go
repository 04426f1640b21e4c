package enforcer

import (
	"net/http"

	"pxgate/internal/policy"
	"pxgate/internal/reqctx"
	"pxgate/internal/verdict"
)

// Explanation is a dry-run trace of the pipeline for a synthetic request.
type Explanation struct {
	Enabled    bool               `json:"enabled"`
	Filter     string             `json:"filter,omitempty"`
	FirstParty string             `json:"firstParty,omitempty"`
	Policy     policy.RoutePolicy `json:"policy"`
	Apply      bool               `json:"apply"`
	Action     string             `json:"action"`
	Meta       policy.MetaInfo    `json:"meta"`
}

// Explain reports how r would be handled for a verdict with score and wire
// action code. It makes no remote call and records no activity.
func (e *Enforcer) Explain(r *http.Request, score int, code string) Explanation {
	ex := Explanation{Enabled: e.cfg.Enabled(), Action: verdict.ActionNone.String()}
	if !ex.Enabled {
		ex.Meta.Explain = []string{"module disabled"}
		return ex
	}

	rc := reqctx.New(r, e.cfg)
	if hit, ok := e.filter(rc); ok {
		ex.Filter = hit.reason
		ex.Meta.Explain = []string{hit.message}
		return ex
	}
	if !rc.Mobile {
		if route, ok := e.relay.Match(rc.Path); ok {
			ex.FirstParty = string(route.Kind)
			ex.Meta.Explain = []string{"first-party " + string(route.Kind) + " route"}
			return ex
		}
	}

	action := verdict.Recommend(score, code, e.cfg.Threshold())
	dec := e.engine.Decide(policy.DecisionContext{
		Path:   rc.Path,
		Bypass: e.bypassValue(rc),
		Score:  score,
		Action: action,
	})
	ex.Policy = dec.Policy
	ex.Apply = dec.Apply
	ex.Action = action.String()
	ex.Meta = dec.Meta
	return ex
}
