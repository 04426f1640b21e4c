package enforcer

import "pxgate/internal/reqctx"

// Skip reasons reported in Outcome.Reason for requests that were not
// evaluated.
const (
	ReasonDisabled   = "module_disabled"
	ReasonRoute      = "route"
	ReasonMethod     = "method"
	ReasonUserAgent  = "user_agent"
	ReasonIP         = "ip"
	ReasonFirstParty = "first_party"
)

type filterHit struct {
	reason  string
	message string
}

// filter runs the hard filters in order. The first hit wins.
func (e *Enforcer) filter(rc *reqctx.Context) (filterHit, bool) {
	if hit, ok := e.cfg.FilterByRoute.Match(rc.Path); ok {
		msg := "Found whitelist route " + rc.Path
		if hit.IsPattern() {
			msg = "Found whitelist route by Regex " + rc.Path
		}
		return filterHit{reason: ReasonRoute, message: msg}, true
	}
	if _, ok := e.cfg.Methods().Match(rc.Method); ok {
		return filterHit{
			reason:  ReasonMethod,
			message: "Skipping verification for filtered method " + rc.Method,
		}, true
	}
	if _, ok := e.cfg.UserAgents().Match(rc.UserAgent); ok && rc.UserAgent != "" {
		return filterHit{
			reason:  ReasonUserAgent,
			message: "Skipping verification for filtered user agent " + rc.UserAgent,
		}, true
	}
	if _, ok := e.cfg.IPRanges().Contains(rc.IP); ok {
		return filterHit{
			reason:  ReasonIP,
			message: "Skipping verification for filtered ip address " + rc.IP,
		}, true
	}
	return filterHit{}, false
}
