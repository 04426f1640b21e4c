package policy

import (
	"fmt"

	"pxgate/internal/verdict"
)

// RoutePolicy says whether a route may receive enforcement responses.
type RoutePolicy int

const (
	Enforce RoutePolicy = iota
	MonitorOnly
)

func (p RoutePolicy) String() string {
	if p == MonitorOnly {
		return "monitor_only"
	}
	return "enforce"
}

func (p RoutePolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *RoutePolicy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "enforce":
		*p = Enforce
	case "monitor_only":
		*p = MonitorOnly
	default:
		return fmt.Errorf("unknown route policy %q", b)
	}
	return nil
}

// DecisionContext is the input to Decide.
type DecisionContext struct {
	Path string `json:"path"`
	// Bypass is the value of the bypass-monitor header, empty when absent.
	Bypass string         `json:"bypass"`
	Score  int            `json:"score"`
	Action verdict.Action `json:"-"`
}

// MetaInfo carries rule hits for debugging.
type MetaInfo struct {
	RuleIds []string `json:"ruleIds"`
	Tags    []string `json:"tags"`
	Explain []string `json:"explain"`

	// FromMode is set when the policy fell back to the global mode because
	// no route list is configured.
	FromMode bool `json:"fromMode"`
}

// DecisionResult is the reconciled enforcement intent. Apply reports
// whether Action must be turned into a response.
type DecisionResult struct {
	Policy RoutePolicy    `json:"policy"`
	Apply  bool           `json:"apply"`
	Action verdict.Action `json:"-"`
	Meta   MetaInfo       `json:"meta"`
}
