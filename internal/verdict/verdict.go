// Package verdict holds the risk verdict exchanged between the verdict
// sources (cookie, remote risk API) and the decision pipeline.
package verdict

// Action is the recommended enforcement action.
type Action int

const (
	ActionNone Action = iota
	ActionChallenge
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionChallenge:
		return "challenge"
	case ActionBlock:
		return "block"
	default:
		return "none"
	}
}

// Code is the single-letter wire code used by cookies and the risk API.
func (a Action) Code() string {
	switch a {
	case ActionChallenge:
		return "c"
	case ActionBlock:
		return "b"
	default:
		return ""
	}
}

// ParseCode maps a wire action code. Unknown codes on a high score fall
// back to a challenge.
func ParseCode(code string) Action {
	if code == "b" {
		return ActionBlock
	}
	return ActionChallenge
}

// Recommend returns the action a verdict source recommends for score: the
// wire action when score reaches threshold, none otherwise.
func Recommend(score int, code string, threshold int) Action {
	if score < threshold {
		return ActionNone
	}
	return ParseCode(code)
}

// Source tells where a verdict came from.
type Source int

const (
	SourceCookie Source = iota
	SourceRemote
)

func (s Source) String() string {
	if s == SourceCookie {
		return "cookie"
	}
	return "remote"
}

// Reason explains why the cookie fast path was not used, or why a verdict
// degraded. It is sent upstream as s2s_call_reason.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNoCookie         Reason = "no_cookie"
	ReasonDecryptionFailed Reason = "cookie_decryption_failed"
	ReasonValidationFailed Reason = "cookie_validation_failed"
	ReasonExpired          Reason = "cookie_expired"
	ReasonMobileError      Reason = "mobile_sdk_connection_error"
	ReasonRiskAPIError     Reason = "risk_api_error"
	ReasonRequestCanceled  Reason = "request_canceled"
)

// Verdict is the risk assessment of one request.
type Verdict struct {
	Score  int
	Action Action
	Source Source
	UUID   string
	VID    string
	// Reason is set on remote verdicts to the cookie failure that caused the
	// call, and on fail-open verdicts to the failure.
	Reason Reason
	// RTTMillis is the remote call round trip, zero for cookie verdicts.
	RTTMillis int64
}

// FailOpen is the verdict used when no verdict could be obtained.
func FailOpen(reason Reason) Verdict {
	return Verdict{Action: ActionNone, Source: SourceRemote, Reason: reason}
}
