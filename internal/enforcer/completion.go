package enforcer

import "net/http"

// Completion receives the result of EnforceWith exactly once.
type Completion interface {
	complete(err error, resp *Response)
}

// ResponseFunc is the single-argument completion: resp is nil when the
// request should pass.
type ResponseFunc func(resp *Response)

func (f ResponseFunc) complete(_ error, resp *Response) { f(resp) }

// ResultFunc is the two-argument completion. err is non-nil only when the
// host request was cancelled.
type ResultFunc func(err error, resp *Response)

func (f ResultFunc) complete(err error, resp *Response) { f(err, resp) }

// EnforceWith runs Enforce and hands the result to done.
func (e *Enforcer) EnforceWith(r *http.Request, done Completion) {
	out := e.Enforce(r)
	done.complete(out.Err, out.Response)
}
