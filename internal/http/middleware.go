package http

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"pxgate/internal/enforcer"
	"pxgate/internal/logging"
)

// Source yields the enforcer currently in effect. It may change between
// requests when the configuration is reloaded.
type Source interface {
	Current() *enforcer.Enforcer
}

type staticSource struct{ enf *enforcer.Enforcer }

func (s staticSource) Current() *enforcer.Enforcer { return s.enf }

// Static wraps a fixed enforcer as a Source.
func Static(enf *enforcer.Enforcer) Source { return staticSource{enf: enf} }

// AuthMiddleware validates Bearer tokens.
func AuthMiddleware(apiToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiToken == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiToken)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Middleware enforces every request before handing it to next. Blocked,
// challenged and first-party requests are answered here; cancelled
// requests are dropped.
func Middleware(src Source, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			enf := src.Current()
			if enf == nil {
				next.ServeHTTP(w, r)
				return
			}

			if id := middleware.GetReqID(r.Context()); id != "" {
				r = r.WithContext(logging.WithLogger(r.Context(), logger.With("request_id", id)))
			}

			out := enf.Enforce(r)
			switch {
			case out.Response != nil:
				out.Response.Write(w)
			case out.Err != nil:
				// client went away
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
