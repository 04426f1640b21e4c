package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"

	"pxgate/internal/activity"
	"pxgate/internal/config"
	"pxgate/internal/enforcer"
	"pxgate/internal/reqctx"
	"pxgate/internal/riskapi"
	"pxgate/internal/verdict"
)

// blockingEvaluator blocks every request whose path starts with /blocked.
var blockingEvaluator = riskapi.EvaluatorFunc(func(_ context.Context, rc *reqctx.Context, reason verdict.Reason) (verdict.Verdict, error) {
	if strings.HasPrefix(rc.Path, "/blocked") {
		return verdict.Verdict{Score: 100, Action: verdict.ActionBlock, Source: verdict.SourceRemote, UUID: "uuid-1", Reason: reason}, nil
	}
	return verdict.Verdict{Source: verdict.SourceRemote, Reason: reason}, nil
})

func testRootConfig(version string) *config.RootConfig {
	return &config.RootConfig{
		ConfigVersion: version,
		Enforcer: config.Enforcer{
			AppID:        "PX_APP_ID",
			CookieSecret: "secret",
			AuthToken:    "token",
			ModuleMode:   config.ModeActiveBlocking,
		},
	}
}

func buildFunc() BuildFunc {
	return func(cfg *config.RootConfig) (*enforcer.Enforcer, *activity.Buffer, error) {
		buf := activity.NewBuffer(activity.SenderFunc(func(context.Context, []activity.Event) error { return nil }), activity.BufferOptions{})
		enf, err := enforcer.New(&cfg.Enforcer, enforcer.Options{Evaluator: blockingEvaluator, Activities: buf})
		return enf, buf, err
	}
}

func newController(t *testing.T) *Controller {
	t.Helper()
	cfg := testRootConfig("v1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	build := buildFunc()
	enf, buf, err := build(cfg)
	if err != nil {
		t.Fatalf("build enforcer: %v", err)
	}
	t.Cleanup(func() { _ = buf.Close(context.Background()) })
	return &Controller{Cfg: cfg, Enforcer: enf, Buffer: buf, Build: build}
}

func upstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "upstream")
	})
}

func TestAuthMiddleware(t *testing.T) {
	h := AuthMiddleware("admin-token")(upstream())

	cases := []struct {
		auth string
		want int
	}{
		{auth: "", want: http.StatusUnauthorized},
		{auth: "Basic abc", want: http.StatusUnauthorized},
		{auth: "Bearer nope", want: http.StatusForbidden},
		{auth: "Bearer admin-token", want: http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/_enforcer/api/v0/status", nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("auth %q: expected status %d, got %d", tc.auth, tc.want, w.Code)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	AuthMiddleware("")(upstream()).ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("empty admin token must reject, got %d", w.Code)
	}
}

func TestMiddlewareWithChi(t *testing.T) {
	ctrl := newController(t)

	r := chi.NewRouter()
	r.Use(Middleware(ctrl, nil))
	r.Handle("/*", upstream())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/blocked/page", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, w.Code)
	}
	if !strings.Contains(w.Body.String(), "Access to this page has been denied") {
		t.Fatalf("expected block page, got %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	if w.Code != http.StatusOK || w.Body.String() != "upstream" {
		t.Fatalf("expected pass-through, got %d %q", w.Code, w.Body.String())
	}
}

func TestMiddlewareWithoutEnforcerPasses(t *testing.T) {
	h := Middleware(Static(nil), nil)(upstream())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/blocked", nil))
	if w.Body.String() != "upstream" {
		t.Fatalf("expected pass-through, got %q", w.Body.String())
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctrl := newController(t)

	r := gin.New()
	r.Use(GinMiddleware(ctrl))
	r.NoRoute(func(c *gin.Context) { c.String(http.StatusOK, "upstream") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/blocked/api", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json block response, got %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode block response: %v", err)
	}
	if body["action"] != "b" || body["appId"] != "PX_APP_ID" {
		t.Fatalf("unexpected block response: %v", body)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	if w.Code != http.StatusOK || w.Body.String() != "upstream" {
		t.Fatalf("expected pass-through, got %d %q", w.Code, w.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	ctrl := newController(t)

	w := httptest.NewRecorder()
	ctrl.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/_enforcer/api/v0/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.ConfigVersion != "v1" || resp.AppID != "PX_APP_ID" || resp.ModuleMode != "active_blocking" {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if !resp.ModuleEnabled || !resp.FirstPartyEnabled {
		t.Fatalf("expected defaults enabled: %+v", resp)
	}
}

func TestHandleDebugDecision(t *testing.T) {
	ctrl := newController(t)

	payload := map[string]any{
		"method":    "GET",
		"path":      "/checkout",
		"userAgent": "Mozilla/5.0",
		"ip":        "203.0.113.9",
		"score":     100,
		"action":    "c",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	w := httptest.NewRecorder()
	ctrl.HandleDebugDecision(w, httptest.NewRequest(http.MethodPost, "/_enforcer/api/v0/debug/decision", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var ex enforcer.Explanation
	if err := json.Unmarshal(w.Body.Bytes(), &ex); err != nil {
		t.Fatalf("decode explanation: %v", err)
	}
	if !ex.Apply || ex.Action != "challenge" {
		t.Fatalf("expected challenge to apply, got %+v", ex)
	}
	if len(ex.Meta.Explain) == 0 {
		t.Fatalf("expected explain lines")
	}
	if ctrl.Buffer.Len() != 0 {
		t.Fatalf("debug decision must not record activity")
	}

	w = httptest.NewRecorder()
	ctrl.HandleDebugDecision(w, httptest.NewRequest(http.MethodPost, "/_enforcer/api/v0/debug/decision", strings.NewReader("{")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandleAdminReload(t *testing.T) {
	ctrl := newController(t)
	before := ctrl.Current()
	oldBuf := ctrl.Buffer

	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
configVersion: v2
enforcer:
  appId: PX_APP_ID
  cookieSecret: secret
  authToken: token
  moduleMode: monitor
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	ctrl.ConfigPath = path

	w := httptest.NewRecorder()
	ctrl.HandleAdminReload(w, httptest.NewRequest(http.MethodPost, "/_enforcer/api/v0/admin/reload", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if ctrl.Current() == before {
		t.Fatalf("expected a new enforcer after reload")
	}
	if ctrl.Cfg.ConfigVersion != "v2" || ctrl.Cfg.Enforcer.ModuleMode != config.ModeMonitor {
		t.Fatalf("config not swapped: %+v", ctrl.Cfg)
	}
	t.Cleanup(func() { _ = ctrl.Buffer.Close(context.Background()) })

	// in-flight requests on the previous enforcer still record activities
	oldBuf.Enqueue(activity.Event{Type: activity.TypePageRequested})
	if oldBuf.Len() != 1 {
		t.Fatalf("previous buffer closed before the reload grace period")
	}

	// monitor mode now lets blocked paths through
	h := Middleware(ctrl, nil)(upstream())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blocked", nil))
	if rec.Body.String() != "upstream" {
		t.Fatalf("expected pass-through after reload, got %d", rec.Code)
	}
}

func TestHandleAdminReloadKeepsConfigOnError(t *testing.T) {
	ctrl := newController(t)
	before := ctrl.Current()
	ctrl.ConfigPath = filepath.Join(t.TempDir(), "missing.yaml")

	w := httptest.NewRecorder()
	ctrl.HandleAdminReload(w, httptest.NewRequest(http.MethodPost, "/_enforcer/api/v0/admin/reload", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if ctrl.Current() != before {
		t.Fatalf("enforcer must be kept when reload fails")
	}
}
