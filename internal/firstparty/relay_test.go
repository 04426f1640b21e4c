package firstparty

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pxgate/internal/config"
	"pxgate/internal/reqctx"
)

func testConfig(t *testing.T, upstream string, enabled bool) *config.Enforcer {
	t.Helper()
	cfg := &config.Enforcer{
		AppID:             "PX_APP_ID",
		CookieSecret:      "secret",
		AuthToken:         "token",
		IPHeaders:         []string{"x-px-true-ip"},
		FirstPartyEnabled: &enabled,
	}
	if upstream != "" {
		cfg.ClientURL = upstream
		cfg.CollectorURL = upstream
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestMatch(t *testing.T) {
	relay := New(testConfig(t, "", true), Options{})

	cases := []struct {
		path string
		ok   bool
		want Route
	}{
		{path: "/_APP_ID/init.js", ok: true, want: Route{Kind: KindClient}},
		{path: "/_APP_ID/xhr/api/v2/collector", ok: true, want: Route{Kind: KindXHR, Rest: "/api/v2/collector"}},
		{path: "/_APP_ID/xhr", ok: false},
		{path: "/_APP_ID/init.jsx", ok: false},
		{path: "/PX_APP_ID/init.js", ok: false},
		{path: "/profile", ok: false},
	}
	for _, tc := range cases {
		got, ok := relay.Match(tc.path)
		assert.Equal(t, tc.ok, ok, tc.path)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.path)
		}
	}
}

func TestServeClientScript(t *testing.T) {
	var gotPath string
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Clone()
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Connection", "close")
		_, _ = io.WriteString(w, "console.log('px')")
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL, true)
	relay := New(cfg, Options{HTTPClient: srv.Client()})

	r := httptest.NewRequest(http.MethodGet, "/_APP_ID/init.js", nil)
	r.Header.Set("X-PX-True-IP", "198.51.100.4")
	r.AddCookie(&http.Cookie{Name: "_pxvid", Value: "vid-3"})
	r.AddCookie(&http.Cookie{Name: "session", Value: "secret"})
	rc := reqctx.New(r, cfg)

	route, ok := relay.Match(rc.Path)
	require.True(t, ok)
	res, err := relay.Serve(context.Background(), rc, route)
	require.NoError(t, err)

	assert.Equal(t, "/PX_APP_ID/main.min.js", gotPath)
	assert.Equal(t, "1", gotHeader.Get("X-PX-First-Party"))
	assert.Equal(t, "198.51.100.4", gotHeader.Get("X-PX-Enforcer-True-IP"))
	assert.Equal(t, "198.51.100.4", gotHeader.Get("X-Forwarded-For"))
	assert.Equal(t, "pxvid=vid-3", gotHeader.Get("Cookie"))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "console.log('px')", string(res.Body))
	assert.Equal(t, "application/javascript", res.Header.Get("Content-Type"))
	assert.Empty(t, res.Header.Get("Connection"))
}

func TestServeXHRForwardsMethodQueryAndBody(t *testing.T) {
	var gotMethod, gotURI, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotURI = r.URL.RequestURI()
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL, true)
	relay := New(cfg, Options{HTTPClient: srv.Client()})

	r := httptest.NewRequest(http.MethodPost, "/_APP_ID/xhr/api/v2/collector?appId=PX_APP_ID", strings.NewReader("payload=abc"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rc := reqctx.New(r, cfg)

	route, ok := relay.Match(rc.Path)
	require.True(t, ok)
	res, err := relay.Serve(context.Background(), rc, route)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v2/collector?appId=PX_APP_ID", gotURI)
	assert.Equal(t, "payload=abc", gotBody)
	assert.Equal(t, "application/x-www-form-urlencoded", gotType)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestServeXHRStreamsLargeBody(t *testing.T) {
	var got int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = len(b)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL, true)
	relay := New(cfg, Options{HTTPClient: srv.Client()})

	payload := strings.Repeat("a", 2<<20)
	r := httptest.NewRequest(http.MethodPost, "/_APP_ID/xhr/api/v2/collector", strings.NewReader(payload))
	rc := reqctx.New(r, cfg)

	route, ok := relay.Match(rc.Path)
	require.True(t, ok)
	res, err := relay.Serve(context.Background(), rc, route)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, len(payload), got)
}

func TestServeXHRReencodesParsedForm(t *testing.T) {
	var gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL, true)
	relay := New(cfg, Options{HTTPClient: srv.Client()})

	r := httptest.NewRequest(http.MethodPost, "/_APP_ID/xhr/api/v2/collector", strings.NewReader("payload=abc&appId=x"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.NoError(t, r.ParseForm())
	rc := reqctx.New(r, cfg)

	route, _ := relay.Match(rc.Path)
	_, err := relay.Serve(context.Background(), rc, route)
	require.NoError(t, err)

	parsed, err := url.ParseQuery(gotBody)
	require.NoError(t, err)
	assert.Equal(t, "abc", parsed.Get("payload"))
	assert.Equal(t, "x", parsed.Get("appId"))
	assert.Equal(t, "application/x-www-form-urlencoded", gotType)
}

func TestServeUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream := srv.URL
	srv.Close()

	cfg := testConfig(t, upstream, true)
	relay := New(cfg, Options{})

	rc := reqctx.New(httptest.NewRequest(http.MethodGet, "/_APP_ID/init.js", nil), cfg)
	route, _ := relay.Match(rc.Path)
	res, err := relay.Serve(context.Background(), rc, route)
	require.Error(t, err)
	assert.Nil(t, res)

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, KindClient, ue.Kind)
}

func TestServeDisabledAnswersLocally(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	cfg := testConfig(t, srv.URL, false)
	relay := New(cfg, Options{HTTPClient: srv.Client()})

	rc := reqctx.New(httptest.NewRequest(http.MethodGet, "/_APP_ID/init.js", nil), cfg)
	route, _ := relay.Match(rc.Path)
	res, err := relay.Serve(context.Background(), rc, route)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, res.Body)
	assert.Equal(t, "application/javascript", res.Header.Get("Content-Type"))

	r := httptest.NewRequest(http.MethodPost, "/_APP_ID/xhr/api/v2/collector", strings.NewReader("{}"))
	r.Header.Set("Content-Type", "application/json")
	rc = reqctx.New(r, cfg)
	route, _ = relay.Match(rc.Path)
	res, err = relay.Serve(context.Background(), rc, route)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(res.Body))

	assert.Zero(t, calls)
}
