// Package reqctx builds the per-request snapshot the enforcer works on.
package reqctx

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"

	"pxgate/internal/config"
)

const maxBodyBytes = 1 << 20

// ErrBodyTooLarge is returned by Body when the request body exceeds the
// buffering limit.
var ErrBodyTooLarge = errors.New("request body too large")

// Cookie origins.
const (
	OriginCookie = "cookie"
	OriginHeader = "header"
)

// Context is an immutable view of one inbound request. It is created at
// pipeline entry and must not be shared between requests.
type Context struct {
	Method    string
	Path      string
	URL       string
	URI       string
	Protocol  string
	Hostname  string
	IP        string
	Header    http.Header
	Cookies   map[string]string
	UserAgent string
	// MediaType is the request content type without parameters.
	MediaType string
	// Form holds values the host already parsed from the body.
	Form url.Values
	// MobileToken is the mobile SDK authorization header value; Mobile
	// reports whether the header was present at all.
	MobileToken  string
	Mobile       bool
	CookieOrigin string

	req      *http.Request
	bodyOnce sync.Once
	body     []byte
	bodyErr  error
}

// New snapshots r using the IP headers and mobile header from cfg.
func New(r *http.Request, cfg *config.Enforcer) *Context {
	c := &Context{
		Method:    strings.ToUpper(r.Method),
		Path:      r.URL.Path,
		URI:       r.URL.RequestURI(),
		Protocol:  fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		Hostname:  hostname(r.Host),
		Header:    r.Header,
		Cookies:   make(map[string]string),
		UserAgent: r.UserAgent(),
		req:       r,
	}
	if c.Path == "" {
		c.Path = "/"
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	c.URL = scheme + "://" + r.Host + c.URI

	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			c.MediaType = mt
		}
	}

	for _, ck := range r.Cookies() {
		if _, seen := c.Cookies[ck.Name]; !seen {
			c.Cookies[ck.Name] = ck.Value
		}
	}

	if r.PostForm != nil {
		c.Form = r.PostForm
	}

	c.CookieOrigin = OriginCookie
	if values, ok := r.Header[http.CanonicalHeaderKey(cfg.MobileHeader)]; ok {
		c.Mobile = true
		c.CookieOrigin = OriginHeader
		if len(values) > 0 {
			c.MobileToken = values[0]
		}
	}

	c.IP = resolveIP(r, cfg.IPHeaders)
	return c
}

// Body returns the raw request body. The request body is restored so the
// host can still read all of it, including past the buffering limit, in
// which case Body returns ErrBodyTooLarge.
func (c *Context) Body() ([]byte, error) {
	c.bodyOnce.Do(func() {
		if c.req == nil || c.req.Body == nil || c.req.Body == http.NoBody {
			return
		}
		orig := c.req.Body
		data, err := io.ReadAll(io.LimitReader(orig, maxBodyBytes+1))
		if err == nil && len(data) > maxBodyBytes {
			c.req.Body = readCloser{io.MultiReader(bytes.NewReader(data), orig), orig}
			c.bodyErr = ErrBodyTooLarge
			return
		}
		_ = orig.Close()
		c.req.Body = io.NopCloser(bytes.NewReader(data))
		c.body, c.bodyErr = data, err
	})
	return c.body, c.bodyErr
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Request returns the underlying request.
func (c *Context) Request() *http.Request { return c.req }

func resolveIP(r *http.Request, headers []string) string {
	for _, name := range headers {
		raw := r.Header.Get(name)
		if raw == "" {
			continue
		}
		first, _, _ := strings.Cut(raw, ",")
		first = strings.TrimSpace(first)
		if addr, err := netip.ParseAddr(first); err == nil {
			return addr.Unmap().String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return host
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
