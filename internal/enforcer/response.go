package enforcer

import (
	"bytes"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"pxgate/internal/reqctx"
	"pxgate/internal/verdict"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	contentTypeJSON = "application/json"
	contentTypeHTML = "text/html; charset=utf-8"
	captchaHost     = "https://captcha.px-cdn.net"
)

// Response is an answer produced by the enforcer instead of the host.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Write copies the response to w.
func (r *Response) Write(w http.ResponseWriter) {
	h := w.Header()
	for name, values := range r.Header {
		h[name] = append([]string(nil), values...)
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) > 0 {
		_, _ = w.Write(r.Body)
	}
}

type pageData struct {
	AppID       string
	UUID        string
	VID         string
	JSClientSrc string
	HostURL     string
	BlockScript string
	FirstParty  bool
}

type advancedBody struct {
	AppID             string `json:"appId"`
	Action            string `json:"action"`
	Score             int    `json:"score"`
	UUID              string `json:"uuid"`
	VID               string `json:"vid"`
	JSClientSrc       string `json:"jsClientSrc"`
	FirstPartyEnabled bool   `json:"firstPartyEnabled"`
	HostURL           string `json:"hostUrl"`
	BlockScript       string `json:"blockScript"`
}

type mobileBody struct {
	Action       string `json:"action"`
	UUID         string `json:"uuid"`
	VID          string `json:"vid"`
	AppID        string `json:"appId"`
	Page         string `json:"page"`
	CollectorURL string `json:"collectorUrl"`
}

// respond builds the block or challenge answer for v.
func (e *Enforcer) respond(rc *reqctx.Context, v verdict.Verdict) (*Response, error) {
	data := e.pageData(rc, v)

	switch {
	case rc.Mobile:
		page, err := renderPage(v.Action, data)
		if err != nil {
			return nil, err
		}
		return jsonResponse(mobileBody{
			Action:       v.Action.String(),
			UUID:         v.UUID,
			VID:          v.VID,
			AppID:        e.cfg.AppID,
			Page:         base64.StdEncoding.EncodeToString(page),
			CollectorURL: e.cfg.CollectorURL,
		})

	case e.cfg.AdvancedBlocking() && rc.MediaType == contentTypeJSON:
		return jsonResponse(advancedBody{
			AppID:             e.cfg.AppID,
			Action:            v.Action.Code(),
			Score:             v.Score,
			UUID:              v.UUID,
			VID:               v.VID,
			JSClientSrc:       data.JSClientSrc,
			FirstPartyEnabled: data.FirstParty,
			HostURL:           data.HostURL,
			BlockScript:       data.BlockScript,
		})
	}

	page, err := renderPage(v.Action, data)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: http.StatusForbidden,
		Header:     baseHeader(contentTypeHTML),
		Body:       page,
	}, nil
}

func (e *Enforcer) pageData(rc *reqctx.Context, v verdict.Verdict) pageData {
	d := pageData{
		AppID:      e.cfg.AppID,
		UUID:       v.UUID,
		VID:        v.VID,
		FirstParty: e.cfg.FirstParty(),
	}
	if d.FirstParty && !rc.Mobile {
		prefix := e.cfg.FirstPartyPrefix()
		d.JSClientSrc = prefix + "/init.js"
		d.HostURL = prefix + "/xhr"
	} else {
		d.JSClientSrc = fmt.Sprintf("%s/%s/main.min.js", strings.TrimSuffix(e.cfg.ClientURL, "/"), e.cfg.AppID)
		d.HostURL = e.cfg.CollectorURL
	}

	q := url.Values{}
	q.Set("a", v.Action.Code())
	q.Set("u", v.UUID)
	q.Set("v", v.VID)
	q.Set("m", "0")
	if rc.Mobile {
		q.Set("m", "1")
	}
	d.BlockScript = fmt.Sprintf("%s/%s/captcha.js?%s", captchaHost, e.cfg.AppID, q.Encode())
	return d
}

func renderPage(action verdict.Action, data pageData) ([]byte, error) {
	name := "block.html"
	if action == verdict.ActionChallenge {
		name = "challenge.html"
	}
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func jsonResponse(v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode block response: %w", err)
	}
	return &Response{
		StatusCode: http.StatusForbidden,
		Header:     baseHeader(contentTypeJSON),
		Body:       body,
	}, nil
}

func baseHeader(contentType string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache, no-store")
	return h
}

func relayResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{StatusCode: status, Header: header, Body: body}
}
