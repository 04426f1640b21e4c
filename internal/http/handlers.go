package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pxgate/internal/activity"
	"pxgate/internal/config"
	"pxgate/internal/enforcer"
	"pxgate/internal/logging"
)

const (
	// reloadGrace lets requests still running on the previous enforcer
	// record their activities before its buffer is closed.
	reloadGrace  = 2 * time.Second
	drainTimeout = 10 * time.Second
)

// BuildFunc assembles an enforcer and its activity buffer from config.
type BuildFunc func(cfg *config.RootConfig) (*enforcer.Enforcer, *activity.Buffer, error)

// Controller bundles config, the live enforcer and its activity buffer for
// the admin handlers.
type Controller struct {
	mu         sync.RWMutex
	Cfg        *config.RootConfig
	Enforcer   *enforcer.Enforcer
	Buffer     *activity.Buffer
	ConfigPath string
	Build      BuildFunc
	Logger     *slog.Logger
}

type debugDecisionRequest struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	UserAgent string            `json:"userAgent"`
	IP        string            `json:"ip"`
	Headers   map[string]string `json:"headers"`
	Score     int               `json:"score"`
	Action    string            `json:"action"`
}

type statusResponse struct {
	ConfigVersion     string `json:"configVersion"`
	AppID             string `json:"appId"`
	ModuleEnabled     bool   `json:"moduleEnabled"`
	ModuleMode        string `json:"moduleMode"`
	FirstPartyEnabled bool   `json:"firstPartyEnabled"`
	PendingActivities int    `json:"pendingActivities"`
}

// Current returns the live enforcer.
func (c *Controller) Current() *enforcer.Enforcer {
	c.mu.RLock()
	enf := c.Enforcer
	c.mu.RUnlock()
	return enf
}

// ActivityBuffer returns the live activity buffer.
func (c *Controller) ActivityBuffer() *activity.Buffer {
	c.mu.RLock()
	buf := c.Buffer
	c.mu.RUnlock()
	return buf
}

// HandleStatus reports the active configuration.
func (c *Controller) HandleStatus(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	cfg, buf := c.Cfg, c.Buffer
	c.mu.RUnlock()

	if cfg == nil {
		http.Error(w, "config not loaded", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		ConfigVersion:     cfg.ConfigVersion,
		AppID:             cfg.Enforcer.AppID,
		ModuleEnabled:     cfg.Enforcer.Enabled(),
		ModuleMode:        string(cfg.Enforcer.ModuleMode),
		FirstPartyEnabled: cfg.Enforcer.FirstParty(),
	}
	if buf != nil {
		resp.PendingActivities = buf.Len()
	}
	writeJSON(w, resp)
}

// HandleAdminReload reloads config and swaps in a freshly built enforcer.
// The previous activity buffer is drained in the background after a grace
// period.
func (c *Controller) HandleAdminReload(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), c.Logger)

	cfgPath := c.ConfigPath
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	if c.Build == nil {
		http.Error(w, "reload not configured", http.StatusInternalServerError)
		return
	}

	newCfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("reload config failed", "path", cfgPath, "error", err)
		http.Error(w, "reload config failed", http.StatusInternalServerError)
		return
	}

	newEnf, newBuf, err := c.Build(newCfg)
	if err != nil {
		logger.Error("rebuild enforcer failed", "error", err)
		http.Error(w, "rebuild enforcer failed", http.StatusInternalServerError)
		return
	}

	c.mu.Lock()
	oldBuf := c.Buffer
	c.Cfg = newCfg
	c.Enforcer = newEnf
	c.Buffer = newBuf
	c.mu.Unlock()

	if oldBuf != nil && oldBuf != newBuf {
		go func() {
			time.Sleep(reloadGrace)
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			if err := oldBuf.Close(ctx); err != nil {
				logger.Warn("drain previous activity buffer", "error", err)
			}
		}()
	}

	logger.Info("config reloaded", "configVersion", newCfg.ConfigVersion, "moduleMode", newCfg.Enforcer.ModuleMode)
	writeJSON(w, map[string]any{
		"ok":            true,
		"configVersion": newCfg.ConfigVersion,
		"moduleMode":    newCfg.Enforcer.ModuleMode,
	})
}

// HandleDebugDecision explains how a synthetic request would be handled
// for a given score and action, without calling the risk API.
func (c *Controller) HandleDebugDecision(w http.ResponseWriter, r *http.Request) {
	var req debugDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	enf := c.Current()
	if enf == nil {
		http.Error(w, "enforcer not initialized", http.StatusInternalServerError)
		return
	}

	probe, err := req.toRequest(r.Context())
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	writeJSON(w, enf.Explain(probe, req.Score, req.Action))
}

func (d debugDecisionRequest) toRequest(ctx context.Context) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(d.Method))
	if method == "" {
		method = http.MethodGet
	}
	path := d.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, method, path, nil)
	if err != nil {
		return nil, err
	}
	for name, value := range d.Headers {
		req.Header.Set(name, value)
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}
	if d.IP != "" {
		req.RemoteAddr = net.JoinHostPort(d.IP, "0")
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		http.Error(w, "encode response failed", http.StatusInternalServerError)
	}
}
