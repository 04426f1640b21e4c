package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pxgate/internal/matcher"
)

const (
	defaultBlockingScore         = 100
	defaultActivityBatchSize     = 20
	defaultActivityFlushInterval = 5 * time.Second
	defaultAPITimeout            = time.Second
	defaultFirstPartyTimeout     = 4 * time.Second
	defaultCookieMaxIterations   = 5000
	defaultMobileHeader          = "x-px-authorization"
	defaultClientURL             = "https://client.perimeterx.net"
	defaultListenAddr            = ":8080"
	defaultLogLevel              = "info"
	defaultLogFormat             = "text"
)

// Activity sinks.
const (
	SinkCollector = "collector"
	SinkLog       = "log"
)

// Mode is the global operating mode.
type Mode string

const (
	ModeMonitor        Mode = "monitor"
	ModeActiveBlocking Mode = "active_blocking"
)

// ConfigError reports an invalid or missing configuration field. It is the
// only fatal error of the enforcer and is raised at load or construction.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Enforcer is the enforcement configuration. It is read-only once Validate
// has returned.
type Enforcer struct {
	ModuleEnabled            *bool         `yaml:"moduleEnabled" json:"moduleEnabled"`
	ModuleMode               Mode          `yaml:"moduleMode" json:"moduleMode"`
	BlockingScore            *int          `yaml:"blockingScore" json:"blockingScore"`
	AppID                    string        `yaml:"appId" json:"appId"`
	CookieSecret             string        `yaml:"cookieSecret" json:"-"`
	AuthToken                string        `yaml:"authToken" json:"-"`
	IPHeaders                []string      `yaml:"ipHeaders" json:"ipHeaders"`
	BypassMonitorHeader      string        `yaml:"bypassMonitorHeader" json:"bypassMonitorHeader"`
	FilterByRoute            matcher.List  `yaml:"filterByRoute" json:"-"`
	MonitoredRoutes          matcher.List  `yaml:"monitoredRoutes" json:"-"`
	EnforcedRoutes           matcher.List  `yaml:"enforcedRoutes" json:"-"`
	FilterByUserAgent        matcher.List  `yaml:"filterByUserAgent" json:"-"`
	FilterByIP               []string      `yaml:"filterByIP" json:"filterByIP"`
	FilterByHTTPMethod       []string      `yaml:"filterByHttpMethod" json:"filterByHttpMethod"`
	AdvancedBlockingResponse *bool         `yaml:"advancedBlockingResponse" json:"advancedBlockingResponse"`
	FirstPartyEnabled        *bool         `yaml:"firstPartyEnabled" json:"firstPartyEnabled"`
	MaxActivityBatchSize     int           `yaml:"maxActivityBatchSize" json:"maxActivityBatchSize"`
	ActivityFlushInterval    time.Duration `yaml:"activityFlushInterval" json:"activityFlushInterval"`
	BackendURL               string        `yaml:"backendUrl" json:"backendUrl"`
	CollectorURL             string        `yaml:"collectorUrl" json:"collectorUrl"`
	ClientURL                string        `yaml:"clientUrl" json:"clientUrl"`
	APITimeout               time.Duration `yaml:"apiTimeout" json:"apiTimeout"`
	FirstPartyTimeout        time.Duration `yaml:"firstPartyTimeout" json:"firstPartyTimeout"`
	CookieMaxIterations      int           `yaml:"cookieMaxIterations" json:"cookieMaxIterations"`
	SensitiveHeaders         []string      `yaml:"sensitiveHeaders" json:"sensitiveHeaders"`
	MobileHeader             string        `yaml:"mobileHeader" json:"mobileHeader"`

	// derived by Validate
	ipRanges     matcher.Ranges
	methods      matcher.List
	userAgents   matcher.List
	sensitiveSet map[string]struct{}
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// RootConfig is the full gateway configuration.
type RootConfig struct {
	ListenAddr    string    `yaml:"listenAddr" json:"listenAddr"`
	UpstreamURL   string    `yaml:"upstreamUrl" json:"upstreamUrl"`
	AdminToken    string    `yaml:"adminToken" json:"-"`
	ConfigVersion string    `yaml:"configVersion" json:"configVersion"`
	// ActivitySink is "collector" (default) or "log".
	ActivitySink string    `yaml:"activitySink" json:"activitySink"`
	Log          LogConfig `yaml:"log" json:"log"`
	Enforcer     Enforcer  `yaml:"enforcer" json:"enforcer"`
}

// Load reads YAML config, applies environment overrides and validates it.
func Load(path string) (*RootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*RootConfig, error) {
	var cfg RootConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *RootConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("ENFORCER_COOKIE_SECRET")); v != "" {
		c.Enforcer.CookieSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("ENFORCER_AUTH_TOKEN")); v != "" {
		c.Enforcer.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("ENFORCER_ADMIN_TOKEN")); v != "" {
		c.AdminToken = v
	}
}

// Validate ensures required fields exist and fills defaults.
func (c *RootConfig) Validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.UpstreamURL != "" {
		if err := checkURL("upstreamUrl", c.UpstreamURL); err != nil {
			return err
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
	switch strings.ToLower(c.ActivitySink) {
	case "":
		c.ActivitySink = SinkCollector
	case SinkCollector, SinkLog:
		c.ActivitySink = strings.ToLower(c.ActivitySink)
	default:
		return invalid("activitySink", "must be %q or %q, got %q", SinkCollector, SinkLog, c.ActivitySink)
	}
	return c.Enforcer.Validate()
}

// Validate checks the enforcement settings and derives the matcher sets.
func (e *Enforcer) Validate() error {
	if strings.TrimSpace(e.AppID) == "" {
		return invalid("appId", "is required")
	}
	if e.CookieSecret == "" {
		return invalid("cookieSecret", "is required")
	}
	if e.AuthToken == "" {
		return invalid("authToken", "is required")
	}

	if e.ModuleEnabled == nil {
		e.ModuleEnabled = boolPtr(true)
	}
	switch Mode(strings.ToLower(string(e.ModuleMode))) {
	case "":
		e.ModuleMode = ModeMonitor
	case ModeMonitor, ModeActiveBlocking:
		e.ModuleMode = Mode(strings.ToLower(string(e.ModuleMode)))
	default:
		return invalid("moduleMode", "must be %q or %q, got %q", ModeMonitor, ModeActiveBlocking, e.ModuleMode)
	}

	if e.BlockingScore == nil {
		e.BlockingScore = intPtr(defaultBlockingScore)
	}
	if s := *e.BlockingScore; s < 0 || s > 100 {
		return invalid("blockingScore", "must be within 0..100, got %d", s)
	}

	if e.AdvancedBlockingResponse == nil {
		e.AdvancedBlockingResponse = boolPtr(true)
	}
	if e.FirstPartyEnabled == nil {
		e.FirstPartyEnabled = boolPtr(true)
	}
	if e.MaxActivityBatchSize <= 0 {
		e.MaxActivityBatchSize = defaultActivityBatchSize
	}
	if e.ActivityFlushInterval <= 0 {
		e.ActivityFlushInterval = defaultActivityFlushInterval
	}
	if e.APITimeout <= 0 {
		e.APITimeout = defaultAPITimeout
	}
	if e.FirstPartyTimeout <= 0 {
		e.FirstPartyTimeout = defaultFirstPartyTimeout
	}
	if e.CookieMaxIterations <= 0 {
		e.CookieMaxIterations = defaultCookieMaxIterations
	}
	if e.MobileHeader == "" {
		e.MobileHeader = defaultMobileHeader
	}
	if len(e.SensitiveHeaders) == 0 {
		e.SensitiveHeaders = []string{"cookie", "cookies"}
	}

	appID := strings.ToLower(e.AppID)
	if e.BackendURL == "" {
		e.BackendURL = fmt.Sprintf("https://sapi-%s.perimeterx.net", appID)
	}
	if e.CollectorURL == "" {
		e.CollectorURL = fmt.Sprintf("https://collector-%s.perimeterx.net", appID)
	}
	if e.ClientURL == "" {
		e.ClientURL = defaultClientURL
	}
	for field, raw := range map[string]string{
		"backendUrl":   e.BackendURL,
		"collectorUrl": e.CollectorURL,
		"clientUrl":    e.ClientURL,
	} {
		if err := checkURL(field, raw); err != nil {
			return err
		}
	}

	ranges, err := matcher.ParseRanges(e.FilterByIP)
	if err != nil {
		return invalid("filterByIP", "%v", err)
	}
	e.ipRanges = ranges
	e.methods = matcher.Literals(e.FilterByHTTPMethod...).Fold()
	e.userAgents = e.FilterByUserAgent.Fold()

	e.sensitiveSet = make(map[string]struct{}, len(e.SensitiveHeaders))
	for _, h := range e.SensitiveHeaders {
		e.sensitiveSet[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}

	return nil
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalid(field, "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid(field, "scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return invalid(field, "host is required")
	}
	return nil
}

// Enabled reports whether the module verifies requests at all.
func (e *Enforcer) Enabled() bool { return e.ModuleEnabled == nil || *e.ModuleEnabled }

// ActiveBlocking reports whether the global mode is active blocking.
func (e *Enforcer) ActiveBlocking() bool { return e.ModuleMode == ModeActiveBlocking }

// Threshold returns the blocking-score threshold.
func (e *Enforcer) Threshold() int {
	if e.BlockingScore == nil {
		return defaultBlockingScore
	}
	return *e.BlockingScore
}

// AdvancedBlocking reports whether JSON block responses are enabled.
func (e *Enforcer) AdvancedBlocking() bool {
	return e.AdvancedBlockingResponse == nil || *e.AdvancedBlockingResponse
}

// FirstParty reports whether first-party paths are proxied upstream.
func (e *Enforcer) FirstParty() bool { return e.FirstPartyEnabled == nil || *e.FirstPartyEnabled }

// IPRanges returns the parsed filterByIP ranges.
func (e *Enforcer) IPRanges() matcher.Ranges { return e.ipRanges }

// Methods returns the case-insensitive method filter.
func (e *Enforcer) Methods() matcher.List { return e.methods }

// UserAgents returns the case-insensitive user-agent filter.
func (e *Enforcer) UserAgents() matcher.List { return e.userAgents }

// Sensitive reports whether header name must not leave the process.
func (e *Enforcer) Sensitive(name string) bool {
	_, ok := e.sensitiveSet[strings.ToLower(name)]
	return ok
}

// FirstPartyPrefix is the path segment the first-party routes live under:
// the app id without its "PX" prefix.
func (e *Enforcer) FirstPartyPrefix() string {
	id := e.AppID
	if len(id) > 2 && strings.EqualFold(id[:2], "px") {
		id = id[2:]
	}
	return "/" + id
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }
