package config

// Config is the root of the remindd config file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Preferences PreferencesConfig `json:"preferences"`
	Recurrence  RecurrenceConfig  `json:"recurrence,omitempty"`
	Dispatch    DispatchConfig    `json:"dispatch,omitempty"`
	Retention   RetentionConfig   `json:"retention,omitempty"`
	Gateway     GatewayConfig     `json:"gateway"`
	Ops         OpsConfig         `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warnings to an operator through the delivery gateway.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the occurrence store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/remindd.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | file
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// PreferencesConfig points at the directory of per-owner recurrence documents.
type PreferencesConfig struct {
	Dir      string `json:"dir"`
	Debounce string `json:"debounce,omitempty"` // default 250ms
	Shards   int    `json:"shards,omitempty"`   // per-owner serial workers, default 4
}

type RecurrenceConfig struct {
	HorizonWeeks int `json:"horizon_weeks,omitempty"` // default 8
}

// DispatchConfig controls the dispatch poller.
//
// Defaults (when fields are omitted/zero):
//   - every: "60s"
//   - window: "60s"
//   - lookback: "5m"
//   - batch_size: 500
//   - workers: 4
//   - rate_per_sec: 20
//   - send_timeout: "10s"
type DispatchConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Every       string `json:"every,omitempty"`
	Window      string `json:"window,omitempty"`
	Lookback    string `json:"lookback,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// RetentionConfig controls the retention sweeper.
type RetentionConfig struct {
	Schedule   string `json:"schedule,omitempty"` // cron spec, default "@daily"
	Window     string `json:"window,omitempty"`   // default "168h"
	RunOnStart *bool  `json:"run_on_start,omitempty"`
}

// GatewayConfig selects the push delivery driver.
type GatewayConfig struct {
	Driver   string          `json:"driver"` // telegram | webhook | log
	Title    string          `json:"title,omitempty"`
	Telegram TelegramGateway `json:"telegram,omitempty"`
	Webhook  WebhookGateway  `json:"webhook,omitempty"`
}

type TelegramGateway struct {
	Token string `json:"token,omitempty"` // prefer REMINDD_TELEGRAM_TOKEN
}

type WebhookGateway struct {
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"` // prefer REMINDD_WEBHOOK_TOKEN
}

// OpsConfig controls the operational HTTP endpoints.
//
// Security note: prefer binding to localhost. The token (if set) is
// required as a bearer token on /v1/* routes; /healthz and /readyz are open.
type OpsConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	Token        string `json:"token,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"` // mount net/http/pprof under /debug/pprof/ (loopback or token)
}

// BoolOr returns *p or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
