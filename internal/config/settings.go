package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied when a field is omitted.
const (
	DefaultHorizonWeeks      = 8
	DefaultPrefDebounce      = 250 * time.Millisecond
	DefaultPrefShards        = 4
	DefaultDispatchEvery     = 60 * time.Second
	DefaultDispatchWindow    = 60 * time.Second
	DefaultDispatchLookback  = 5 * time.Minute
	DefaultDispatchBatch     = 500
	DefaultDispatchWorkers   = 4
	DefaultDispatchRate      = 20
	DefaultSendTimeout       = 10 * time.Second
	DefaultRetentionSchedule = "@daily"
	DefaultRetentionWindow   = 7 * 24 * time.Hour
	DefaultOpsAddr           = "127.0.0.1:8080"
	DefaultGatewayTitle      = "Study reminder"
)

// DispatchSettings is DispatchConfig with defaults resolved.
type DispatchSettings struct {
	Enabled     bool
	Every       time.Duration
	Window      time.Duration
	Lookback    time.Duration
	BatchSize   int
	Workers     int
	RatePerSec  int
	SendTimeout time.Duration
}

func (c DispatchConfig) Settings() (DispatchSettings, error) {
	s := DispatchSettings{
		Enabled:    BoolOr(c.Enabled, true),
		BatchSize:  c.BatchSize,
		Workers:    c.Workers,
		RatePerSec: c.RatePerSec,
	}
	var err error
	if s.Every, err = ParseDurationOrDefault("dispatch.every", c.Every, DefaultDispatchEvery); err != nil {
		return s, err
	}
	if s.Window, err = ParseDurationOrDefault("dispatch.window", c.Window, DefaultDispatchWindow); err != nil {
		return s, err
	}
	// an explicit "0s" lookback means the literal [now, now+window] sweep
	if s.Lookback, err = durationAllowZero("dispatch.lookback", c.Lookback, DefaultDispatchLookback); err != nil {
		return s, err
	}
	if s.SendTimeout, err = ParseDurationOrDefault("dispatch.send_timeout", c.SendTimeout, DefaultSendTimeout); err != nil {
		return s, err
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultDispatchBatch
	}
	if s.Workers <= 0 {
		s.Workers = DefaultDispatchWorkers
	}
	if s.RatePerSec <= 0 {
		s.RatePerSec = DefaultDispatchRate
	}
	return s, nil
}

// RetentionSettings is RetentionConfig with defaults resolved.
type RetentionSettings struct {
	Schedule   string
	Window     time.Duration
	RunOnStart bool
}

func (c RetentionConfig) Settings() (RetentionSettings, error) {
	s := RetentionSettings{
		Schedule:   strings.TrimSpace(c.Schedule),
		RunOnStart: BoolOr(c.RunOnStart, true),
	}
	if s.Schedule == "" {
		s.Schedule = DefaultRetentionSchedule
	}
	var err error
	s.Window, err = ParseDurationOrDefault("retention.window", c.Window, DefaultRetentionWindow)
	return s, err
}

// OpsSettings is OpsConfig with defaults resolved.
type OpsSettings struct {
	Enabled      bool
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        bool
}

func (c OpsConfig) Settings() (OpsSettings, error) {
	s := OpsSettings{
		Enabled: BoolOr(c.Enabled, true),
		Addr:    strings.TrimSpace(c.Addr),
		Token:   strings.TrimSpace(c.Token),
		Pprof:   c.Pprof,
	}
	if s.Addr == "" {
		s.Addr = DefaultOpsAddr
	}
	var err error
	if s.ReadTimeout, err = ParseDurationOrDefault("ops.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return s, err
	}
	s.WriteTimeout, err = ParseDurationOrDefault("ops.write_timeout", c.WriteTimeout, 30*time.Second)
	return s, err
}

// DebounceOrDefault returns the preference watch debounce.
func (c PreferencesConfig) DebounceOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("preferences.debounce", c.Debounce, DefaultPrefDebounce)
}

func (c PreferencesConfig) ShardsOrDefault() int {
	if c.Shards <= 0 {
		return DefaultPrefShards
	}
	return c.Shards
}

func (c RecurrenceConfig) HorizonOrDefault() int {
	if c.HorizonWeeks <= 0 {
		return DefaultHorizonWeeks
	}
	return c.HorizonWeeks
}

// Validate checks static constraints. It reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path: required")
		}
	case "":
		add("storage.driver: required (sqlite|file)")
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if strings.TrimSpace(cfg.Preferences.Dir) == "" {
		add("preferences.dir: required")
	}
	if _, err := cfg.Preferences.DebounceOrDefault(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Recurrence.HorizonWeeks < 0 || cfg.Recurrence.HorizonWeeks > 52 {
		add("recurrence.horizon_weeks: must be within 0..52")
	}

	if _, err := cfg.Dispatch.Settings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Retention.Settings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Ops.Settings(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Driver)) {
	case "telegram":
		if strings.TrimSpace(cfg.Gateway.Telegram.Token) == "" {
			add("gateway.telegram.token: required (or REMINDD_TELEGRAM_TOKEN)")
		}
	case "webhook":
		if strings.TrimSpace(cfg.Gateway.Webhook.URL) == "" {
			add("gateway.webhook.url: required")
		}
	case "log":
	case "":
		add("gateway.driver: required (telegram|webhook|log)")
	default:
		add("gateway.driver: unknown driver %q", cfg.Gateway.Driver)
	}

	if cfg.Logging.Alert.Enabled && strings.TrimSpace(cfg.Logging.Alert.Address) == "" {
		add("logging.alert.address: required when alerts are enabled")
	}
	return errors.Join(errs...)
}
