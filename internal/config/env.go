package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides are secrets that should not live in the config file.
type envOverrides struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	WebhookToken  string `envconfig:"WEBHOOK_TOKEN"`
	OpsToken      string `envconfig:"OPS_TOKEN"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
}

// EnvPrefix is the prefix for environment overrides (REMINDD_TELEGRAM_TOKEN, ...).
const EnvPrefix = "REMINDD"

// ApplyEnv overlays REMINDD_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var ov envOverrides
	if err := envconfig.Process(EnvPrefix, &ov); err != nil {
		return err
	}
	if v := strings.TrimSpace(ov.TelegramToken); v != "" {
		cfg.Gateway.Telegram.Token = v
	}
	if v := strings.TrimSpace(ov.WebhookToken); v != "" {
		cfg.Gateway.Webhook.Token = v
	}
	if v := strings.TrimSpace(ov.OpsToken); v != "" {
		cfg.Ops.Token = v
	}
	if v := strings.TrimSpace(ov.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}
