package app

import (
	"strings"
	"time"

	"remindd/internal/config"
	"remindd/internal/dispatch"
	"remindd/internal/gateway"
	"remindd/internal/ops"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapGatewayConfig(cfg *config.Config, sendTimeout time.Duration) gateway.Config {
	return gateway.Config{
		Driver:        cfg.Gateway.Driver,
		TelegramToken: strings.TrimSpace(cfg.Gateway.Telegram.Token),
		WebhookURL:    strings.TrimSpace(cfg.Gateway.Webhook.URL),
		WebhookToken:  strings.TrimSpace(cfg.Gateway.Webhook.Token),
		HTTPTimeout:   sendTimeout,
	}
}

func mapDispatchConfig(s config.DispatchSettings) dispatch.Config {
	return dispatch.Config{
		Window:      s.Window,
		Lookback:    s.Lookback,
		BatchSize:   s.BatchSize,
		Workers:     s.Workers,
		RatePerSec:  s.RatePerSec,
		SendTimeout: s.SendTimeout,
	}
}

func mapOpsConfig(s config.OpsSettings) ops.Config {
	return ops.Config{
		Enabled:      s.Enabled,
		Addr:         s.Addr,
		Token:        s.Token,
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		Pprof:        s.Pprof,
	}
}

func gatewayTitle(cfg *config.Config) string {
	if t := strings.TrimSpace(cfg.Gateway.Title); t != "" {
		return t
	}
	return config.DefaultGatewayTitle
}
