package config

import (
	"reflect"
	"strings"

	logx "remindd/pkg/logx"
)

// SummarizeConfigChange returns the changed section names, safe attrs for
// logging (never tokens), and whether any changed section needs a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	restart := false

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = true
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Preferences != newCfg.Preferences {
		changed = append(changed, "preferences")
		restart = true
		attrs = append(attrs, logx.String("preferences.dir", newCfg.Preferences.Dir))
	}

	if oldCfg.Recurrence != newCfg.Recurrence {
		changed = append(changed, "recurrence")
		attrs = append(attrs, logx.Int("recurrence.horizon_weeks", newCfg.Recurrence.HorizonOrDefault()))
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		if s, err := newCfg.Dispatch.Settings(); err == nil {
			attrs = append(attrs,
				logx.Bool("dispatch.enabled", s.Enabled),
				logx.Duration("dispatch.every", s.Every),
				logx.Duration("dispatch.lookback", s.Lookback),
				logx.Int("dispatch.workers", s.Workers),
				logx.Int("dispatch.rate_per_sec", s.RatePerSec),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.String("retention.schedule", strings.TrimSpace(newCfg.Retention.Schedule)),
			logx.String("retention.window", strings.TrimSpace(newCfg.Retention.Window)),
		)
	}

	if oldCfg.Gateway != newCfg.Gateway {
		changed = append(changed, "gateway")
		restart = true
		attrs = append(attrs,
			logx.String("gateway.driver", newCfg.Gateway.Driver),
			logx.Bool("gateway.telegram_token_set", strings.TrimSpace(newCfg.Gateway.Telegram.Token) != ""),
			logx.Bool("gateway.webhook_token_set", strings.TrimSpace(newCfg.Gateway.Webhook.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		restart = true
		attrs = append(attrs,
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}
	return changed, attrs, restart
}
