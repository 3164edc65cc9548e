package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/remindd.db
preferences:
  dir: ./prefs
gateway:
  driver: log
dispatch:
  lookback: 0s
  workers: 8
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAMLCoercion(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Preferences.Dir != "./prefs" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	ds, err := cfg.Dispatch.Settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if ds.Lookback != 0 {
		t.Fatalf("explicit 0s lookback should stay zero, got %v", ds.Lookback)
	}
	if ds.Workers != 8 || ds.BatchSize != DefaultDispatchBatch || ds.Every != DefaultDispatchEvery {
		t.Fatalf("unexpected dispatch settings: %+v", ds)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
	}{
		{"yaml", "c.yaml", sampleYAML + "bogus: 1\n"},
		{"json", "c.json", `{"storage":{"driver":"file","path":"x","extra":true}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, tc.file, tc.body)
			_, err := NewConfigManager(p).Parse()
			if err == nil || !strings.Contains(err.Error(), "unknown field") {
				t.Fatalf("expected unknown field error, got %v", err)
			}
		})
	}
}

func TestDecodeStrictTrailingData(t *testing.T) {
	var cfg Config
	err := DecodeStrict("c.json", []byte(`{} {}`), &cfg)
	if !errors.Is(err, ErrTrailingData) {
		t.Fatalf("expected ErrTrailingData, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Storage:     StorageConfig{Driver: "file", Path: "x"},
			Preferences: PreferencesConfig{Dir: "prefs"},
			Gateway:     GatewayConfig{Driver: "log"},
		}
	}
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing driver", func(c *Config) { c.Storage.Driver = "" }, "storage.driver"},
		{"bad duration", func(c *Config) { c.Dispatch.Every = "soon" }, "dispatch.every"},
		{"telegram token", func(c *Config) { c.Gateway.Driver = "telegram" }, "gateway.telegram.token"},
		{"horizon", func(c *Config) { c.Recurrence.HorizonWeeks = 100 }, "horizon_weeks"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tc.mutate(c)
			err := Validate(c)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q in error, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("REMINDD_TELEGRAM_TOKEN", "tok")
	t.Setenv("REMINDD_OPS_TOKEN", "ops")
	cfg := &Config{}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("env: %v", err)
	}
	if cfg.Gateway.Telegram.Token != "tok" || cfg.Ops.Token != "ops" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Gateway: GatewayConfig{Driver: "log"}}
	newCfg := &Config{Gateway: GatewayConfig{Driver: "log"}, Dispatch: DispatchConfig{Every: "30s"}}
	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "dispatch" || restart {
		t.Fatalf("changed=%v restart=%v", changed, restart)
	}
	newCfg.Gateway.Telegram.Token = "secret"
	_, _, restart = SummarizeConfigChange(oldCfg, newCfg)
	if !restart {
		t.Fatal("gateway change should require restart")
	}
}

func TestDurationAllowZero(t *testing.T) {
	d, err := durationAllowZero("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("got %v %v", d, err)
	}
	d, err = durationAllowZero("x", "0s", time.Minute)
	if err != nil || d != 0 {
		t.Fatalf("got %v %v", d, err)
	}
}
