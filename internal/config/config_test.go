package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cardstream/pkg/logx"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
provider: lark
identity: my-app
lark:
  app_id: cli_x
  app_secret: shh
delivery:
  min_update_interval: 500ms
  idle_finalize_after: 60s
  ttl: 1h
  sweep_interval: 30m
  credential_safety_margin: 60s
  max_retry_attempts: 3
  retry_base_delay: 200ms
  rate_per_sec: 5
logging:
  level: debug
  console: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider != "lark" || cfg.Identity != "my-app" {
		t.Fatalf("unexpected top-level config: %+v", cfg)
	}
	rt, err := cfg.DeliveryRuntime()
	if err != nil {
		t.Fatalf("delivery runtime: %v", err)
	}
	if rt.MinUpdateInterval != 500*time.Millisecond || rt.TTL != time.Hour || rt.SweepInterval != 30*time.Minute {
		t.Fatalf("unexpected durations: %+v", rt)
	}
	if rt.MaxRetryAttempts != 3 || rt.RatePerSec != 5 {
		t.Fatalf("unexpected ints: %+v", rt)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "provider": "telegram",
  "identity": "bot",
  "telegram": {"token": "123:abc"},
  "delivery": {"min_update_interval": "1s"},
  "logging": {"console": true}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram == nil || cfg.Telegram.Token != "123:abc" {
		t.Fatalf("telegram section lost: %+v", cfg)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.yaml", `
provider: telegram
identity: bot
telegram: {token: "t"}
delivery: {typo_field: "1s"}
logging: {console: true}
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing provider", Config{Identity: "x"}, "provider is required"},
		{"telegram without token", Config{Provider: "telegram", Identity: "x"}, "telegram.token"},
		{"lark without secret", Config{Provider: "lark", Identity: "x", Lark: &LarkConfig{AppID: "a"}}, "lark.app_id and lark.app_secret"},
		{"missing identity", Config{Provider: "telegram", Telegram: &TelegramConfig{Token: "t"}}, "identity is required"},
		{"bad duration", Config{Provider: "telegram", Identity: "x", Telegram: &TelegramConfig{Token: "t"}, Delivery: DeliveryConfig{TTL: "soon"}}, "invalid duration"},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}

	ok := Config{Provider: "telegram", Identity: "x", Telegram: &TelegramConfig{Token: "t"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default not applied: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "2s", 5*time.Second)
	if err != nil || d != 2*time.Second {
		t.Fatalf("explicit value lost: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
}

func TestManagerReloadPublishes(t *testing.T) {
	before := `
provider: telegram
identity: before
telegram: {token: "t"}
logging: {console: true}
`
	after := `
provider: telegram
identity: after
telegram: {token: "t"}
logging: {console: true}
`
	path := writeFile(t, "config.yaml", before)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond) // let the watcher arm

	if err := os.WriteFile(path, []byte(after), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Identity != "after" {
			t.Fatalf("stale config published: %+v", cfg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reload never published")
	}
	if got := m.Get(); got == nil || got.Identity != "after" {
		t.Fatalf("current config not replaced: %+v", got)
	}
	cancel()
	<-done
}

func TestManagerKeepsPreviousOnBadReload(t *testing.T) {
	good := `
provider: telegram
identity: keep
telegram: {token: "t"}
logging: {console: true}
`
	path := writeFile(t, "config.yaml", good)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := os.WriteFile(path, []byte("provider: ["), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected parse error")
	}
	if got := m.Get(); got == nil || got.Identity != "keep" {
		t.Fatalf("previous config lost: %+v", got)
	}
}
