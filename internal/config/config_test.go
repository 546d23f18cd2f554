package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Policy.Weights.Sum(); got != 1.0 {
		t.Errorf("default weights sum = %f, want 1.0", got)
	}
	if cfg.Policy.AmountThresholdUSD != 10000 {
		t.Errorf("amount threshold = %f, want 10000", cfg.Policy.AmountThresholdUSD)
	}
	if cfg.Policy.MinApprovers != 1 {
		t.Errorf("min approvers = %d, want 1", cfg.Policy.MinApprovers)
	}
	if got := cfg.Server.Addr(); got != ":8080" {
		t.Errorf("addr = %q, want :8080", got)
	}
	if got := cfg.Storage.StorageDriver(); got != "memory" {
		t.Errorf("driver = %q, want memory", got)
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9090"
  enable_docs: true
policy:
  amount_threshold_usd: 25000
  role_members:
    risk: [alice, bob]
  trigger_roles:
    amount_threshold: [risk]
monitor:
  timeout_policy: auto_reject
  scan_interval_s: 15
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr())
	}
	if cfg.Policy.AmountThresholdUSD != 25000 {
		t.Errorf("amount threshold = %f, want 25000", cfg.Policy.AmountThresholdUSD)
	}
	if cfg.Monitor.Action() != TimeoutAutoReject {
		t.Errorf("timeout policy = %s, want auto_reject", cfg.Monitor.Action())
	}
	if cfg.Monitor.ScanInterval() != 15*time.Second {
		t.Errorf("scan interval = %s, want 15s", cfg.Monitor.ScanInterval())
	}
	// Explicit values survive default application.
	if cfg.Policy.CriticalAmountUSD != 100000 {
		t.Errorf("critical amount default not applied: %f", cfg.Policy.CriticalAmountUSD)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "weights must sum to one",
			yaml: `
policy:
  weights:
    volatility: 0.5
    position_size: 0.5
    liquidity: 0.5
`,
			wantErr: "weights must sum to 1.0",
		},
		{
			name: "invalid retention cron",
			yaml: `
monitor:
  retention_cron: "not a cron"
`,
			wantErr: "retention_cron invalid",
		},
		{
			name: "duplicate channel name",
			yaml: `
notification:
  channels:
    - name: ops
      type: slack
      enabled: true
    - name: ops
      type: webhook
      enabled: true
`,
			wantErr: `duplicate notification channel "ops"`,
		},
		{
			name: "fallback must exist",
			yaml: `
notification:
  channels:
    - name: ops
      type: slack
      enabled: true
      fallback: pager
`,
			wantErr: `fallback "pager" does not exist`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRADEGATE_DB_DSN", "postgres://gate:secret@db:5432/tradegate")
	t.Setenv("TRADEGATE_LISTEN_ADDR", ":7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.StorageDriver() != "postgres" {
		t.Errorf("driver = %q, want postgres from env DSN", cfg.Storage.StorageDriver())
	}
	if cfg.Storage.Postgres.DSN != "postgres://gate:secret@db:5432/tradegate" {
		t.Errorf("dsn = %q", cfg.Storage.Postgres.DSN)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen addr = %q, want :7070", cfg.Server.ListenAddr)
	}
}

func TestResolvedAPIKeys(t *testing.T) {
	t.Setenv("APPROVER_ALICE_KEY", "k-alice-1")

	s := ServerConfig{APIKeys: map[string]string{
		"static-key":             "bob",
		"env:APPROVER_ALICE_KEY": "alice",
		"env:UNSET_KEY_VAR":      "ghost",
	}}

	got := s.ResolvedAPIKeys()
	if got["static-key"] != "bob" {
		t.Errorf("static key not carried over: %v", got)
	}
	if got["k-alice-1"] != "alice" {
		t.Errorf("env key not expanded: %v", got)
	}
	if len(got) != 2 {
		t.Errorf("unset env var produced a key: %v", got)
	}
}

func TestPolicyConfig_PriorityLookups(t *testing.T) {
	p := &PolicyConfig{
		RequiredApprovals: map[string]int{"critical": 3},
		TimeoutMinutes:    map[string]int{"high": 90},
	}

	tests := []struct {
		prio         domain.Priority
		wantRequired int
		wantRejects  int
		wantTimeout  time.Duration
	}{
		{domain.PriorityCritical, 3, 1, 4 * time.Hour},
		{domain.PriorityHigh, 2, 1, 90 * time.Minute},
		{domain.PriorityNormal, 1, 2, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := p.RequiredFor(tt.prio); got != tt.wantRequired {
			t.Errorf("RequiredFor(%s) = %d, want %d", tt.prio, got, tt.wantRequired)
		}
		if got := p.MaxRejectionsFor(tt.prio); got != tt.wantRejects {
			t.Errorf("MaxRejectionsFor(%s) = %d, want %d", tt.prio, got, tt.wantRejects)
		}
		if got := p.TimeoutFor(tt.prio); got != tt.wantTimeout {
			t.Errorf("TimeoutFor(%s) = %s, want %s", tt.prio, got, tt.wantTimeout)
		}
	}
}

func TestMonitorConfig_Defaults(t *testing.T) {
	var m MonitorConfig

	if m.ScanInterval() != 60*time.Second {
		t.Errorf("scan interval = %s, want 60s", m.ScanInterval())
	}
	if m.Action() != TimeoutAutoEscalate {
		t.Errorf("action = %s, want auto_escalate", m.Action())
	}
	if m.IdleFraction() != 0.75 {
		t.Errorf("idle fraction = %f, want 0.75", m.IdleFraction())
	}
	if m.CriticalWindow() != time.Hour {
		t.Errorf("critical window = %s, want 1h", m.CriticalWindow())
	}
	if m.RetentionAge() != 90*24*time.Hour {
		t.Errorf("retention age = %s, want 2160h", m.RetentionAge())
	}

	m.TimeoutPolicy = "bogus"
	if m.Action() != TimeoutAutoEscalate {
		t.Errorf("unknown policy did not fall back to auto_escalate")
	}
}

func TestResilienceConfig_Defaults(t *testing.T) {
	var r ResilienceConfig

	if r.Failures() != 5 || r.Successes() != 2 || r.Retries() != 2 {
		t.Errorf("thresholds = %d/%d/%d, want 5/2/2", r.Failures(), r.Successes(), r.Retries())
	}
	if r.Cooldown() != 30*time.Second {
		t.Errorf("cooldown = %s, want 30s", r.Cooldown())
	}
	if r.CallTimeout() != 5*time.Second {
		t.Errorf("call timeout = %s, want 5s", r.CallTimeout())
	}
}

func TestNotificationConfig_Defaults(t *testing.T) {
	var n *NotificationConfig

	if n.RetryBaseDelay() != 500*time.Millisecond {
		t.Errorf("nil config base delay = %s, want 500ms", n.RetryBaseDelay())
	}
	if n.MaxAttempts() != 3 {
		t.Errorf("nil config max attempts = %d, want 3", n.MaxAttempts())
	}

	n = &NotificationConfig{RetryBaseDelayMS: 50, RetryMaxAttempts: 5}
	if n.RetryBaseDelay() != 50*time.Millisecond || n.MaxAttempts() != 5 {
		t.Errorf("explicit values not honored: %s/%d", n.RetryBaseDelay(), n.MaxAttempts())
	}
}
