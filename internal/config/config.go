// Package config handles loading and validating TradeGate configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/halcyonlabs/tradegate/internal/domain"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for TradeGate.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = in-memory store.
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Monitor       MonitorConfig        `json:"monitor" yaml:"monitor"`
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"` // nil = notifications disabled.
	Resilience    ResilienceConfig     `json:"resilience" yaml:"resilience"`
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`       // nil = unlimited.
}

// ServerConfig configures the HTTP API gateway.
type ServerConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs"`
	APIKeys    map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key → approver ID. Keys may be env var names prefixed with "env:".
}

// Addr returns the listen address, defaulting to ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// ResolvedAPIKeys expands "env:VAR" keys against the environment.
func (s ServerConfig) ResolvedAPIKeys() map[string]string {
	out := make(map[string]string, len(s.APIKeys))
	for key, approver := range s.APIKeys {
		if len(key) > 4 && key[:4] == "env:" {
			if v := os.Getenv(key[4:]); v != "" {
				out[v] = approver
			}
			continue
		}
		out[key] = approver
	}
	return out
}

// StorageConfig configures the persistence backend.
// When nil, requests live in an in-memory store (tests, local development).
type StorageConfig struct {
	Driver   string          `json:"driver" yaml:"driver"` // "memory" (default), "sqlite" or "postgres".
	SQLite   *SQLiteConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "memory".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "memory"
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode" yaml:"journal_mode"` // "wal" (default).
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Overridden by TRADEGATE_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800.
}

// RiskWeights are the weighted-sum coefficients of the composite risk score.
// They must sum to 1.0, validated at load. Never silently renormalized.
type RiskWeights struct {
	Volatility            float64 `json:"volatility" yaml:"volatility"`
	PositionSize          float64 `json:"position_size" yaml:"position_size"`
	Liquidity             float64 `json:"liquidity" yaml:"liquidity"`
	MarketCondition       float64 `json:"market_condition" yaml:"market_condition"`
	HistoricalPerformance float64 `json:"historical_performance" yaml:"historical_performance"`
}

// Sum returns the total of all weights.
func (w RiskWeights) Sum() float64 {
	return w.Volatility + w.PositionSize + w.Liquidity + w.MarketCondition + w.HistoricalPerformance
}

// PolicyConfig holds risk evaluation thresholds and approver routing.
type PolicyConfig struct {
	Weights RiskWeights `json:"weights" yaml:"weights"`

	// Trigger thresholds.
	AmountThresholdUSD    float64 `json:"amount_threshold_usd" yaml:"amount_threshold_usd"`       // Default: 10000.
	CriticalAmountUSD     float64 `json:"critical_amount_usd" yaml:"critical_amount_usd"`         // Default: 100000.
	RiskScoreThreshold    float64 `json:"risk_score_threshold" yaml:"risk_score_threshold"`       // Default: 0.7.
	ConcentrationLimit    float64 `json:"concentration_limit" yaml:"concentration_limit"`         // Max single-position weight. Default: 0.25.
	SectorExposureLimit   float64 `json:"sector_exposure_limit" yaml:"sector_exposure_limit"`     // Default: 0.40.
	CorrelationLimit      float64 `json:"correlation_limit" yaml:"correlation_limit"`             // Default: 0.80.
	BudgetUtilizationWarn float64 `json:"budget_utilization_warn" yaml:"budget_utilization_warn"` // Default: 0.90.
	TrustScoreFloor       float64 `json:"trust_score_floor" yaml:"trust_score_floor"`             // Default: 0.40.
	AnomalyScoreThreshold float64 `json:"anomaly_score_threshold" yaml:"anomaly_score_threshold"` // Default: 0.85.
	SkipFirstActionCheck  bool    `json:"skip_first_action_check" yaml:"skip_first_action_check"` // Default: false (first session action triggers review).

	// Approver routing: trigger type → role names, role → member IDs.
	TriggerRoles map[string][]string `json:"trigger_roles" yaml:"trigger_roles"`
	RoleMembers  map[string][]string `json:"role_members" yaml:"role_members"`
	VetoRoles    []string            `json:"veto_roles" yaml:"veto_roles"`

	EmergencyApprovers []string `json:"emergency_approvers" yaml:"emergency_approvers"`
	MinApprovers       int      `json:"min_approvers" yaml:"min_approvers"` // Default: 1.

	// Quorum rules keyed by priority.
	RequiredApprovals map[string]int `json:"required_approvals" yaml:"required_approvals"` // Defaults: critical 2, high 2, normal 1.
	MaxRejections     map[string]int `json:"max_rejections" yaml:"max_rejections"`         // Defaults: critical 1, high 1, normal 2.

	// Request timeout windows keyed by priority, in minutes.
	TimeoutMinutes map[string]int `json:"timeout_minutes" yaml:"timeout_minutes"` // Defaults: critical 240, high 720, normal 1440.

	// Escalation path levels, consumed in order on successive timeouts.
	EscalationLevels []EscalationLevelConfig `json:"escalation_levels" yaml:"escalation_levels"`
}

// EscalationLevelConfig defines one level of the escalation path.
type EscalationLevelConfig struct {
	Roles          []string `json:"roles" yaml:"roles"` // Resolved through RoleMembers.
	TimeoutMinutes int      `json:"timeout_minutes" yaml:"timeout_minutes"`
}

// RequiredFor returns the quorum threshold for a priority.
func (p *PolicyConfig) RequiredFor(prio domain.Priority) int {
	if n, ok := p.RequiredApprovals[string(prio)]; ok && n > 0 {
		return n
	}
	if prio == domain.PriorityNormal {
		return 1
	}
	return 2
}

// MaxRejectionsFor returns the rejection tolerance for a priority.
func (p *PolicyConfig) MaxRejectionsFor(prio domain.Priority) int {
	if n, ok := p.MaxRejections[string(prio)]; ok && n > 0 {
		return n
	}
	if prio == domain.PriorityNormal {
		return 2
	}
	return 1
}

// TimeoutFor returns the approval window for a priority.
func (p *PolicyConfig) TimeoutFor(prio domain.Priority) time.Duration {
	if m, ok := p.TimeoutMinutes[string(prio)]; ok && m > 0 {
		return time.Duration(m) * time.Minute
	}
	switch prio {
	case domain.PriorityCritical:
		return 4 * time.Hour
	case domain.PriorityHigh:
		return 12 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// TimeoutAction is the policy applied when a request's window expires.
type TimeoutAction string

const (
	TimeoutAutoEscalate        TimeoutAction = "auto_escalate"
	TimeoutAutoReject          TimeoutAction = "auto_reject"
	TimeoutAutoApprove         TimeoutAction = "auto_approve" // Trusted agents only; falls back to auto_reject.
	TimeoutEscalateToEmergency TimeoutAction = "escalate_to_emergency"
)

// MonitorConfig configures the timeout/escalation background scan.
type MonitorConfig struct {
	// ScanIntervalS is the fixed scan cadence in seconds. A fixed cadence
	// bounds resource usage vs per-request timers; it is a tunable, not a
	// hard real-time guarantee. Default: 60.
	ScanIntervalS int    `json:"scan_interval_s" yaml:"scan_interval_s"`
	TimeoutPolicy string `json:"timeout_policy" yaml:"timeout_policy"` // Default: "auto_escalate".

	// Proactive escalation knobs.
	IdleEscalateFraction  float64 `json:"idle_escalate_fraction" yaml:"idle_escalate_fraction"`     // Default: 0.75.
	CriticalWindowMinutes int     `json:"critical_window_minutes" yaml:"critical_window_minutes"`   // Default: 60.
	EmergencyWindowMin    int     `json:"emergency_window_minutes" yaml:"emergency_window_minutes"` // Default: 60.

	// Retention sweep for terminal requests (archived, never deleted).
	RetentionCron string `json:"retention_cron" yaml:"retention_cron"` // 5-field cron. Empty = sweep disabled.
	RetentionDays int    `json:"retention_days" yaml:"retention_days"` // Default: 90.
}

// ScanInterval returns the scan cadence, defaulting to 60s.
func (m MonitorConfig) ScanInterval() time.Duration {
	if m.ScanIntervalS > 0 {
		return time.Duration(m.ScanIntervalS) * time.Second
	}
	return 60 * time.Second
}

// Action returns the configured timeout policy, defaulting to auto_escalate.
func (m MonitorConfig) Action() TimeoutAction {
	switch TimeoutAction(m.TimeoutPolicy) {
	case TimeoutAutoReject, TimeoutAutoApprove, TimeoutEscalateToEmergency:
		return TimeoutAction(m.TimeoutPolicy)
	default:
		return TimeoutAutoEscalate
	}
}

// IdleFraction returns the proactive-escalation elapsed fraction, default 0.75.
func (m MonitorConfig) IdleFraction() float64 {
	if m.IdleEscalateFraction > 0 && m.IdleEscalateFraction < 1 {
		return m.IdleEscalateFraction
	}
	return 0.75
}

// CriticalWindow returns the CRITICAL proactive-escalation window, default 1h.
func (m MonitorConfig) CriticalWindow() time.Duration {
	if m.CriticalWindowMinutes > 0 {
		return time.Duration(m.CriticalWindowMinutes) * time.Minute
	}
	return time.Hour
}

// EmergencyWindow returns the forced window for escalate_to_emergency, default 1h.
func (m MonitorConfig) EmergencyWindow() time.Duration {
	if m.EmergencyWindowMin > 0 {
		return time.Duration(m.EmergencyWindowMin) * time.Minute
	}
	return time.Hour
}

// RetentionAge returns the age after which terminal requests are archived.
func (m MonitorConfig) RetentionAge() time.Duration {
	days := m.RetentionDays
	if days <= 0 {
		days = 90
	}
	return time.Duration(days) * 24 * time.Hour
}

// NotificationConfig configures the multi-channel dispatcher.
type NotificationConfig struct {
	Channels           []ChannelConfig `json:"channels" yaml:"channels"`
	EscalationChannels []string        `json:"escalation_channels" yaml:"escalation_channels"` // Tried when all primaries fail.

	RetryBaseDelayMS int `json:"retry_base_delay_ms" yaml:"retry_base_delay_ms"` // Default: 500.
	RetryMaxAttempts int `json:"retry_max_attempts" yaml:"retry_max_attempts"`   // Default: 3.

	SMTP *SMTPConfig `json:"smtp,omitempty" yaml:"smtp,omitempty"`
}

// ChannelConfig is one configured notification destination.
type ChannelConfig struct {
	Name          string            `json:"name" yaml:"name"`
	Type          string            `json:"type" yaml:"type"` // "slack", "email", "webhook", "push".
	Config        map[string]string `json:"config" yaml:"config"`
	CredentialRef string            `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"` // Env var name. Never logged.
	Fallback      string            `json:"fallback,omitempty" yaml:"fallback,omitempty"`              // Channel name tried once after retries exhaust.
	Enabled       bool              `json:"enabled" yaml:"enabled"`
}

// SMTPConfig holds SMTP connection parameters for the email channel.
type SMTPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"` // Default: 587.
	Username string `json:"username" yaml:"username"`
	From     string `json:"from" yaml:"from"`
	TLS      bool   `json:"tls" yaml:"tls"`
}

// RetryBaseDelay returns the initial retry delay, default 500ms.
func (n *NotificationConfig) RetryBaseDelay() time.Duration {
	if n != nil && n.RetryBaseDelayMS > 0 {
		return time.Duration(n.RetryBaseDelayMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// MaxAttempts returns the per-channel send attempt cap, default 3.
func (n *NotificationConfig) MaxAttempts() int {
	if n != nil && n.RetryMaxAttempts > 0 {
		return n.RetryMaxAttempts
	}
	return 3
}

// ResilienceConfig configures the circuit breaker around remote persistence.
type ResilienceConfig struct {
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"` // Consecutive failures to open. Default: 5.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"` // Consecutive half-open successes to close. Default: 2.
	CooldownS        int `json:"cooldown_s" yaml:"cooldown_s"`               // Open → half-open delay. Default: 30.
	CallTimeoutS     int `json:"call_timeout_s" yaml:"call_timeout_s"`       // Per remote call. Default: 5.
	ReadRetries      int `json:"read_retries" yaml:"read_retries"`           // Idempotent reads only. Default: 2.
}

// Failures returns the open threshold, default 5.
func (r ResilienceConfig) Failures() int {
	if r.FailureThreshold > 0 {
		return r.FailureThreshold
	}
	return 5
}

// Successes returns the close threshold, default 2.
func (r ResilienceConfig) Successes() int {
	if r.SuccessThreshold > 0 {
		return r.SuccessThreshold
	}
	return 2
}

// Cooldown returns the open-state cooldown, default 30s.
func (r ResilienceConfig) Cooldown() time.Duration {
	if r.CooldownS > 0 {
		return time.Duration(r.CooldownS) * time.Second
	}
	return 30 * time.Second
}

// CallTimeout returns the per-call timeout, default 5s.
func (r ResilienceConfig) CallTimeout() time.Duration {
	if r.CallTimeoutS > 0 {
		return time.Duration(r.CallTimeoutS) * time.Second
	}
	return 5 * time.Second
}

// Retries returns the idempotent-read retry count, default 2.
func (r ResilienceConfig) Retries() int {
	if r.ReadRetries > 0 {
		return r.ReadRetries
	}
	return 2
}

// ExecutionConfig configures the external trade-execution callback.
type ExecutionConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"` // Remote execution service URL.
	TimeoutS int    `json:"timeout_s" yaml:"timeout_s"` // Default: 30.
}

// Timeout returns the execution call timeout, default 30s.
func (e ExecutionConfig) Timeout() time.Duration {
	if e.TimeoutS > 0 {
		return time.Duration(e.TimeoutS) * time.Second
	}
	return 30 * time.Second
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc".
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "tradegate".
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// RateLimitConfig configures the per-approver token bucket on the decision API.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// Load reads a YAML config file, applies env overrides and defaults, and
// validates. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("TRADEGATE_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if addr := os.Getenv("TRADEGATE_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
}

func (c *Config) applyDefaults() {
	p := &c.Policy
	if p.Weights == (RiskWeights{}) {
		p.Weights = RiskWeights{
			Volatility:            0.25,
			PositionSize:          0.25,
			Liquidity:             0.20,
			MarketCondition:       0.15,
			HistoricalPerformance: 0.15,
		}
	}
	if p.AmountThresholdUSD == 0 {
		p.AmountThresholdUSD = 10000
	}
	if p.CriticalAmountUSD == 0 {
		p.CriticalAmountUSD = 100000
	}
	if p.RiskScoreThreshold == 0 {
		p.RiskScoreThreshold = 0.7
	}
	if p.ConcentrationLimit == 0 {
		p.ConcentrationLimit = 0.25
	}
	if p.SectorExposureLimit == 0 {
		p.SectorExposureLimit = 0.40
	}
	if p.CorrelationLimit == 0 {
		p.CorrelationLimit = 0.80
	}
	if p.BudgetUtilizationWarn == 0 {
		p.BudgetUtilizationWarn = 0.90
	}
	if p.TrustScoreFloor == 0 {
		p.TrustScoreFloor = 0.40
	}
	if p.AnomalyScoreThreshold == 0 {
		p.AnomalyScoreThreshold = 0.85
	}
	if p.MinApprovers == 0 {
		p.MinApprovers = 1
	}
}

// Validate fails fast on invalid configuration. Risk weights must sum to 1.0
// exactly (within floating-point epsilon), never silently renormalized.
func (c *Config) Validate() error {
	if sum := c.Policy.Weights.Sum(); math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("policy.weights must sum to 1.0, got %.6f", sum)
	}
	if c.Policy.RiskScoreThreshold < 0 || c.Policy.RiskScoreThreshold > 1 {
		return fmt.Errorf("policy.risk_score_threshold must be in [0,1], got %f", c.Policy.RiskScoreThreshold)
	}
	if c.Monitor.RetentionCron != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Monitor.RetentionCron); err != nil {
			return fmt.Errorf("monitor.retention_cron invalid: %w", err)
		}
	}
	if c.Notification != nil {
		names := make(map[string]bool, len(c.Notification.Channels))
		for _, ch := range c.Notification.Channels {
			if ch.Name == "" {
				return fmt.Errorf("notification channel missing name")
			}
			if names[ch.Name] {
				return fmt.Errorf("duplicate notification channel %q", ch.Name)
			}
			names[ch.Name] = true
		}
		for _, ch := range c.Notification.Channels {
			if ch.Fallback != "" && !names[ch.Fallback] {
				return fmt.Errorf("channel %q fallback %q does not exist", ch.Name, ch.Fallback)
			}
		}
	}
	return nil
}
