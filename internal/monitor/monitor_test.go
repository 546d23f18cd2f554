package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/domain"
	"github.com/halcyonlabs/tradegate/internal/oversight"
	"github.com/halcyonlabs/tradegate/internal/policy"
	"github.com/halcyonlabs/tradegate/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() *config.PolicyConfig {
	return &config.PolicyConfig{
		Weights: config.RiskWeights{
			Volatility:            0.25,
			PositionSize:          0.25,
			Liquidity:             0.20,
			MarketCondition:       0.15,
			HistoricalPerformance: 0.15,
		},
		RoleMembers:        map[string][]string{"management": {"erin"}},
		EmergencyApprovers: []string{"oncall"},
		MinApprovers:       1,
	}
}

// newTestMonitor wires a monitor with a frozen clock against the in-memory
// store and a real oversight service.
func newTestMonitor(t *testing.T, cfg config.MonitorConfig) (*Monitor, *storage.MemoryStore, time.Time) {
	t.Helper()

	pol := testPolicy()
	store := storage.NewMemoryStore()
	logger := testLogger()

	svc := oversight.NewService(oversight.ServiceParams{
		Store:     store.Requests(),
		Audit:     store.Audit(),
		Evaluator: policy.NewEvaluator(pol),
		Selector:  policy.NewSelector(pol, nil, logger),
		Policy:    pol,
		Logger:    logger,
	})

	m := New(svc, store.Requests(), cfg, logger)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, store, now
}

type seedOpts struct {
	status    domain.Status
	priority  domain.Priority
	createdAt time.Time
	expiresAt time.Time
	trusted   bool
	decided   bool
	path      []domain.EscalationLevel
	cursor    int
}

func seed(t *testing.T, store *storage.MemoryStore, o seedOpts) *domain.OversightRequest {
	t.Helper()
	req := &domain.OversightRequest{
		ID:       domain.NewID(),
		Status:   o.status,
		Priority: o.priority,
		Context: domain.ContextSnapshot{
			Agent: domain.AgentSnapshot{AgentID: "agent-7", Trusted: o.trusted},
		},
		Approvers:         []string{"alice", "bob"},
		RequiredApprovals: 2,
		MaxRejections:     1,
		EscalationPath:    o.path,
		EscalationCursor:  o.cursor,
		CreatedAt:         o.createdAt,
		ExpiresAt:         o.expiresAt,
	}
	if o.decided {
		req.Decisions = []domain.Decision{{
			ApproverID: "alice",
			Decision:   domain.DecisionApprove,
			CreatedAt:  o.createdAt,
		}}
	}
	if err := store.Requests().Create(context.Background(), req); err != nil {
		t.Fatalf("seeding request: %v", err)
	}
	return req
}

func mustGet(t *testing.T, store *storage.MemoryStore, req *domain.OversightRequest) *domain.OversightRequest {
	t.Helper()
	got, err := store.Requests().Get(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

func TestScan_TimeoutAutoReject(t *testing.T) {
	m, store, now := newTestMonitor(t, config.MonitorConfig{TimeoutPolicy: "auto_reject"})
	req := seed(t, store, seedOpts{
		status:    domain.StatusPending,
		priority:  domain.PriorityHigh,
		createdAt: now.Add(-13 * time.Hour),
		expiresAt: now.Add(-time.Hour),
	})

	m.Scan(context.Background())

	got := mustGet(t, store, req)
	if got.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if want := "auto-rejected: approval window timeout"; got.FinalDecision != want {
		t.Errorf("final decision = %q, want %q", got.FinalDecision, want)
	}
}

func TestScan_TimeoutAutoApprove(t *testing.T) {
	tests := []struct {
		name    string
		trusted bool
		want    domain.Status
	}{
		{"trusted agent passes", true, domain.StatusApproved},
		{"untrusted agent fails closed", false, domain.StatusRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, store, now := newTestMonitor(t, config.MonitorConfig{TimeoutPolicy: "auto_approve"})
			req := seed(t, store, seedOpts{
				status:    domain.StatusPending,
				priority:  domain.PriorityNormal,
				createdAt: now.Add(-25 * time.Hour),
				expiresAt: now.Add(-time.Hour),
				trusted:   tt.trusted,
			})

			m.Scan(context.Background())

			got := mustGet(t, store, req)
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestScan_TimeoutAutoEscalate(t *testing.T) {
	m, store, now := newTestMonitor(t, config.MonitorConfig{})
	req := seed(t, store, seedOpts{
		status:    domain.StatusPending,
		priority:  domain.PriorityHigh,
		createdAt: now.Add(-13 * time.Hour),
		expiresAt: now.Add(-time.Hour),
		path: []domain.EscalationLevel{
			{Level: 1, Approvers: []string{"erin"}, Timeout: time.Hour},
		},
	})

	m.Scan(context.Background())

	got := mustGet(t, store, req)
	if got.Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want escalated", got.Status)
	}
	if len(got.Approvers) != 1 || got.Approvers[0] != "erin" {
		t.Errorf("approvers = %v, want [erin]", got.Approvers)
	}
	if got.EscalationCursor != 1 {
		t.Errorf("cursor = %d, want 1", got.EscalationCursor)
	}
	if !got.ExpiresAt.After(req.ExpiresAt) {
		t.Errorf("deadline not extended: %v", got.ExpiresAt)
	}
}

func TestScan_TimeoutEscalateExhaustedPathExpires(t *testing.T) {
	m, store, now := newTestMonitor(t, config.MonitorConfig{})
	req := seed(t, store, seedOpts{
		status:    domain.StatusEscalated,
		priority:  domain.PriorityHigh,
		createdAt: now.Add(-20 * time.Hour),
		expiresAt: now.Add(-time.Hour),
		path: []domain.EscalationLevel{
			{Level: 1, Approvers: []string{"erin"}, Timeout: time.Hour},
		},
		cursor: 1, // Path fully consumed.
	})

	m.Scan(context.Background())

	got := mustGet(t, store, req)
	if got.Status != domain.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if want := "expired: escalation path exhausted"; got.FinalDecision != want {
		t.Errorf("final decision = %q, want %q", got.FinalDecision, want)
	}
}

func TestScan_TimeoutEscalateToEmergency(t *testing.T) {
	m, store, now := newTestMonitor(t, config.MonitorConfig{
		TimeoutPolicy:      "escalate_to_emergency",
		EmergencyWindowMin: 30,
	})
	req := seed(t, store, seedOpts{
		status:    domain.StatusPending,
		priority:  domain.PriorityCritical,
		createdAt: now.Add(-5 * time.Hour),
		expiresAt: now.Add(-time.Hour),
	})

	m.Scan(context.Background())

	got := mustGet(t, store, req)
	if got.Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want escalated", got.Status)
	}
	if len(got.Approvers) != 1 || got.Approvers[0] != "oncall" {
		t.Errorf("approvers = %v, want [oncall]", got.Approvers)
	}
	if !got.ExpiresAt.After(time.Now().Add(25 * time.Minute)) {
		t.Errorf("forced window not applied, expires at %v", got.ExpiresAt)
	}
}

func TestScan_ProactiveEscalationOnIdle(t *testing.T) {
	m, store, now := newTestMonitor(t, config.MonitorConfig{})
	// 12h window, 9h elapsed (75%), no decision activity.
	req := seed(t, store, seedOpts{
		status:    domain.StatusPending,
		priority:  domain.PriorityHigh,
		createdAt: now.Add(-9 * time.Hour),
		expiresAt: now.Add(3 * time.Hour),
		path: []domain.EscalationLevel{
			{Level: 1, Approvers: []string{"erin"}, Timeout: time.Hour},
		},
	})

	m.Scan(context.Background())

	got := mustGet(t, store, req)
	if got.Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want escalated", got.Status)
	}
	if !got.ExpiresAt.Equal(req.ExpiresAt) {
		t.Errorf("proactive escalation moved the deadline from %v to %v", req.ExpiresAt, got.ExpiresAt)
	}
}

func TestScan_ProactiveEscalationOnCriticalWindow(t *testing.T) {
	m, store, now := newTestMonitor(t, config.MonitorConfig{})
	// Decision activity present, so only the critical-window rule applies.
	req := seed(t, store, seedOpts{
		status:    domain.StatusPending,
		priority:  domain.PriorityCritical,
		createdAt: now.Add(-time.Hour),
		expiresAt: now.Add(30 * time.Minute),
		decided:   true,
		path: []domain.EscalationLevel{
			{Level: 1, Approvers: []string{"erin"}, Timeout: time.Hour},
		},
	})

	m.Scan(context.Background())

	got := mustGet(t, store, req)
	if got.Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want escalated", got.Status)
	}
	if !got.ExpiresAt.Equal(req.ExpiresAt) {
		t.Errorf("proactive escalation moved the deadline from %v to %v", req.ExpiresAt, got.ExpiresAt)
	}
}

func TestScan_HealthyRequestUntouched(t *testing.T) {
	m, store, now := newTestMonitor(t, config.MonitorConfig{})
	req := seed(t, store, seedOpts{
		status:    domain.StatusPending,
		priority:  domain.PriorityHigh,
		createdAt: now.Add(-time.Hour),
		expiresAt: now.Add(11 * time.Hour),
		decided:   true,
	})

	m.Scan(context.Background())

	got := mustGet(t, store, req)
	if got.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Version != req.Version {
		t.Errorf("version changed from %d to %d on a healthy request", req.Version, got.Version)
	}
}

func TestSweepRetention(t *testing.T) {
	m, store, now := newTestMonitor(t, config.MonitorConfig{RetentionDays: 90})

	old := seed(t, store, seedOpts{
		status:    domain.StatusRejected,
		priority:  domain.PriorityNormal,
		createdAt: now.Add(-101 * 24 * time.Hour),
		expiresAt: now.Add(-100 * 24 * time.Hour),
	})
	recent := seed(t, store, seedOpts{
		status:    domain.StatusRejected,
		priority:  domain.PriorityNormal,
		createdAt: now.Add(-2 * 24 * time.Hour),
		expiresAt: now.Add(-24 * time.Hour),
	})

	// Make the terminal transition timestamps explicit.
	setHistory := func(req *domain.OversightRequest, at time.Time) {
		got := mustGet(t, store, req)
		got.StatusHistory = []domain.StatusChange{{
			From: domain.StatusPending, To: domain.StatusRejected, At: at,
		}}
		if err := store.Requests().UpdateWithVersion(context.Background(), got, got.Version); err != nil {
			t.Fatalf("UpdateWithVersion: %v", err)
		}
	}
	setHistory(old, now.Add(-100*24*time.Hour))
	setHistory(recent, now.Add(-24*time.Hour))

	m.sweepRetention(context.Background())

	if got := mustGet(t, store, old); !got.Archived {
		t.Errorf("old terminal request not archived")
	}
	if got := mustGet(t, store, recent); got.Archived {
		t.Errorf("recent terminal request archived too early")
	}
}
