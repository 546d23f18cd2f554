// Package monitor implements the background scan that enforces approval
// windows: timeout policies, proactive escalation, and the retention sweep.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/domain"
	"github.com/halcyonlabs/tradegate/internal/oversight"
	"github.com/halcyonlabs/tradegate/internal/storage"
)

// Monitor scans open requests on a fixed cadence and drives them through the
// oversight service. All mutations go through the same versioned-update path
// as approver decisions, so a decision racing an expiry sweep resolves
// cleanly one way or the other.
//
// The cadence bounds timeout precision: a request expires within one scan
// interval of its deadline, not at it.
type Monitor struct {
	svc    *oversight.Service
	store  storage.RequestStore
	cfg    config.MonitorConfig
	logger *slog.Logger

	now func() time.Time // Injectable for tests.
}

// New creates a Monitor.
func New(svc *oversight.Service, store storage.RequestStore, cfg config.MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		svc:    svc,
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the scan loop and, when configured, the retention cron.
// Returns a cancel function.
func (m *Monitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	var retention *cron.Cron
	if m.cfg.RetentionCron != "" {
		retention = cron.New(cron.WithParser(
			cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		))
		if _, err := retention.AddFunc(m.cfg.RetentionCron, func() { m.sweepRetention(ctx) }); err != nil {
			m.logger.Error("invalid retention cron expression", slog.Any("error", err))
		} else {
			retention.Start()
		}
	}

	go func() {
		m.logger.Info("timeout monitor started",
			slog.String("scan_interval", m.cfg.ScanInterval().String()),
			slog.String("timeout_policy", string(m.cfg.Action())),
		)

		ticker := time.NewTicker(m.cfg.ScanInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("timeout monitor stopped")
				return
			case <-ticker.C:
				m.Scan(ctx)
			}
		}
	}()

	return func() {
		cancel()
		if retention != nil {
			retention.Stop()
		}
	}
}

// Scan examines every open request once. Exported for tests and for a manual
// sweep on demand.
func (m *Monitor) Scan(ctx context.Context) {
	open, err := m.store.ListByStatus(ctx, domain.StatusPending, domain.StatusEscalated)
	if err != nil {
		m.logger.Error("monitor scan failed to list open requests", slog.Any("error", err))
		return
	}

	now := m.now()
	for _, req := range open {
		if ctx.Err() != nil {
			return
		}
		switch {
		case now.After(req.ExpiresAt):
			m.handleTimeout(ctx, req)
		case m.shouldEscalateProactively(req, now):
			m.escalateProactively(ctx, req, now)
		}
	}
}

// handleTimeout applies the configured timeout policy to an overdue request.
func (m *Monitor) handleTimeout(ctx context.Context, req *domain.OversightRequest) {
	switch m.cfg.Action() {
	case config.TimeoutAutoReject:
		m.resolve(ctx, req, domain.StatusRejected, "auto-rejected: approval window timeout")

	case config.TimeoutAutoApprove:
		// Only trusted agents may pass unreviewed; everyone else fails
		// closed to rejection.
		if req.Context.Agent.Trusted {
			m.resolve(ctx, req, domain.StatusApproved, "auto-approved on timeout: trusted agent")
		} else {
			m.resolve(ctx, req, domain.StatusRejected, "auto-rejected: timeout and agent not trusted")
		}

	case config.TimeoutEscalateToEmergency:
		if _, err := m.svc.EscalateToEmergency(ctx, req.ID, m.cfg.EmergencyWindow(), "timeout: routed to emergency approvers"); err != nil {
			m.logger.Error("emergency escalation failed",
				slog.String("request_id", req.ID.String()),
				slog.Any("error", err),
			)
		}

	default: // TimeoutAutoEscalate
		if _, err := m.svc.EscalateNext(ctx, req.ID, "timeout", "approval window timeout"); err != nil {
			m.logger.Error("timeout escalation failed",
				slog.String("request_id", req.ID.String()),
				slog.Any("error", err),
			)
		}
	}
}

func (m *Monitor) resolve(ctx context.Context, req *domain.OversightRequest, to domain.Status, reason string) {
	if _, err := m.svc.ResolveOnTimeout(ctx, req.ID, to, reason); err != nil {
		m.logger.Error("timeout resolution failed",
			slog.String("request_id", req.ID.String()),
			slog.String("to", string(to)),
			slog.Any("error", err),
		)
	}
}

// shouldEscalateProactively flags requests at risk of expiring unseen:
// no decision activity for most of the window, or a critical request close
// to its deadline while still at the first level.
func (m *Monitor) shouldEscalateProactively(req *domain.OversightRequest, now time.Time) bool {
	if len(req.Decisions) == 0 {
		start := req.CreatedAt
		if n := len(req.StatusHistory); n > 0 {
			start = req.StatusHistory[n-1].At
		}
		window := req.ExpiresAt.Sub(start)
		if window > 0 && now.Sub(start) >= time.Duration(m.cfg.IdleFraction()*float64(window)) {
			return true
		}
	}
	if req.Priority == domain.PriorityCritical &&
		req.Status == domain.StatusPending &&
		req.ExpiresAt.Sub(now) < m.cfg.CriticalWindow() {
		return true
	}
	return false
}

func (m *Monitor) escalateProactively(ctx context.Context, req *domain.OversightRequest, now time.Time) {
	if _, err := m.svc.EscalateProactively(ctx, req.ID, "escalated ahead of deadline: no decision activity"); err != nil {
		m.logger.Error("proactive escalation failed",
			slog.String("request_id", req.ID.String()),
			slog.Any("error", err),
		)
		return
	}
	m.logger.Info("request escalated proactively",
		slog.String("request_id", req.ID.String()),
		slog.String("priority", string(req.Priority)),
		slog.Duration("remaining", req.ExpiresAt.Sub(now)),
	)
}

// sweepRetention archives terminal requests older than the retention age.
// Archived rows leave the hot scan set but are never deleted.
func (m *Monitor) sweepRetention(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.RetentionAge())
	n, err := m.store.ArchiveTerminalBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("retention sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		m.logger.Info("retention sweep archived requests",
			slog.Int64("archived", n),
			slog.Time("cutoff", cutoff),
		)
	}
}
