// Package notification implements the multi-channel notification dispatcher.
// Approvers are notified through configured channels (Slack, email, webhook,
// push) concurrently, with retry, per-channel fallback and an escalation set
// when every primary channel fails.
//
// Credentials are resolved per-channel via CredentialRef (an environment
// variable name), never stored in configuration or logged.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/domain"
	"github.com/halcyonlabs/tradegate/internal/observability"
)

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("slack", "email", "webhook", "push").
	Type() string
	// Send delivers a message to the target specified by the channel config.
	Send(ctx context.Context, ch config.ChannelConfig, msg *Message) error
}

// Message is the payload sent through a notification channel.
type Message struct {
	Subject   string            // Used by email; prepended bold by chat channels.
	Body      string            // Plain text body.
	RequestID string            // Oversight request this concerns.
	Approvers []string          // Targeted approvers, for push routing.
	Metadata  map[string]string // Extra data (priority, status, etc.).
}

// Dispatcher fans messages out to all enabled channels concurrently.
// Delivery is best-effort and never blocks the oversight decision path; a
// failed channel retries with exponential backoff, then falls back once, and
// only when every primary channel fails does the escalation set get tried.
type Dispatcher struct {
	cfg     *config.NotificationConfig
	metrics *observability.MetricsCollector
	logger  *slog.Logger

	mu      sync.RWMutex
	senders map[string]Sender
}

// NewDispatcher creates a notification dispatcher. Metrics may be nil.
func NewDispatcher(cfg *config.NotificationConfig, metrics *observability.MetricsCollector, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		senders: make(map[string]Sender),
	}
}

// RegisterSender adds a channel backend. Call at startup only.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Type()] = s
}

// Ready reports whether every enabled channel has a sender registered for its
// type. Suits a readiness check: a misconfigured channel surfaces at startup
// instead of at the first dispatch.
func (d *Dispatcher) Ready(context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cfg == nil {
		return nil
	}
	for _, ch := range d.cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if _, ok := d.senders[ch.Type]; !ok {
			return fmt.Errorf("channel %q has no sender for type %q", ch.Name, ch.Type)
		}
	}
	return nil
}

// NotifyCreated notifies approvers of a new pending request.
func (d *Dispatcher) NotifyCreated(ctx context.Context, req *domain.OversightRequest) {
	d.Dispatch(ctx, messageFor(req, "Approval needed", describeAction(req)))
}

// NotifyEscalated notifies the new approver set after an escalation.
func (d *Dispatcher) NotifyEscalated(ctx context.Context, req *domain.OversightRequest, reason string) {
	msg := messageFor(req, "Request escalated", reason+"\n\n"+describeAction(req))
	msg.Metadata["escalation_level"] = fmt.Sprintf("%d", req.EscalationCursor)
	d.Dispatch(ctx, msg)
}

// NotifyResolved notifies interested parties of a terminal outcome.
func (d *Dispatcher) NotifyResolved(ctx context.Context, req *domain.OversightRequest) {
	d.Dispatch(ctx, messageFor(req, "Request "+string(req.Status), req.FinalDecision))
}

// Dispatch sends the message to every enabled channel concurrently and
// blocks until all attempts (including retries and fallbacks) complete.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) {
	enabled := d.enabledChannels()
	if len(enabled) == 0 {
		return
	}

	var wg sync.WaitGroup
	results := make([]error, len(enabled))
	for i, ch := range enabled {
		wg.Add(1)
		go func(i int, ch config.ChannelConfig) {
			defer wg.Done()
			results[i] = d.sendWithRetry(ctx, ch, msg)
		}(i, ch)
	}
	wg.Wait()

	failed := 0
	for i, err := range results {
		if err != nil {
			failed++
			d.logger.Warn("notification channel exhausted",
				slog.String("channel", enabled[i].Name),
				slog.String("request_id", msg.RequestID),
				slog.Any("error", err),
			)
		}
	}

	// Escalation channels are the last line: tried in order, first success
	// wins, only when no primary channel got through.
	if failed == len(enabled) && len(d.cfg.EscalationChannels) > 0 {
		d.logger.Error("all notification channels failed, escalating",
			slog.String("request_id", msg.RequestID),
			slog.Int("channels", len(enabled)),
		)
		d.escalate(ctx, msg)
	}
}

// sendWithRetry attempts delivery with exponential backoff, then tries the
// channel's fallback once.
func (d *Dispatcher) sendWithRetry(ctx context.Context, ch config.ChannelConfig, msg *Message) error {
	err := d.attempt(ctx, ch, msg)
	if err == nil {
		return nil
	}

	if ch.Fallback != "" {
		fb, ok := d.channelByName(ch.Fallback)
		if ok && fb.Enabled {
			d.logger.Info("trying fallback channel",
				slog.String("channel", ch.Name),
				slog.String("fallback", fb.Name),
			)
			if fbErr := d.send(ctx, fb, msg); fbErr == nil {
				return nil
			}
		}
	}
	return err
}

// attempt runs the per-channel retry loop: MaxAttempts tries with delays of
// base, 2*base, 4*base, ...
func (d *Dispatcher) attempt(ctx context.Context, ch config.ChannelConfig, msg *Message) error {
	var err error
	delay := d.cfg.RetryBaseDelay()
	for i := 0; i < d.cfg.MaxAttempts(); i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = d.send(ctx, ch, msg); err == nil {
			return nil
		}
	}
	return err
}

func (d *Dispatcher) send(ctx context.Context, ch config.ChannelConfig, msg *Message) error {
	d.mu.RLock()
	sender, ok := d.senders[ch.Type]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no sender registered for channel type %q", ch.Type)
	}

	err := sender.Send(ctx, ch, msg)
	if d.metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		d.metrics.NotificationSendsTotal.WithLabelValues(ch.Name, status).Inc()
	}
	if err == nil {
		d.logger.Debug("notification sent",
			slog.String("channel", ch.Name),
			slog.String("type", ch.Type),
			slog.String("request_id", msg.RequestID),
		)
	}
	return err
}

func (d *Dispatcher) escalate(ctx context.Context, msg *Message) {
	for _, name := range d.cfg.EscalationChannels {
		ch, ok := d.channelByName(name)
		if !ok {
			continue
		}
		if err := d.send(ctx, ch, msg); err == nil {
			return
		}
	}
	d.logger.Error("notification escalation channels also failed",
		slog.String("request_id", msg.RequestID),
	)
}

func (d *Dispatcher) enabledChannels() []config.ChannelConfig {
	var out []config.ChannelConfig
	for _, ch := range d.cfg.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

func (d *Dispatcher) channelByName(name string) (config.ChannelConfig, bool) {
	for _, ch := range d.cfg.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return config.ChannelConfig{}, false
}

// messageFor renders an oversight request into a channel-agnostic message.
func messageFor(req *domain.OversightRequest, subject, body string) *Message {
	return &Message{
		Subject:   fmt.Sprintf("[%s] %s", strings.ToUpper(string(req.Priority)), subject),
		Body:      body,
		RequestID: req.ID.String(),
		Approvers: append([]string(nil), req.Approvers...),
		Metadata: map[string]string{
			"request_id": req.ID.String(),
			"priority":   string(req.Priority),
			"status":     string(req.Status),
			"agent_id":   req.Context.Agent.AgentID,
		},
	}
}

func describeAction(req *domain.OversightRequest) string {
	a := req.Context.Action
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s proposes: %s %.2f %s ($%.2f, %s order)\n",
		a.AgentID, a.Side, a.Quantity, a.Symbol, a.AmountUSD, a.OrderType)
	fmt.Fprintf(&b, "Risk score: %.3f\n", req.Context.Risk.Score)
	for _, t := range req.Context.Risk.Triggers {
		fmt.Fprintf(&b, "- [%s] %s\n", t.Severity, t.Reason)
	}
	if a.Rationale != "" {
		fmt.Fprintf(&b, "Rationale: %s\n", a.Rationale)
	}
	fmt.Fprintf(&b, "Decide by %s", req.ExpiresAt.Format(time.RFC3339))
	return b.String()
}
