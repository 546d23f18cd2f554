package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/halcyonlabs/tradegate/internal/config"
)

// Broadcaster pushes a message to connected approver sessions. Implemented by
// the websocket hub; kept as an interface so notification does not depend on
// the gateway.
type Broadcaster interface {
	// Push delivers to the named approvers and returns how many connected
	// sessions received it.
	Push(ctx context.Context, approverIDs []string, subject, body string, metadata map[string]string) int
}

// PushSender delivers notifications to live approver sessions over the
// websocket hub.
type PushSender struct {
	hub    Broadcaster
	logger *slog.Logger
}

// NewPushSender creates a push notification sender.
func NewPushSender(hub Broadcaster, logger *slog.Logger) *PushSender {
	return &PushSender{hub: hub, logger: logger}
}

func (s *PushSender) Type() string { return "push" }

func (s *PushSender) Send(ctx context.Context, ch config.ChannelConfig, msg *Message) error {
	if s.hub == nil {
		return fmt.Errorf("push channel %q has no websocket hub", ch.Name)
	}
	delivered := s.hub.Push(ctx, msg.Approvers, msg.Subject, msg.Body, msg.Metadata)
	if delivered == 0 {
		// No approver is connected right now; surface as a failure so the
		// dispatcher falls back to a durable channel.
		return fmt.Errorf("no connected sessions for %d approver(s)", len(msg.Approvers))
	}
	s.logger.Debug("push notification delivered",
		slog.String("request_id", msg.RequestID),
		slog.Int("sessions", delivered),
	)
	return nil
}
