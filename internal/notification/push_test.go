package notification

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/gateway/ws"
)

// The websocket hub is what the server wires in as the push backend; it must
// satisfy the broadcaster contract.
var _ Broadcaster = (*ws.Server)(nil)

type fakeHub struct {
	sessions  int
	approvers []string
	subject   string
	metadata  map[string]string
}

func (h *fakeHub) Push(_ context.Context, approverIDs []string, subject, _ string, metadata map[string]string) int {
	h.approvers = approverIDs
	h.subject = subject
	h.metadata = metadata
	return h.sessions
}

func TestPushSender_DeliversToConnectedSessions(t *testing.T) {
	hub := &fakeHub{sessions: 2}
	s := NewPushSender(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	msg := testMessage()
	msg.Metadata = map[string]string{"request_id": msg.RequestID, "priority": "high"}

	if err := s.Send(context.Background(), config.ChannelConfig{Name: "live", Type: "push"}, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(hub.approvers) != 1 || hub.approvers[0] != "alice" {
		t.Errorf("approvers = %v, want [alice]", hub.approvers)
	}
	if hub.metadata["request_id"] != msg.RequestID {
		t.Errorf("metadata = %v, want request_id passed through", hub.metadata)
	}
}

func TestPushSender_NoSessionsIsAFailure(t *testing.T) {
	s := NewPushSender(&fakeHub{sessions: 0}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Nobody connected: the dispatcher must see an error so it falls back to
	// a durable channel.
	if err := s.Send(context.Background(), config.ChannelConfig{Name: "live", Type: "push"}, testMessage()); err == nil {
		t.Fatalf("Send succeeded with zero connected sessions")
	}
}

func TestDispatcher_Ready(t *testing.T) {
	cfg := &config.NotificationConfig{
		Channels: []config.ChannelConfig{
			{Name: "ops", Type: "webhook", Enabled: true},
			{Name: "live", Type: "push", Enabled: true},
			{Name: "mail", Type: "email", Enabled: false}, // Disabled channels need no sender.
		},
	}
	d := newTestDispatcher(cfg, &fakeSender{typ: "webhook"})

	if err := d.Ready(context.Background()); err == nil {
		t.Errorf("Ready passed with no sender for the push channel")
	}

	d.RegisterSender(NewPushSender(&fakeHub{}, slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := d.Ready(context.Background()); err != nil {
		t.Errorf("Ready: %v", err)
	}
}
