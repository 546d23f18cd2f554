package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/halcyonlabs/tradegate/internal/config"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackSender sends notifications via the Slack Web API. The bot token is
// resolved per-channel from CredentialRef.
type SlackSender struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlackSender creates a Slack notification sender.
func NewSlackSender(logger *slog.Logger) *SlackSender {
	return &SlackSender{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, ch config.ChannelConfig, msg *Message) error {
	channelID := ch.Config["channel_id"]
	if channelID == "" {
		return fmt.Errorf("slack channel %q missing channel_id in config", ch.Name)
	}

	token := ""
	if ch.CredentialRef != "" {
		token = os.Getenv(ch.CredentialRef)
	}
	if token == "" {
		return fmt.Errorf("slack channel %q has no bot token (credential_ref %q)", ch.Name, ch.CredentialRef)
	}

	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}

	payload := map[string]any{
		"channel": channelID,
		"text":    text,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackPostMessageURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", resp.StatusCode, string(respBody))
	}

	// Slack returns 200 even on errors; check the "ok" field.
	var slackResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err == nil && !slackResp.OK {
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}

	return nil
}
