package oversight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/domain"
)

// HTTPExecutor forwards approved actions to a remote execution venue over
// HTTP. The venue responds with the fill details; any non-2xx response or
// transport error marks the request failed.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPExecutor creates an execution callback posting to cfg.Endpoint.
func NewHTTPExecutor(cfg config.ExecutionConfig, logger *slog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout()},
		logger:   logger,
	}
}

// executionPayload is the wire format sent to the execution venue.
type executionPayload struct {
	RequestID string                `json:"request_id"`
	Action    domain.ProposedAction `json:"action"`
	Priority  string                `json:"priority"`
	Approvals int                   `json:"approvals"`
}

// Execute submits the approved action and decodes the venue's outcome.
func (e *HTTPExecutor) Execute(ctx context.Context, req *domain.OversightRequest) (*domain.ExecutionOutcome, error) {
	payload, err := json.Marshal(executionPayload{
		RequestID: req.ID.String(),
		Action:    req.Context.Action,
		Priority:  string(req.Priority),
		Approvals: req.ApproveCount(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling execution payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating execution request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling execution venue: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("execution venue returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var outcome domain.ExecutionOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return nil, fmt.Errorf("parsing execution outcome: %w", err)
	}

	e.logger.Info("execution completed",
		slog.String("request_id", req.ID.String()),
		slog.String("order_id", outcome.OrderID),
		slog.Duration("elapsed", time.Since(started)),
	)
	return &outcome, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
