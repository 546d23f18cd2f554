// Package ws implements the WebSocket push channel for approvers. Approvers
// connect, authenticate with their API key, and receive oversight
// notifications in real-time instead of polling the request list.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 5 * time.Second
)

// MessageType identifies a frame on the approver channel.
type MessageType string

const (
	MsgPush MessageType = "push"
	MsgPing MessageType = "ping"
	MsgAck  MessageType = "ack"
)

// Frame is the wire envelope for approver channel messages.
type Frame struct {
	Type      MessageType       `json:"type"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

// Server is the WebSocket hub for approver sessions. An approver may hold
// several concurrent sessions (desktop and mobile); a push is delivered to
// all of them.
type Server struct {
	apiKeys map[string]string // API key → approver ID mapping.
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{} // approver ID → live sessions.
}

type session struct {
	conn       *websocket.Conn
	approverID string

	// Serializes writes: the hub and the heartbeat loop both write.
	writeMu sync.Mutex
}

// NewServer creates a WebSocket approver hub.
func NewServer(apiKeys map[string]string, logger *slog.Logger) *Server {
	return &Server{
		apiKeys:  apiKeys,
		logger:   logger,
		sessions: make(map[string]map[*session]struct{}),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Connected returns the number of live sessions for the approver.
func (s *Server) Connected(approverID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[approverID])
}

// Push delivers a notification to every live session of the given approvers.
// Returns the number of sessions the message was written to. Implements the
// notification broadcaster contract: zero means nobody is listening and the
// caller should fall back to a durable channel.
func (s *Server) Push(ctx context.Context, approverIDs []string, subject, body string, metadata map[string]string) int {
	frame := &Frame{
		Type:      MsgPush,
		Subject:   subject,
		Body:      body,
		RequestID: metadata["request_id"],
		Metadata:  metadata,
		SentAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to marshal push frame", slog.Any("error", err))
		return 0
	}

	var targets []*session
	s.mu.RLock()
	for _, id := range approverIDs {
		for sess := range s.sessions[id] {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, sess := range targets {
		if err := sess.write(ctx, data); err != nil {
			s.logger.Debug("push write failed, dropping session",
				slog.String("approver_id", sess.approverID),
				slog.String("error", err.Error()),
			)
			s.drop(sess)
			continue
		}
		delivered++
	}
	return delivered
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	approverID := s.authenticate(r)
	if approverID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"tradegate-approver-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, approverID)
}

// authenticate resolves the approver ID from the token query parameter or the
// Authorization header. Constant-time key comparison.
func (s *Server) authenticate(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return ""
	}
	approverID := ""
	for key, id := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			approverID = id
		}
	}
	return approverID
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, approverID string) {
	sess := &session{conn: conn, approverID: approverID}
	s.register(sess)
	defer func() {
		s.drop(sess)
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	s.logger.Info("approver connected",
		slog.String("approver_id", approverID),
		slog.Int("sessions", s.Connected(approverID)),
	)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, sess)

	// Read loop. Approver clients send acks; anything else is logged and
	// ignored. The loop exists mainly to detect disconnects.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("approver disconnected normally", slog.String("approver_id", approverID))
			} else {
				s.logger.Debug("approver connection closed",
					slog.String("approver_id", approverID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("invalid message from approver",
				slog.String("approver_id", approverID),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch frame.Type {
		case MsgAck:
			s.logger.Debug("push acknowledged",
				slog.String("approver_id", approverID),
				slog.String("request_id", frame.RequestID),
			)
		default:
			s.logger.Warn("unknown message type from approver",
				slog.String("approver_id", approverID),
				slog.String("type", string(frame.Type)),
			)
		}
	}
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.approverID] == nil {
		s.sessions[sess.approverID] = make(map[*session]struct{})
	}
	s.sessions[sess.approverID][sess] = struct{}{}
}

func (s *Server) drop(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sessions[sess.approverID]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(s.sessions, sess.approverID)
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(&Frame{Type: MsgPing, SentAt: time.Now().UTC()})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.write(ctx, ping); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("approver_id", sess.approverID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (sess *session) write(ctx context.Context, data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return sess.conn.Write(wctx, websocket.MessageText, data)
}
