package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/streaming"
)

// SessionNotifier pushes execution notifications to the MCP session of the
// execution's user. The engine is built before the MCP server exists, so the
// server is attached later with Bind; until then Notify is a no-op.
type SessionNotifier struct {
	server   atomic.Pointer[server.MCPServer]
	sessions *SessionRegistry
}

// NewSessionNotifier creates a notifier backed by sessions.
func NewSessionNotifier(sessions *SessionRegistry) *SessionNotifier {
	return &SessionNotifier{sessions: sessions}
}

// Bind attaches the MCP server used to deliver notifications.
func (n *SessionNotifier) Bind(s *server.MCPServer) { n.server.Store(s) }

// Notify implements streaming.Notifier. Best-effort: users without a
// session are skipped.
func (n *SessionNotifier) Notify(_ context.Context, note streaming.Notification) error {
	srv := n.server.Load()
	if srv == nil || note.UserID == "" {
		return nil
	}
	sessionID, ok := n.sessions.SessionFor(note.UserID)
	if !ok {
		return nil
	}
	err := srv.SendNotificationToSpecificClient(sessionID, "notifications/message", notificationPayload(note))
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func notificationPayload(note streaming.Notification) map[string]any {
	payload := map[string]any{
		"execution_id": note.ExecutionID,
		"workflow_id":  note.WorkflowID,
		"status":       note.Status,
		"timestamp":    note.Timestamp.Format(time.RFC3339Nano),
	}
	if note.StepID != "" {
		payload["step_id"] = note.StepID
	}
	if len(note.Data) > 0 {
		payload["data"] = note.Data
	}
	return payload
}

var _ streaming.Notifier = (*SessionNotifier)(nil)
