package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// MCPNotifier pushes engine notices (gate suspensions, resolutions) to the
// agent's live MCP session. Delivery is best-effort: an agent with no bound
// session, or one that disconnected mid-send, is silently skipped.
type MCPNotifier struct {
	srv      *server.MCPServer
	sessions *SessionRegistry
}

func NewMCPNotifier(srv *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{srv: srv, sessions: sessions}
}

// Notify sends a notifications/message payload to the agent's session.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}

	err := n.srv.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Disconnected between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
