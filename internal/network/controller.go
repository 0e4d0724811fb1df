package network

import (
	"context"
	"fmt"

	"github.com/vide-ai/vide/internal/mcp"
	"github.com/vide-ai/vide/pkg/models"
)

// controllerAdapter exposes the manager to agent MCP servers with the
// string-typed surface the tools use.
type controllerAdapter struct {
	m *Manager
}

func (m *Manager) controller() mcp.AgentController {
	return &controllerAdapter{m: m}
}

func (a *controllerAdapter) SpawnAgent(ctx context.Context, parentAgentID, agentType, name, prompt string) (string, error) {
	t, err := a.m.builder.ParseType(agentType)
	if err != nil {
		return "", err
	}
	return a.m.Spawn(ctx, parentAgentID, t, name, prompt)
}

func (a *controllerAdapter) RouteMessage(ctx context.Context, senderAgentID, targetAgentID, message string) error {
	return a.m.Route(ctx, senderAgentID, targetAgentID, message)
}

func (a *controllerAdapter) SetAgentStatus(ctx context.Context, agentID, status string) error {
	switch models.AgentStatus(status) {
	case models.AgentStatusIdle, models.AgentStatusWorking,
		models.AgentStatusWaitingForAgent, models.AgentStatusWaitingForUser:
	default:
		return fmt.Errorf("invalid status %q", status)
	}
	return a.m.SetStatus(agentID, models.AgentStatus(status))
}

func (a *controllerAdapter) TerminateAgent(ctx context.Context, requesterAgentID, targetAgentID, reason string) error {
	return a.m.Terminate(ctx, targetAgentID, reason)
}
