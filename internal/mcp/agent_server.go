package mcp

import (
	"context"
	"fmt"
)

// AgentServerName is the per-agent agent-control server.
const AgentServerName = "agent"

// AgentController is the slice of the network manager the agent server
// needs. Defined here so the server does not depend on the manager package.
type AgentController interface {
	SpawnAgent(ctx context.Context, parentAgentID, agentType, name, prompt string) (string, error)
	RouteMessage(ctx context.Context, senderAgentID, targetAgentID, message string) error
	SetAgentStatus(ctx context.Context, agentID, status string) error
	TerminateAgent(ctx context.Context, requesterAgentID, targetAgentID, reason string) error
}

// AgentServer exposes spawn/message/status/terminate to one agent. It is
// per-agent: each instance is bound to the calling agent's id so the
// controller can attribute and authorize operations.
type AgentServer struct {
	BaseServer
	agentID    string
	controller AgentController
}

// NewAgentServer creates the agent-control server for one agent.
func NewAgentServer(agentID string, controller AgentController) *AgentServer {
	return &AgentServer{
		BaseServer: NewBaseServer(AgentServerName, "1.0.0"),
		agentID:    agentID,
		controller: controller,
	}
}

func (s *AgentServer) Tools() []Tool {
	return []Tool{
		{
			Name:        "spawnAgent",
			Description: "Spawn a new agent in this network and send it an initial prompt.",
			InputSchema: ObjectSchema(map[string]any{
				"type":           StringProp("Agent type: implementation, planning, contextCollection, flutterTester, or a user-defined type."),
				"name":           StringProp("Human-readable agent name."),
				"initial_prompt": StringProp("The first message delivered to the new agent."),
			}, "type", "name", "initial_prompt"),
			Handler: s.spawn,
		},
		{
			Name:        "sendMessageToAgent",
			Description: "Send a message to another agent in this network.",
			InputSchema: ObjectSchema(map[string]any{
				"target_agent_id": StringProp("The receiving agent's id."),
				"message":         StringProp("The message to deliver."),
			}, "target_agent_id", "message"),
			Handler: s.send,
		},
		{
			Name:        "setAgentStatus",
			Description: "Set this agent's status: idle, working, waitingForAgent or waitingForUser.",
			InputSchema: ObjectSchema(map[string]any{
				"status": StringProp("The new status."),
			}, "status"),
			Handler: s.setStatus,
		},
		{
			Name:        "terminateAgent",
			Description: "Terminate an agent in this network. The main agent cannot be terminated.",
			InputSchema: ObjectSchema(map[string]any{
				"target_agent_id": StringProp("The agent to terminate."),
				"reason":          StringProp("Why the agent is being terminated."),
			}, "target_agent_id"),
			Handler: s.terminate,
		},
	}
}

func (s *AgentServer) spawn(ctx context.Context, args map[string]any) (*ToolResult, error) {
	agentType, _ := args["type"].(string)
	name, _ := args["name"].(string)
	prompt, _ := args["initial_prompt"].(string)
	id, err := s.controller.SpawnAgent(ctx, s.agentID, agentType, name, prompt)
	if err != nil {
		return Errorf("spawn failed: %v", err), nil
	}
	return &ToolResult{Content: TextContent(fmt.Sprintf("Spawned agent %s (%s).", id, agentType))}, nil
}

func (s *AgentServer) send(ctx context.Context, args map[string]any) (*ToolResult, error) {
	target, _ := args["target_agent_id"].(string)
	message, _ := args["message"].(string)
	if err := s.controller.RouteMessage(ctx, s.agentID, target, message); err != nil {
		return Errorf("message not delivered: %v", err), nil
	}
	return &ToolResult{Content: TextContent(fmt.Sprintf("Message delivered to %s.", target))}, nil
}

func (s *AgentServer) setStatus(ctx context.Context, args map[string]any) (*ToolResult, error) {
	status, _ := args["status"].(string)
	if err := s.controller.SetAgentStatus(ctx, s.agentID, status); err != nil {
		return Errorf("status not updated: %v", err), nil
	}
	return &ToolResult{Content: TextContent(fmt.Sprintf("Status set to %s.", status))}, nil
}

func (s *AgentServer) terminate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	target, _ := args["target_agent_id"].(string)
	reason, _ := args["reason"].(string)
	if err := s.controller.TerminateAgent(ctx, s.agentID, target, reason); err != nil {
		return Errorf("terminate failed: %v", err), nil
	}
	return &ToolResult{Content: TextContent(fmt.Sprintf("Terminated agent %s.", target))}, nil
}
