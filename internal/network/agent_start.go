package network

import (
	"context"
	"fmt"

	"github.com/vide-ai/vide/internal/client"
	"github.com/vide-ai/vide/internal/mcp"
	"github.com/vide-ai/vide/pkg/models"
)

// startAgent builds the MCP host and client for one agent and wires its
// accounting subscription. sessionFile is non-empty on resume.
func (m *Manager) startAgent(ctx context.Context, network *models.AgentNetwork, agentID string, agentType models.AgentType, sessionFile string) (ManagedClient, error) {
	agentCfg, err := m.builder.Build(agentType)
	if err != nil {
		return nil, err
	}
	workdir, err := m.EffectiveWorkingDirectory(network)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	host := mcp.NewHost(m.logger)
	shared := m.acquireShared(network.ID, workdir)
	for _, name := range agentCfg.MCPServers {
		switch name {
		case mcp.MemoryServerName:
			err = host.Register(shared.memory, true)
		case mcp.TasksServerName:
			err = host.Register(shared.tasks, true)
		case mcp.GitServerName:
			err = host.Register(shared.git, true)
		case mcp.FlutterServerName:
			err = host.Register(shared.flutter, true)
		case mcp.AgentServerName:
			err = host.Register(mcp.NewAgentServer(agentID, m.controller()), false)
		default:
			err = fmt.Errorf("unknown mcp server %q", name)
		}
		if err != nil {
			m.releaseShared(ctx, network.ID)
			return nil, err
		}
	}

	canUseTool := func(ctx context.Context, req models.PermissionRequest) (models.PermissionResponse, error) {
		resp, err := m.broker.Request(ctx, req)
		if m.metrics != nil && err == nil {
			m.metrics.PermissionDecisions.WithLabelValues(string(resp.Decision)).Inc()
		}
		return resp, err
	}

	clientCfg := client.Config{
		AgentID:          agentID,
		SessionID:        agentID,
		SystemPrompt:     agentCfg.SystemPrompt,
		WorkingDirectory: workdir,
		CLICommand:       m.cliCommand,
		SessionFile:      sessionFile,
	}
	c, err := m.factory(ctx, clientCfg, host, nil, canUseTool)
	if err != nil {
		m.releaseShared(ctx, network.ID)
		return nil, fmt.Errorf("create client for agent %s: %w", agentID, err)
	}

	m.mu.Lock()
	m.clients[agentID] = c
	listeners := append([]AgentListener{}, m.agentListeners...)
	m.mu.Unlock()

	m.watchAccounting(network.ID, agentID, c)
	for _, fn := range listeners {
		fn(network.ID, agentID)
	}
	if m.metrics != nil {
		m.metrics.ActiveAgents.WithLabelValues(network.ID).Inc()
	}
	m.logger.Info("agent started", "network_id", network.ID, "agent_id", agentID, "type", agentType)
	return c, nil
}

// watchAccounting copies conversation token totals into the agent's
// metadata row after every completed turn and persists the network.
func (m *Manager) watchAccounting(networkID, agentID string, c ManagedClient) {
	turns, cancel := c.OnTurnComplete()
	m.mu.Lock()
	m.subCancels[agentID] = append(m.subCancels[agentID], cancel)
	m.mu.Unlock()

	go func() {
		// Resumed conversations carry prior-session totals; only growth
		// counts toward the token instruments.
		seed := c.Conversation()
		prevInput, prevOutput := seed.TotalInputTokens, seed.TotalOutputTokens
		for range turns {
			conv := c.Conversation()
			m.mu.Lock()
			network, ok := m.networks[networkID]
			if ok {
				if meta, found := network.Agent(agentID); found {
					meta.TotalInputTokens = conv.TotalInputTokens
					meta.TotalOutputTokens = conv.TotalOutputTokens
					meta.TotalCacheReadInputTokens = conv.TotalCacheReadInputTokens
					meta.TotalCacheCreationInputTokens = conv.TotalCacheCreationInputTokens
					meta.TotalCostUSD = conv.TotalCostUSD
				}
			}
			m.mu.Unlock()
			if ok {
				if err := m.persist(networkID); err != nil {
					m.logger.Warn("accounting persist failed", "network_id", networkID, "error", err)
				}
			}
			if m.metrics != nil {
				network, found := m.Network(networkID)
				agentType := ""
				if found {
					if meta, ok := network.Agent(agentID); ok {
						agentType = string(meta.Type)
					}
				}
				m.metrics.TurnsCompleted.WithLabelValues(networkID, agentType).Inc()
				m.metrics.TokensUsed.WithLabelValues(networkID, "input").Add(float64(conv.TotalInputTokens - prevInput))
				m.metrics.TokensUsed.WithLabelValues(networkID, "output").Add(float64(conv.TotalOutputTokens - prevOutput))
			}
			prevInput = conv.TotalInputTokens
			prevOutput = conv.TotalOutputTokens
		}
	}()
}

// acquireShared returns the network's shared MCP servers, creating them on
// first use, and takes a reference.
func (m *Manager) acquireShared(networkID, workdir string) *sharedServers {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shared[networkID]
	if !ok {
		workdirFn := func() string {
			if network, found := m.networks[networkID]; found && network.WorktreePath != "" {
				return network.WorktreePath
			}
			return workdir
		}
		s = &sharedServers{
			memory:  mcp.NewMemoryServer(m.scope.Memory()),
			tasks:   mcp.NewTasksServer(),
			git:     mcp.NewGitServer(workdirFn),
			flutter: mcp.NewFlutterServer(workdirFn),
		}
		m.shared[networkID] = s
	}
	s.refs++
	return s
}

// releaseShared drops one reference; the last client out stops the shared
// servers.
func (m *Manager) releaseShared(ctx context.Context, networkID string) {
	m.mu.Lock()
	s, ok := m.shared[networkID]
	if ok {
		s.refs--
		if s.refs <= 0 {
			delete(m.shared, networkID)
		} else {
			s = nil
		}
	}
	m.mu.Unlock()
	if s != nil && ok {
		s.stopAll(ctx)
	}
}
