// Package network manages agent networks: creation, persistence, resume,
// inter-agent message routing and termination. A manager owns the map of
// live clients by agent id; everything else refers to agents by id lookup,
// never by owning pointers.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vide-ai/vide/internal/agents"
	"github.com/vide-ai/vide/internal/client"
	"github.com/vide-ai/vide/internal/config"
	"github.com/vide-ai/vide/internal/mcp"
	"github.com/vide-ai/vide/internal/observability"
	"github.com/vide-ai/vide/internal/permissions"
	"github.com/vide-ai/vide/internal/protocol"
	"github.com/vide-ai/vide/pkg/models"
)

// Errors surfaced by manager operations.
var (
	ErrUnknownNetwork    = errors.New("unknown network")
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrAgentTerminated   = errors.New("agent terminated")
	ErrMainNotTerminable = errors.New("main agent cannot be terminated")
)

// Message prefixes for inter-agent traffic.
const (
	spawnedByPrefix   = "[SPAWNED BY AGENT: %s] "
	messageFromPrefix = "[MESSAGE FROM AGENT: %s] "
)

// ManagedClient is the slice of an agent client the manager drives. The
// concrete implementation is client.Client; tests substitute fakes.
type ManagedClient interface {
	AgentID() string
	Conversation() models.Conversation
	Subscribe() (<-chan models.Conversation, func())
	OnTurnComplete() (<-chan struct{}, func())
	SendMessage(ctx context.Context, text string) error
	Abort(ctx context.Context) error
	Close(ctx context.Context) error
	MCPServer(name string) (mcp.Server, bool)
}

// ClientFactory builds a client for one agent. Injected so the manager can
// be driven without real subprocesses.
type ClientFactory func(ctx context.Context, cfg client.Config, host *mcp.Host, hooks map[string]protocol.HookFunc, canUseTool client.CanUseTool) (ManagedClient, error)

// StatusListener observes agent status transitions.
type StatusListener func(networkID, agentID string, status models.AgentStatus)

// AgentListener observes agents whose client just started.
type AgentListener func(networkID, agentID string)

// Options configures a manager.
type Options struct {
	Scope   *config.Scope
	Builder *agents.Builder
	Broker  *permissions.Broker
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// CLICommand overrides the agent CLI binary.
	CLICommand string

	// Factory overrides client construction (tests).
	Factory ClientFactory
}

// sharedServers is the per-network set of reference-counted MCP servers.
type sharedServers struct {
	memory  *mcp.MemoryServer
	tasks   *mcp.TasksServer
	git     *mcp.GitServer
	flutter *mcp.FlutterServer
	refs    int
}

// Manager creates, persists, resumes and routes between the agents of a
// project's networks.
type Manager struct {
	scope   *config.Scope
	builder *agents.Builder
	broker  *permissions.Broker
	metrics *observability.Metrics
	logger  *slog.Logger

	cliCommand string
	factory    ClientFactory

	mu               sync.Mutex
	networks         map[string]*models.AgentNetwork
	clients          map[string]ManagedClient
	agentNetwork     map[string]string // agent id -> network id
	shared           map[string]*sharedServers
	subCancels       map[string][]func()
	currentNetworkID string
	statusListeners  []StatusListener
	agentListeners   []AgentListener
	closed           bool
}

// NewManager creates a manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	m := &Manager{
		scope:        opts.Scope,
		builder:      opts.Builder,
		broker:       opts.Broker,
		metrics:      opts.Metrics,
		logger:       logger.With("component", "network"),
		cliCommand:   opts.CLICommand,
		factory:      opts.Factory,
		networks:     make(map[string]*models.AgentNetwork),
		clients:      make(map[string]ManagedClient),
		agentNetwork: make(map[string]string),
		shared:       make(map[string]*sharedServers),
		subCancels:   make(map[string][]func()),
	}
	if m.factory == nil {
		m.factory = func(ctx context.Context, cfg client.Config, host *mcp.Host, hooks map[string]protocol.HookFunc, canUseTool client.CanUseTool) (ManagedClient, error) {
			return client.Create(ctx, cfg, host, hooks, canUseTool, logger)
		}
	}
	return m
}

// OnStatus registers a status transition listener.
func (m *Manager) OnStatus(fn StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusListeners = append(m.statusListeners, fn)
}

// OnAgentStarted registers a listener for newly started agent clients.
func (m *Manager) OnAgentStarted(fn AgentListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentListeners = append(m.agentListeners, fn)
}

// Metrics returns the manager's instruments, or nil when none were
// configured.
func (m *Manager) Metrics() *observability.Metrics { return m.metrics }

// Network returns a snapshot of a network by id. Snapshots are deep copies;
// live state is only ever mutated under the manager lock.
func (m *Manager) Network(networkID string) (*models.AgentNetwork, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.networks[networkID]
	if !ok {
		return nil, false
	}
	return cloneNetwork(n), true
}

// CurrentNetwork returns a snapshot of the most recently started or resumed
// network.
func (m *Manager) CurrentNetwork() (*models.AgentNetwork, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.networks[m.currentNetworkID]
	if !ok {
		return nil, false
	}
	return cloneNetwork(n), true
}

// cloneNetwork deep-copies a network so callers can read it without holding
// the manager lock.
func cloneNetwork(n *models.AgentNetwork) *models.AgentNetwork {
	out := *n
	out.Agents = append([]models.AgentMetadata{}, n.Agents...)
	if n.LastActiveAt != nil {
		t := *n.LastActiveAt
		out.LastActiveAt = &t
	}
	return &out
}

// Client returns the live client for an agent, if any.
func (m *Manager) Client(agentID string) (ManagedClient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[agentID]
	return c, ok
}

// ListNetworks returns every persisted network, most recently active first.
func (m *Manager) ListNetworks() ([]*models.AgentNetwork, error) {
	return m.scope.Networks().List()
}

// EffectiveWorkingDirectory resolves the directory an agent of the network
// runs in: the network's worktree path when set, otherwise the scope's
// resolver.
func (m *Manager) EffectiveWorkingDirectory(network *models.AgentNetwork) (string, error) {
	if network.WorktreePath != "" {
		return network.WorktreePath, nil
	}
	return m.scope.WorkingDirectory()
}

// StartNew creates a network from an initial user message, persists it,
// starts its main agent and delivers the message.
func (m *Manager) StartNew(ctx context.Context, initialMessage, workingDirectory string) (*models.AgentNetwork, error) {
	networkID := uuid.NewString()
	mainAgentID := uuid.NewString()
	now := time.Now()
	network := &models.AgentNetwork{
		ID:   networkID,
		Goal: initialMessage,
		Agents: []models.AgentMetadata{{
			ID:        mainAgentID,
			Name:      "main",
			Type:      models.AgentTypeMain,
			Status:    models.AgentStatusWorking,
			CreatedAt: now,
		}},
		CreatedAt:    now,
		WorktreePath: workingDirectory,
	}

	if err := m.scope.Networks().Save(network); err != nil {
		return nil, fmt.Errorf("persist network: %w", err)
	}

	m.mu.Lock()
	m.networks[networkID] = network
	m.agentNetwork[mainAgentID] = networkID
	m.currentNetworkID = networkID
	m.mu.Unlock()

	if _, err := m.startAgent(ctx, network, mainAgentID, models.AgentTypeMain, ""); err != nil {
		return nil, err
	}
	c, _ := m.Client(mainAgentID)
	if err := c.SendMessage(ctx, initialMessage); err != nil {
		return nil, fmt.Errorf("send initial message: %w", err)
	}
	m.touch(networkID)
	snapshot, _ := m.Network(networkID)
	return snapshot, nil
}

// Spawn appends a new agent row, starts its client and delivers the spawn
// prompt attributed to the parent. The parent transitions to
// waitingForAgent.
func (m *Manager) Spawn(ctx context.Context, parentAgentID string, agentType models.AgentType, name, prompt string) (string, error) {
	m.mu.Lock()
	networkID, ok := m.agentNetwork[parentAgentID]
	if !ok {
		m.mu.Unlock()
		return "", ErrUnknownAgent
	}
	network := m.networks[networkID]
	agentID := uuid.NewString()
	network.Agents = append(network.Agents, models.AgentMetadata{
		ID:        agentID,
		Name:      name,
		Type:      agentType,
		Status:    models.AgentStatusWorking,
		CreatedAt: time.Now(),
	})
	m.agentNetwork[agentID] = networkID
	m.mu.Unlock()

	if err := m.persist(networkID); err != nil {
		return "", err
	}
	if _, err := m.startAgent(ctx, network, agentID, agentType, ""); err != nil {
		return "", err
	}

	c, _ := m.Client(agentID)
	if err := c.SendMessage(ctx, fmt.Sprintf(spawnedByPrefix, parentAgentID)+prompt); err != nil {
		return "", fmt.Errorf("deliver spawn prompt: %w", err)
	}
	if err := m.SetStatus(parentAgentID, models.AgentStatusWaitingForAgent); err != nil {
		m.logger.Warn("parent status update failed", "agent_id", parentAgentID, "error", err)
	}
	m.touch(networkID)
	return agentID, nil
}

// Route delivers a message from one agent to another as a user turn
// attributed to the sender. Routing to a terminated agent returns
// ErrAgentTerminated; its row stays in the network.
func (m *Manager) Route(ctx context.Context, senderAgentID, targetAgentID, message string) error {
	m.mu.Lock()
	networkID, senderKnown := m.agentNetwork[senderAgentID]
	_, targetKnown := m.agentNetwork[targetAgentID]
	target, live := m.clients[targetAgentID]
	m.mu.Unlock()

	if !senderKnown {
		return ErrUnknownAgent
	}
	if !targetKnown {
		return ErrUnknownAgent
	}
	if !live {
		return ErrAgentTerminated
	}
	if err := target.SendMessage(ctx, fmt.Sprintf(messageFromPrefix, senderAgentID)+message); err != nil {
		return err
	}
	m.touch(networkID)
	return nil
}

// SetStatus updates an agent's status, persists the network and notifies
// listeners.
func (m *Manager) SetStatus(agentID string, status models.AgentStatus) error {
	m.mu.Lock()
	networkID, ok := m.agentNetwork[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownAgent
	}
	network := m.networks[networkID]
	meta, found := network.Agent(agentID)
	if !found {
		m.mu.Unlock()
		return ErrUnknownAgent
	}
	meta.Status = status
	listeners := append([]StatusListener{}, m.statusListeners...)
	m.mu.Unlock()

	if err := m.persist(networkID); err != nil {
		return err
	}
	for _, fn := range listeners {
		fn(networkID, agentID, status)
	}
	return nil
}

// Terminate closes an agent's client and detaches it. The metadata row and
// transcript remain; subsequent routing returns ErrAgentTerminated. The
// main agent is not terminable.
func (m *Manager) Terminate(ctx context.Context, agentID, reason string) error {
	m.mu.Lock()
	networkID, ok := m.agentNetwork[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownAgent
	}
	network := m.networks[networkID]
	meta, _ := network.Agent(agentID)
	if meta != nil && meta.Type == models.AgentTypeMain {
		m.mu.Unlock()
		return ErrMainNotTerminable
	}
	c, live := m.clients[agentID]
	delete(m.clients, agentID)
	cancels := m.subCancels[agentID]
	delete(m.subCancels, agentID)
	m.mu.Unlock()

	if !live {
		return ErrAgentTerminated
	}
	for _, cancel := range cancels {
		cancel()
	}
	m.logger.Info("terminating agent", "agent_id", agentID, "reason", reason)
	if err := c.Close(ctx); err != nil {
		m.logger.Warn("agent close failed", "agent_id", agentID, "error", err)
	}
	m.releaseShared(ctx, networkID)
	if m.metrics != nil {
		m.metrics.ActiveAgents.WithLabelValues(networkID).Dec()
	}
	return m.persist(networkID)
}

// Resume rebuilds the clients of a persisted network, loading each agent's
// prior conversation from the CLI's session file.
func (m *Manager) Resume(ctx context.Context, networkID string) (*models.AgentNetwork, error) {
	network, err := m.scope.Networks().Load(networkID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownNetwork, err)
	}

	m.mu.Lock()
	m.networks[networkID] = network
	m.currentNetworkID = networkID
	for _, a := range network.Agents {
		m.agentNetwork[a.ID] = networkID
	}
	m.mu.Unlock()

	for _, a := range network.Agents {
		if _, live := m.Client(a.ID); live {
			continue
		}
		if _, err := m.startAgent(ctx, network, a.ID, a.Type, m.scope.SessionFile(a.ID)); err != nil {
			return nil, fmt.Errorf("resume agent %s: %w", a.ID, err)
		}
	}
	m.touch(networkID)
	snapshot, _ := m.Network(networkID)
	return snapshot, nil
}

// Shutdown closes every client and stops shared servers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	clients := make([]ManagedClient, 0, len(m.clients))
	for id, c := range m.clients {
		clients = append(clients, c)
		delete(m.clients, id)
	}
	var cancels []func()
	for id, cs := range m.subCancels {
		cancels = append(cancels, cs...)
		delete(m.subCancels, id)
	}
	shared := m.shared
	m.shared = make(map[string]*sharedServers)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, c := range clients {
		if err := c.Close(ctx); err != nil {
			m.logger.Warn("client close failed", "agent_id", c.AgentID(), "error", err)
		}
	}
	for _, s := range shared {
		s.stopAll(ctx)
	}
}

func (m *Manager) touch(networkID string) {
	m.mu.Lock()
	network, ok := m.networks[networkID]
	if ok {
		now := time.Now()
		network.LastActiveAt = &now
	}
	m.mu.Unlock()
	if ok {
		if err := m.persist(networkID); err != nil {
			m.logger.Warn("network persist failed", "network_id", networkID, "error", err)
		}
	}
}

func (m *Manager) persist(networkID string) error {
	m.mu.Lock()
	network, ok := m.networks[networkID]
	var snapshot *models.AgentNetwork
	if ok {
		snapshot = cloneNetwork(network)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownNetwork
	}
	if err := m.scope.Networks().Save(snapshot); err != nil {
		return fmt.Errorf("persist network %s: %w", networkID, err)
	}
	return nil
}

func (s *sharedServers) stopAll(ctx context.Context) {
	for _, srv := range []mcp.Server{s.memory, s.tasks, s.git, s.flutter} {
		if srv != nil && srv.Running() {
			srv.Stop(ctx)
		}
	}
}
