package network

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vide-ai/vide/internal/agents"
	"github.com/vide-ai/vide/internal/client"
	"github.com/vide-ai/vide/internal/config"
	"github.com/vide-ai/vide/internal/mcp"
	"github.com/vide-ai/vide/internal/observability"
	"github.com/vide-ai/vide/internal/permissions"
	"github.com/vide-ai/vide/internal/protocol"
	"github.com/vide-ai/vide/pkg/models"
)

// fakeClient is a ManagedClient that records messages and lets tests drive
// conversation updates without a subprocess.
type fakeClient struct {
	agentID     string
	cfg         client.Config
	host        *mcp.Host
	canUseTool  client.CanUseTool
	mu          sync.Mutex
	sent        []string
	closed      bool
	conv        models.Conversation
	subscribers []chan models.Conversation
	turnSubs    []chan struct{}
}

func (f *fakeClient) AgentID() string { return f.agentID }

func (f *fakeClient) Conversation() models.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conv
}

func (f *fakeClient) Subscribe() (<-chan models.Conversation, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan models.Conversation, 256)
	f.subscribers = append(f.subscribers, ch)
	return ch, func() {}
}

func (f *fakeClient) OnTurnComplete() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{}, 16)
	f.turnSubs = append(f.turnSubs, ch)
	return ch, func() {}
}

func (f *fakeClient) SendMessage(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("client closed")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeClient) Abort(ctx context.Context) error { return nil }

func (f *fakeClient) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) MCPServer(name string) (mcp.Server, bool) {
	return f.host.Server(name)
}

// push installs a snapshot and fans it out like the real client would.
func (f *fakeClient) push(conv models.Conversation, turnComplete bool) {
	f.mu.Lock()
	f.conv = conv
	subs := append([]chan models.Conversation{}, f.subscribers...)
	turns := append([]chan struct{}{}, f.turnSubs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- conv
	}
	if turnComplete {
		for _, ch := range turns {
			ch <- struct{}{}
		}
	}
}

func (f *fakeClient) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.sent...)
}

// testManager builds a manager over temp storage with a recording factory.
func testManager(t *testing.T) (*Manager, map[string]*fakeClient, *config.Scope) {
	t.Helper()
	scope := config.NewScope(t.TempDir(), "/proj", func() (string, error) {
		return "/proj", nil
	})
	clients := make(map[string]*fakeClient)
	var mu sync.Mutex
	factory := func(ctx context.Context, cfg client.Config, host *mcp.Host, hooks map[string]protocol.HookFunc, canUseTool client.CanUseTool) (ManagedClient, error) {
		fc := &fakeClient{
			agentID:    cfg.AgentID,
			cfg:        cfg,
			host:       host,
			canUseTool: canUseTool,
			conv:       models.NewConversation(),
		}
		mu.Lock()
		clients[cfg.AgentID] = fc
		mu.Unlock()
		return fc, nil
	}
	m := NewManager(Options{
		Scope:   scope,
		Builder: agents.NewBuilder(t.TempDir()),
		Broker:  permissions.NewBroker(nil, observability.NopLogger()),
		Logger:  observability.NopLogger(),
		Factory: factory,
	})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, clients, scope
}

func TestStartNew(t *testing.T) {
	m, clients, scope := testManager(t)

	network, err := m.StartNew(context.Background(), "build the feature", "")
	if err != nil {
		t.Fatalf("StartNew: %v", err)
	}

	main, ok := network.MainAgent()
	if !ok {
		t.Fatal("network needs a main agent")
	}
	if main.Status != models.AgentStatusWorking {
		t.Errorf("main status = %q", main.Status)
	}

	fc := clients[main.ID]
	if fc == nil {
		t.Fatal("factory never ran for the main agent")
	}
	msgs := fc.messages()
	if len(msgs) != 1 || msgs[0] != "build the feature" {
		t.Errorf("messages = %v", msgs)
	}

	// Persisted on disk.
	loaded, err := scope.Networks().Load(network.ID)
	if err != nil {
		t.Fatalf("network not persisted: %v", err)
	}
	if loaded.Goal != "build the feature" {
		t.Errorf("persisted goal = %q", loaded.Goal)
	}

	if cur, ok := m.CurrentNetwork(); !ok || cur.ID != network.ID {
		t.Error("new network should be current")
	}
}

func TestSpawnPrefixesPromptAndParksParent(t *testing.T) {
	m, clients, _ := testManager(t)
	network, err := m.StartNew(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := network.MainAgent()

	childID, err := m.Spawn(context.Background(), main.ID, models.AgentTypeImplementation, "impl-1", "add the endpoint")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	child := clients[childID]
	msgs := child.messages()
	want := "[SPAWNED BY AGENT: " + main.ID + "] add the endpoint"
	if len(msgs) != 1 || msgs[0] != want {
		t.Errorf("spawn prompt = %v, want %q", msgs, want)
	}

	net, _ := m.Network(network.ID)
	if meta, _ := net.Agent(main.ID); meta.Status != models.AgentStatusWaitingForAgent {
		t.Errorf("parent status = %q, want waitingForAgent", meta.Status)
	}
	if meta, ok := net.Agent(childID); !ok || meta.Type != models.AgentTypeImplementation {
		t.Errorf("child row = %+v, %v", meta, ok)
	}
}

func TestRoute(t *testing.T) {
	m, clients, _ := testManager(t)
	network, err := m.StartNew(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := network.MainAgent()
	childID, err := m.Spawn(context.Background(), main.ID, models.AgentTypePlanning, "plan", "plan it")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Route(context.Background(), childID, main.ID, "plan ready"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	msgs := clients[main.ID].messages()
	want := "[MESSAGE FROM AGENT: " + childID + "] plan ready"
	if msgs[len(msgs)-1] != want {
		t.Errorf("routed = %q, want %q", msgs[len(msgs)-1], want)
	}

	if err := m.Route(context.Background(), main.ID, "ghost", "x"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("unknown target err = %v", err)
	}
	if err := m.Route(context.Background(), "ghost", main.ID, "x"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("unknown sender err = %v", err)
	}
}

func TestTerminate(t *testing.T) {
	m, clients, _ := testManager(t)
	network, err := m.StartNew(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := network.MainAgent()
	childID, err := m.Spawn(context.Background(), main.ID, models.AgentTypeImplementation, "impl", "do it")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Terminate(context.Background(), main.ID, "nope"); !errors.Is(err, ErrMainNotTerminable) {
		t.Errorf("terminating main = %v", err)
	}

	if err := m.Terminate(context.Background(), childID, "done"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !clients[childID].closed {
		t.Error("terminated client should be closed")
	}

	// The row survives termination; routing to it fails typed.
	net, _ := m.Network(network.ID)
	if _, ok := net.Agent(childID); !ok {
		t.Error("terminated agent row must remain")
	}
	if err := m.Route(context.Background(), main.ID, childID, "hello?"); !errors.Is(err, ErrAgentTerminated) {
		t.Errorf("route to terminated = %v", err)
	}
	if err := m.Terminate(context.Background(), childID, "again"); !errors.Is(err, ErrAgentTerminated) {
		t.Errorf("double terminate = %v", err)
	}
}

func TestEffectiveWorkingDirectory(t *testing.T) {
	m, _, _ := testManager(t)

	withWorktree := &models.AgentNetwork{WorktreePath: "/worktrees/f1"}
	dir, err := m.EffectiveWorkingDirectory(withWorktree)
	if err != nil || dir != "/worktrees/f1" {
		t.Errorf("worktree dir = %q, %v", dir, err)
	}

	plain := &models.AgentNetwork{}
	dir, err = m.EffectiveWorkingDirectory(plain)
	if err != nil || dir != "/proj" {
		t.Errorf("fallback dir = %q, %v", dir, err)
	}
}

func TestWorktreeFlowsToClients(t *testing.T) {
	m, clients, _ := testManager(t)
	network, err := m.StartNew(context.Background(), "goal", "/worktrees/f2")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := network.MainAgent()
	if clients[main.ID].cfg.WorkingDirectory != "/worktrees/f2" {
		t.Errorf("client workdir = %q", clients[main.ID].cfg.WorkingDirectory)
	}

	childID, err := m.Spawn(context.Background(), main.ID, models.AgentTypePlanning, "p", "x")
	if err != nil {
		t.Fatal(err)
	}
	if clients[childID].cfg.WorkingDirectory != "/worktrees/f2" {
		t.Error("spawned agents must share the network worktree")
	}
}

func TestResumeRebuildsClients(t *testing.T) {
	m, clients, scope := testManager(t)
	network, err := m.StartNew(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := network.MainAgent()
	m.Shutdown(context.Background())

	// A fresh manager over the same scope resumes from disk.
	clients2 := make(map[string]*fakeClient)
	var mu sync.Mutex
	m2 := NewManager(Options{
		Scope:   scope,
		Builder: agents.NewBuilder(t.TempDir()),
		Broker:  permissions.NewBroker(nil, observability.NopLogger()),
		Logger:  observability.NopLogger(),
		Factory: func(ctx context.Context, cfg client.Config, host *mcp.Host, hooks map[string]protocol.HookFunc, canUseTool client.CanUseTool) (ManagedClient, error) {
			fc := &fakeClient{agentID: cfg.AgentID, cfg: cfg, host: host, conv: models.NewConversation()}
			mu.Lock()
			clients2[cfg.AgentID] = fc
			mu.Unlock()
			return fc, nil
		},
	})
	defer m2.Shutdown(context.Background())

	resumed, err := m2.Resume(context.Background(), network.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Goal != "goal" {
		t.Errorf("resumed goal = %q", resumed.Goal)
	}
	fc := clients2[main.ID]
	if fc == nil {
		t.Fatal("resume should rebuild the main agent client")
	}
	if fc.cfg.SessionFile == "" {
		t.Error("resumed clients load the CLI session file")
	}
	_ = clients

	if _, err := m2.Resume(context.Background(), "no-such-network"); !errors.Is(err, ErrUnknownNetwork) {
		t.Errorf("unknown network = %v", err)
	}
}

func TestAccountingCopiesTotals(t *testing.T) {
	m, clients, scope := testManager(t)
	network, err := m.StartNew(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := network.MainAgent()
	fc := clients[main.ID]

	conv := models.NewConversation().AccumulateUsage(models.TokenUsage{
		InputTokens: 500, OutputTokens: 200, CacheReadTokens: 1000,
	}, 0.12)
	fc.push(conv, true)

	// The accounting goroutine persists after the turn signal.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		loaded, err := scope.Networks().Load(network.ID)
		if err == nil {
			if meta, ok := loaded.Agent(main.ID); ok && meta.TotalInputTokens == 500 {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	net, _ := m.Network(network.ID)
	meta, _ := net.Agent(main.ID)
	if meta.TotalInputTokens != 500 || meta.TotalCostUSD != 0.12 {
		t.Errorf("metadata totals = %+v", meta)
	}
}

func TestStatusListener(t *testing.T) {
	m, _, _ := testManager(t)
	network, err := m.StartNew(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := network.MainAgent()

	var got []string
	var mu sync.Mutex
	m.OnStatus(func(networkID, agentID string, status models.AgentStatus) {
		mu.Lock()
		got = append(got, agentID+":"+string(status))
		mu.Unlock()
	})

	if err := m.SetStatus(main.ID, models.AgentStatusIdle); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !strings.HasSuffix(got[0], ":idle") {
		t.Errorf("listener saw %v", got)
	}
}

func TestControllerAdapter(t *testing.T) {
	m, clients, _ := testManager(t)
	network, err := m.StartNew(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := network.MainAgent()
	ctl := m.controller()

	childID, err := ctl.SpawnAgent(context.Background(), main.ID, "implementation", "worker", "do it")
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if clients[childID] == nil {
		t.Fatal("spawned child should have a client")
	}

	if err := ctl.SetAgentStatus(context.Background(), childID, "working"); err != nil {
		t.Errorf("SetAgentStatus: %v", err)
	}
	if err := ctl.SetAgentStatus(context.Background(), childID, "sleeping"); err == nil {
		t.Error("invalid status must be rejected")
	}

	if err := ctl.RouteMessage(context.Background(), childID, main.ID, "done"); err != nil {
		t.Errorf("RouteMessage: %v", err)
	}
	if err := ctl.TerminateAgent(context.Background(), main.ID, childID, "finished"); err != nil {
		t.Errorf("TerminateAgent: %v", err)
	}
}

func TestNetworkReturnsDetachedSnapshot(t *testing.T) {
	m, _, _ := testManager(t)
	network, err := m.StartNew(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := network.MainAgent()

	// Mutating a returned snapshot must not leak into manager state.
	main.Status = models.AgentStatusIdle
	network.Agents = append(network.Agents, models.AgentMetadata{ID: "bogus"})

	fresh, ok := m.Network(network.ID)
	if !ok {
		t.Fatal("network lookup failed")
	}
	if len(fresh.Agents) != 1 {
		t.Errorf("agents = %d, want 1", len(fresh.Agents))
	}
	meta, _ := fresh.Agent(main.ID)
	if meta.Status != models.AgentStatusWorking {
		t.Errorf("status = %q, want working", meta.Status)
	}

	// Two lookups are independent copies.
	first, _ := m.Network(network.ID)
	first.Agents[0].Status = models.AgentStatusIdle
	second, _ := m.Network(network.ID)
	if second.Agents[0].Status != models.AgentStatusWorking {
		t.Error("lookups must not alias each other")
	}
}

func TestTokenMetricsAdvancePerTurn(t *testing.T) {
	scope := config.NewScope(t.TempDir(), "/proj", func() (string, error) {
		return "/proj", nil
	})
	clients := make(map[string]*fakeClient)
	var mu sync.Mutex
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	m := NewManager(Options{
		Scope:   scope,
		Builder: agents.NewBuilder(t.TempDir()),
		Broker:  permissions.NewBroker(nil, observability.NopLogger()),
		Metrics: metrics,
		Logger:  observability.NopLogger(),
		Factory: func(ctx context.Context, cfg client.Config, host *mcp.Host, hooks map[string]protocol.HookFunc, canUseTool client.CanUseTool) (ManagedClient, error) {
			fc := &fakeClient{agentID: cfg.AgentID, cfg: cfg, host: host, conv: models.NewConversation()}
			mu.Lock()
			clients[cfg.AgentID] = fc
			mu.Unlock()
			return fc, nil
		},
	})
	defer m.Shutdown(context.Background())

	network, err := m.StartNew(context.Background(), "goal", "")
	if err != nil {
		t.Fatal(err)
	}
	main, _ := network.MainAgent()
	fc := clients[main.ID]

	conv := models.NewConversation().AccumulateUsage(models.TokenUsage{InputTokens: 100, OutputTokens: 40}, 0)
	fc.push(conv, true)
	conv = conv.AccumulateUsage(models.TokenUsage{InputTokens: 50, OutputTokens: 10}, 0)
	fc.push(conv, true)

	input := metrics.TokensUsed.WithLabelValues(network.ID, "input")
	output := metrics.TokensUsed.WithLabelValues(network.ID, "output")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(input) == 150 && testutil.ToFloat64(output) == 50 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(input); got != 150 {
		t.Errorf("input tokens counter = %v, want 150", got)
	}
	if got := testutil.ToFloat64(output); got != 50 {
		t.Errorf("output tokens counter = %v, want 50", got)
	}
	turns := metrics.TurnsCompleted.WithLabelValues(network.ID, string(models.AgentTypeMain))
	if got := testutil.ToFloat64(turns); got != 2 {
		t.Errorf("turns counter = %v, want 2", got)
	}
}
