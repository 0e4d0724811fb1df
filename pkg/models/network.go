package models

import "time"

// AgentType classifies an agent's role inside a network. User-defined types
// use the "userDefined:<name>" form.
type AgentType string

const (
	AgentTypeMain              AgentType = "main"
	AgentTypeImplementation    AgentType = "implementation"
	AgentTypePlanning          AgentType = "planning"
	AgentTypeContextCollection AgentType = "contextCollection"
	AgentTypeFlutterTester     AgentType = "flutterTester"
)

// UserDefinedAgentType builds the AgentType for a user-defined definition.
func UserDefinedAgentType(name string) AgentType {
	return AgentType("userDefined:" + name)
}

// UserDefinedName extracts the definition name from a user-defined agent
// type, or "" when the type is builtin.
func (t AgentType) UserDefinedName() string {
	const prefix = "userDefined:"
	s := string(t)
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return ""
}

// AgentStatus is the externally visible work state of an agent.
type AgentStatus string

const (
	AgentStatusIdle            AgentStatus = "idle"
	AgentStatusWorking         AgentStatus = "working"
	AgentStatusWaitingForAgent AgentStatus = "waitingForAgent"
	AgentStatusWaitingForUser  AgentStatus = "waitingForUser"
)

// AgentMetadata is the persisted row for one agent in a network. Rows are
// appended on spawn and never reordered; termination keeps the row but
// detaches the live client.
type AgentMetadata struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      AgentType   `json:"type"`
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`

	TotalInputTokens              int     `json:"total_input_tokens"`
	TotalOutputTokens             int     `json:"total_output_tokens"`
	TotalCacheReadInputTokens     int     `json:"total_cache_read_input_tokens"`
	TotalCacheCreationInputTokens int     `json:"total_cache_creation_input_tokens"`
	TotalCostUSD                  float64 `json:"total_cost_usd"`
}

// AgentNetwork is a flat, persisted set of agents cooperating toward a goal.
// WorktreePath, when non-empty, is the shared filesystem root for every agent
// in the network; when empty each agent falls back to the process
// working-directory provider.
type AgentNetwork struct {
	ID           string          `json:"id"`
	Goal         string          `json:"goal"`
	Agents       []AgentMetadata `json:"agents"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActiveAt *time.Time      `json:"last_active_at,omitempty"`
	WorktreePath string          `json:"worktree_path,omitempty"`
}

// Agent returns the metadata row for the given agent ID.
func (n *AgentNetwork) Agent(id string) (*AgentMetadata, bool) {
	for i := range n.Agents {
		if n.Agents[i].ID == id {
			return &n.Agents[i], true
		}
	}
	return nil, false
}

// MainAgent returns the network's main agent row, if present.
func (n *AgentNetwork) MainAgent() (*AgentMetadata, bool) {
	for i := range n.Agents {
		if n.Agents[i].Type == AgentTypeMain {
			return &n.Agents[i], true
		}
	}
	return nil, false
}
