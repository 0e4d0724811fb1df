package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vide-ai/vide/pkg/models"
)

// NetworkStore persists agent networks for one project under
// <configRoot>/projects/<encoded-project-path>/networks/<networkID>.json.
type NetworkStore struct {
	dir string
}

// NewNetworkStore creates a store rooted at the project's networks
// directory.
func NewNetworkStore(configRoot, projectPath string) *NetworkStore {
	return &NetworkStore{
		dir: filepath.Join(configRoot, "projects", EncodeProjectPath(projectPath), "networks"),
	}
}

// Dir returns the directory networks are stored in.
func (s *NetworkStore) Dir() string { return s.dir }

// Save persists one network atomically.
func (s *NetworkStore) Save(network *models.AgentNetwork) error {
	if network.ID == "" {
		return fmt.Errorf("network has no id")
	}
	return WriteJSONAtomic(filepath.Join(s.dir, network.ID+".json"), network)
}

// Load reads one network by id.
func (s *NetworkStore) Load(networkID string) (*models.AgentNetwork, error) {
	var network models.AgentNetwork
	if err := ReadJSON(filepath.Join(s.dir, networkID+".json"), &network); err != nil {
		return nil, fmt.Errorf("load network %s: %w", networkID, err)
	}
	return &network, nil
}

// List returns every persisted network for the project, most recently
// active first.
func (s *NetworkStore) List() ([]*models.AgentNetwork, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list networks: %w", err)
	}
	var out []*models.AgentNetwork
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		network, err := s.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			// Skip unreadable entries rather than failing the listing.
			continue
		}
		out = append(out, network)
	}
	sort.Slice(out, func(i, j int) bool {
		return activeTime(out[i]).After(activeTime(out[j]))
	})
	return out, nil
}

// Delete removes a persisted network.
func (s *NetworkStore) Delete(networkID string) error {
	err := os.Remove(filepath.Join(s.dir, networkID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete network %s: %w", networkID, err)
	}
	return nil
}

func activeTime(n *models.AgentNetwork) time.Time {
	if n.LastActiveAt != nil {
		return *n.LastActiveAt
	}
	return n.CreatedAt
}
