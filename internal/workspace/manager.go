package workspace

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	ErrJobAlreadyActive = errors.New("experiment already has an active workspace")
	ErrJobNotAllocated  = errors.New("no workspace allocated for experiment")
)

// Allocation tracks a single job's working directory
type Allocation struct {
	ExperimentID int64
	Dir          string
	AllocatedAt  time.Time
}

// Manager hands out one fresh, empty directory per job under a root directory.
// A directory is never reused: every allocation is a new os.MkdirTemp.
type Manager struct {
	mu          sync.Mutex
	root        string
	allocations map[int64]*Allocation
}

// NewManager creates a workspace manager rooted at root ("" means os.TempDir()).
func NewManager(root string) *Manager {
	return &Manager{
		root:        root,
		allocations: make(map[int64]*Allocation),
	}
}

// Allocate creates the working directory for an experiment.
// Fails with ErrJobAlreadyActive while a previous run of the same id holds one.
func (m *Manager) Allocate(experimentID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocations[experimentID]; exists {
		return "", ErrJobAlreadyActive
	}

	if m.root != "" {
		if err := os.MkdirAll(m.root, 0o755); err != nil {
			return "", fmt.Errorf("failed to create work root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(m.root, fmt.Sprintf("exp_%d_", experimentID))
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	m.allocations[experimentID] = &Allocation{
		ExperimentID: experimentID,
		Dir:          dir,
		AllocatedAt:  time.Now(),
	}
	return dir, nil
}

// Release removes the experiment's directory recursively and frees the id.
// The id is freed even if removal fails.
func (m *Manager) Release(experimentID int64) error {
	m.mu.Lock()
	alloc, exists := m.allocations[experimentID]
	delete(m.allocations, experimentID)
	m.mu.Unlock()

	if !exists {
		return ErrJobNotAllocated
	}
	if err := os.RemoveAll(alloc.Dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", alloc.Dir, err)
	}
	return nil
}

// ActiveCount returns the number of jobs holding a workspace
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocations)
}
