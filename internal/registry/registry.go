package registry

import (
	"context"
	"slices"
	"sync"
	"time"
)

const StatusRunning = "running"

// Agent is one running caption session as seen by the delivery loop.
type Agent struct {
	SessionID string
	RoomID    string
	Status    string
	StartedAt time.Time
}

type Registry interface {
	Register(ctx context.Context, agent Agent) error
	Unregister(ctx context.Context, sessionID string) error
	ListActive(ctx context.Context) ([]Agent, error)
}

type Memory struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewMemory() *Memory {
	return &Memory{agents: make(map[string]Agent)}
}

func (m *Memory) Register(_ context.Context, agent Agent) error {
	if agent.Status == "" {
		agent.Status = StatusRunning
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.SessionID] = agent
	return nil
}

func (m *Memory) Unregister(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, sessionID)
	return nil
}

func (m *Memory) ListActive(_ context.Context) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if a.Status == StatusRunning {
			agents = append(agents, a)
		}
	}
	slices.SortFunc(agents, func(a, b Agent) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return agents, nil
}
