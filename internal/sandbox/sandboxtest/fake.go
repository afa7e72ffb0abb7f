// Package sandboxtest provides an in-memory sandbox.Manager for tests.
package sandboxtest

import (
	"context"
	"sync"

	"github.com/t3m8ch/canary-probe/internal/sandbox"
)

// ExecFunc answers one exec call. It receives the request as issued.
type ExecFunc func(id sandbox.SandboxID, req sandbox.ExecRequest) ([]byte, error)

// Manager records every call and returns the configured errors.
type Manager struct {
	PullErr   error
	CreateErr error
	StartErr  error
	RemoveErr error
	ExecFunc  ExecFunc

	mu      sync.Mutex
	Pulled  []string
	Created map[string]sandbox.Spec
	Started []sandbox.SandboxID
	Removed []sandbox.SandboxID
	Execs   []sandbox.ExecRequest
}

func (m *Manager) PullImage(ctx context.Context, image string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pulled = append(m.Pulled, image)
	return m.PullErr
}

func (m *Manager) CreateSandbox(ctx context.Context, name string, spec sandbox.Spec) (sandbox.SandboxID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	if m.Created == nil {
		m.Created = make(map[string]sandbox.Spec)
	}
	m.Created[name] = spec
	return "id-" + name, nil
}

func (m *Manager) StartSandbox(ctx context.Context, id sandbox.SandboxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Started = append(m.Started, id)
	return m.StartErr
}

func (m *Manager) RemoveSandbox(ctx context.Context, id sandbox.SandboxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Removed = append(m.Removed, id)
	return m.RemoveErr
}

func (m *Manager) Exec(ctx context.Context, id sandbox.SandboxID, req sandbox.ExecRequest) ([]byte, error) {
	m.mu.Lock()
	m.Execs = append(m.Execs, req)
	fn := m.ExecFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(id, req)
}

// RemovedCount returns how many removals were requested.
func (m *Manager) RemovedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Removed)
}
