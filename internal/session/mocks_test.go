package session

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/tunnelbench/internal/docker"
	"github.com/p-arndt/tunnelbench/internal/store"
)

type MockHistoryStore struct {
	mock.Mock
}

func (m *MockHistoryStore) CreateRun(run *store.Run) error {
	args := m.Called(run)
	return args.Error(0)
}

func (m *MockHistoryStore) RecordTunnelProcess(p *store.TunnelProcess) error {
	args := m.Called(p)
	return args.Error(0)
}

func (m *MockHistoryStore) FinishRun(run *store.Run, results []store.NamespaceResult) error {
	args := m.Called(run, results)
	return args.Error(0)
}

type MockTargetServers struct {
	mock.Mock
}

func (m *MockTargetServers) StartServers(ctx context.Context, sessionID string, ports []int) ([]docker.Server, error) {
	args := m.Called(ctx, sessionID, ports)
	if servers := args.Get(0); servers != nil {
		return servers.([]docker.Server), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTargetServers) RemoveServers(ctx context.Context, servers []docker.Server) error {
	args := m.Called(ctx, servers)
	return args.Error(0)
}
