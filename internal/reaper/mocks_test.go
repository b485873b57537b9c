package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/tunnelbench/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListUnfinishedRuns() ([]*store.Run, error) {
	args := m.Called()
	if runs := args.Get(0); runs != nil {
		return runs.([]*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) ListTunnelProcesses(runID string) ([]*store.TunnelProcess, error) {
	args := m.Called(runID)
	if procs := args.Get(0); procs != nil {
		return procs.([]*store.TunnelProcess), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) MarkRunAbandoned(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

// MockProcessTable mocks the ProcessTable interface.
type MockProcessTable struct {
	mock.Mock
}

func (m *MockProcessTable) Lookup(ctx context.Context, pid int) (ProcessInfo, bool, error) {
	args := m.Called(ctx, pid)
	return args.Get(0).(ProcessInfo), args.Bool(1), args.Error(2)
}

func (m *MockProcessTable) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	args := m.Called(ctx, pid, grace)
	return args.Error(0)
}
