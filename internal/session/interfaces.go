package session

import (
	"context"

	"github.com/p-arndt/tunnelbench/internal/bench"
	"github.com/p-arndt/tunnelbench/internal/docker"
	"github.com/p-arndt/tunnelbench/internal/failure"
	"github.com/p-arndt/tunnelbench/internal/registry"
	"github.com/p-arndt/tunnelbench/internal/store"
	"github.com/p-arndt/tunnelbench/internal/tunnel"
)

type Tunnels interface {
	StartAll(ctx context.Context, descs []registry.Descriptor) []*tunnel.Handle
	StopAll(handles []*tunnel.Handle) error
}

type Benchmarks interface {
	RunAll(ctx context.Context, descs []registry.Descriptor) []bench.Result
	Skipped(descs []registry.Descriptor, kind failure.Kind) []bench.Result
}

// HistoryStore persists runs. *store.Store implements it.
type HistoryStore interface {
	CreateRun(run *store.Run) error
	RecordTunnelProcess(p *store.TunnelProcess) error
	FinishRun(run *store.Run, results []store.NamespaceResult) error
}

// TargetServers provisions the benchmark servers. *docker.Client implements
// it.
type TargetServers interface {
	StartServers(ctx context.Context, sessionID string, ports []int) ([]docker.Server, error)
	RemoveServers(ctx context.Context, servers []docker.Server) error
}
