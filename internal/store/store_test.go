package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "history.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testRun(id string, started time.Time) *Run {
	return &Run{
		ID:           id,
		StartedAt:    started,
		TunnelConfig: "/etc/openvpn/client.ovpn",
		Namespaces:   2,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	st := newTestStore(t)
	run := testRun("run-1", time.Now().UTC())

	require.NoError(t, st.CreateRun(run))

	got, err := st.GetRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "/etc/openvpn/client.ovpn", got.TunnelConfig)
	assert.Equal(t, 2, got.Namespaces)
	assert.Nil(t, got.FinishedAt)
	assert.WithinDuration(t, run.StartedAt, got.StartedAt, time.Second)
}

func TestCreateRunRecordsOwner(t *testing.T) {
	st := newTestStore(t)
	ownerStarted := time.Now().Add(-time.Minute).UTC()
	run := testRun("run-1", time.Now().UTC())
	run.OwnerPID = 31337
	run.OwnerStartedAt = ownerStarted
	require.NoError(t, st.CreateRun(run))

	runs, err := st.ListUnfinishedRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 31337, runs[0].OwnerPID)
	assert.WithinDuration(t, ownerStarted, runs[0].OwnerStartedAt, time.Second)

	require.NoError(t, st.CreateRun(testRun("run-2", time.Now().UTC())))
	got, err := st.GetRun("run-2")
	require.NoError(t, err)
	assert.Zero(t, got.OwnerPID)
	assert.True(t, got.OwnerStartedAt.IsZero())
}

func TestGetRunNotFound(t *testing.T) {
	st := newTestStore(t)

	got, err := st.GetRun("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFinishRun(t *testing.T) {
	st := newTestStore(t)
	run := testRun("run-1", time.Now().UTC())
	require.NoError(t, st.CreateRun(run))
	require.NoError(t, st.RecordTunnelProcess(&TunnelProcess{RunID: "run-1", Namespace: "vpnns0", PID: 4242, StartedAt: time.Now()}))

	run.EndReason = "completed"
	run.SuccessCount = 1
	run.FailureCount = 1
	run.AverageThroughputMbps = 1.6
	run.TotalSentBytes = 2_100_000
	run.TotalReceivedBytes = 2_000_000
	run.ElapsedSeconds = 12.5
	results := []NamespaceResult{
		{Index: 0, Namespace: "vpnns0", Port: 5201, TunnelReady: true, Success: true, BytesSent: 2_100_000, BytesReceived: 2_000_000, ThroughputMbps: 1.6},
		{Index: 1, Namespace: "vpnns1", Port: 5202, ErrorKind: "readiness_timeout", Error: "no readiness marker within 30s"},
	}
	require.NoError(t, st.FinishRun(run, results))
	assert.Equal(t, StatusFinished, run.Status)

	got, err := st.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	assert.Equal(t, "completed", got.EndReason)
	assert.Equal(t, uint64(2_000_000), got.TotalReceivedBytes)
	assert.Equal(t, 1.6, got.AverageThroughputMbps)
	require.NotNil(t, got.FinishedAt)

	rows, err := st.ListNamespaceResults("run-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Success)
	assert.True(t, rows[0].TunnelReady)
	assert.Equal(t, uint64(2_100_000), rows[0].BytesSent)
	assert.Equal(t, "readiness_timeout", rows[1].ErrorKind)

	procs, err := st.ListTunnelProcesses("run-1")
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestFinishRunUnknown(t *testing.T) {
	st := newTestStore(t)

	err := st.FinishRun(testRun("ghost", time.Now()), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListRunsNewestFirst(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().UTC()
	require.NoError(t, st.CreateRun(testRun("old", base.Add(-time.Hour))))
	require.NoError(t, st.CreateRun(testRun("new", base)))
	require.NoError(t, st.CreateRun(testRun("mid", base.Add(-time.Minute))))

	runs, err := st.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "mid", runs[1].ID)
	assert.Equal(t, "old", runs[2].ID)

	limited, err := st.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "new", limited[0].ID)
}

func TestUnfinishedRunsAndTunnelProcesses(t *testing.T) {
	st := newTestStore(t)
	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.CreateRun(testRun("crashed", started)))
	require.NoError(t, st.CreateRun(testRun("done", started)))
	require.NoError(t, st.FinishRun(&Run{ID: "done", EndReason: "completed"}, nil))

	require.NoError(t, st.RecordTunnelProcess(&TunnelProcess{RunID: "crashed", Namespace: "vpnns1", PID: 200, Command: "openvpn", StartedAt: started}))
	require.NoError(t, st.RecordTunnelProcess(&TunnelProcess{RunID: "crashed", Namespace: "vpnns0", PID: 100, Command: "openvpn", StartedAt: started}))

	runs, err := st.ListUnfinishedRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "crashed", runs[0].ID)

	procs, err := st.ListTunnelProcesses("crashed")
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "vpnns0", procs[0].Namespace)
	assert.Equal(t, 100, procs[0].PID)
	assert.Equal(t, "openvpn", procs[0].Command)
	assert.True(t, started.Equal(procs[0].StartedAt.UTC()))
}

func TestMarkRunAbandoned(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateRun(testRun("crashed", time.Now())))
	require.NoError(t, st.RecordTunnelProcess(&TunnelProcess{RunID: "crashed", Namespace: "vpnns0", PID: 100, StartedAt: time.Now()}))

	require.NoError(t, st.MarkRunAbandoned("crashed"))

	got, err := st.GetRun("crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, got.Status)

	procs, err := st.ListTunnelProcesses("crashed")
	require.NoError(t, err)
	assert.Empty(t, procs)

	// only running runs can be abandoned
	assert.Error(t, st.MarkRunAbandoned("crashed"))
}
