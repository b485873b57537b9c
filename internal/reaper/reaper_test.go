package reaper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/tunnelbench/internal/store"
	"github.com/p-arndt/tunnelbench/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReconcile_NoUnfinishedRuns(t *testing.T) {
	st := &MockReaperStore{}
	pt := &MockProcessTable{}
	r := New(st, pt, time.Second, testLogger())

	st.On("ListUnfinishedRuns").Return([]*store.Run{}, nil)

	n, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	st.AssertExpectations(t)
	pt.AssertNotCalled(t, "Terminate")
}

func TestReconcile_TerminatesOrphans(t *testing.T) {
	st := &MockReaperStore{}
	pt := &MockProcessTable{}
	r := New(st, pt, time.Second, testLogger())

	started := time.Now().Add(-time.Hour)
	st.On("ListUnfinishedRuns").Return([]*store.Run{{ID: "run-1"}}, nil)
	st.On("ListTunnelProcesses", "run-1").Return([]*store.TunnelProcess{
		{RunID: "run-1", Namespace: "vpnns0", PID: 100, Command: "openvpn --config c.ovpn", StartedAt: started},
		{RunID: "run-1", Namespace: "vpnns1", PID: 101, Command: "openvpn --config c.ovpn", StartedAt: started},
	}, nil)
	pt.On("Lookup", mock.Anything, 100).Return(ProcessInfo{Cmdline: "openvpn --config c.ovpn", CreateTime: started.Add(300 * time.Millisecond)}, true, nil)
	pt.On("Lookup", mock.Anything, 101).Return(ProcessInfo{}, false, nil)
	pt.On("Terminate", mock.Anything, 100, time.Second).Return(nil)
	st.On("MarkRunAbandoned", "run-1").Return(nil)

	n, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st.AssertExpectations(t)
	pt.AssertExpectations(t)
	pt.AssertNotCalled(t, "Terminate", mock.Anything, 101, mock.Anything)
}

func TestReconcile_SkipsReusedPid(t *testing.T) {
	st := &MockReaperStore{}
	pt := &MockProcessTable{}
	r := New(st, pt, time.Second, testLogger())

	started := time.Now().Add(-time.Hour)
	st.On("ListUnfinishedRuns").Return([]*store.Run{{ID: "run-1"}}, nil)
	st.On("ListTunnelProcesses", "run-1").Return([]*store.TunnelProcess{
		{PID: 100, Command: "openvpn", StartedAt: started},
		{PID: 200, Command: "openvpn", StartedAt: started},
	}, nil)
	// same command, started much later
	pt.On("Lookup", mock.Anything, 100).Return(ProcessInfo{Cmdline: "openvpn --config other", CreateTime: time.Now()}, true, nil)
	// right time, different program
	pt.On("Lookup", mock.Anything, 200).Return(ProcessInfo{Cmdline: "/usr/bin/sshd", CreateTime: started}, true, nil)
	st.On("MarkRunAbandoned", "run-1").Return(nil)

	n, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	pt.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}

func TestReconcile_SkipsLiveSession(t *testing.T) {
	st := &MockReaperStore{}
	pt := &MockProcessTable{}
	r := New(st, pt, time.Second, testLogger())

	ownerStarted := time.Now().Add(-time.Minute)
	st.On("ListUnfinishedRuns").Return([]*store.Run{
		{ID: "live", OwnerPID: 500, OwnerStartedAt: ownerStarted},
	}, nil)
	pt.On("Lookup", mock.Anything, 500).Return(ProcessInfo{Cmdline: "tunnelbench run c.ovpn", CreateTime: ownerStarted}, true, nil)

	n, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	st.AssertNotCalled(t, "ListTunnelProcesses", mock.Anything)
	st.AssertNotCalled(t, "MarkRunAbandoned", mock.Anything)
	pt.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_DeadOrReusedOwnerIsReaped(t *testing.T) {
	st := &MockReaperStore{}
	pt := &MockProcessTable{}
	r := New(st, pt, time.Second, testLogger())

	ownerStarted := time.Now().Add(-time.Hour)
	st.On("ListUnfinishedRuns").Return([]*store.Run{
		{ID: "gone", OwnerPID: 500, OwnerStartedAt: ownerStarted},
		{ID: "reused", OwnerPID: 600, OwnerStartedAt: ownerStarted},
	}, nil)
	pt.On("Lookup", mock.Anything, 500).Return(ProcessInfo{}, false, nil)
	// pid 600 now belongs to a process started long after the session
	pt.On("Lookup", mock.Anything, 600).Return(ProcessInfo{Cmdline: "bash", CreateTime: time.Now()}, true, nil)
	st.On("ListTunnelProcesses", "gone").Return([]*store.TunnelProcess{}, nil)
	st.On("ListTunnelProcesses", "reused").Return([]*store.TunnelProcess{}, nil)
	st.On("MarkRunAbandoned", "gone").Return(nil)
	st.On("MarkRunAbandoned", "reused").Return(nil)

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	st.AssertExpectations(t)
}

func TestReconcile_OwnerLookupErrorKeepsRun(t *testing.T) {
	st := &MockReaperStore{}
	pt := &MockProcessTable{}
	r := New(st, pt, time.Second, testLogger())

	st.On("ListUnfinishedRuns").Return([]*store.Run{{ID: "run-1", OwnerPID: 500}}, nil)
	pt.On("Lookup", mock.Anything, 500).Return(ProcessInfo{}, false, errors.New("permission denied"))

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	st.AssertNotCalled(t, "MarkRunAbandoned", mock.Anything)
}

func TestReconcile_ListError(t *testing.T) {
	st := &MockReaperStore{}
	pt := &MockProcessTable{}
	r := New(st, pt, time.Second, testLogger())

	st.On("ListUnfinishedRuns").Return(nil, errors.New("database is locked"))

	_, err := r.Reconcile(context.Background())
	assert.Error(t, err)
	st.AssertNotCalled(t, "MarkRunAbandoned", mock.Anything)
}

func TestReconcile_TerminateErrorStillAbandons(t *testing.T) {
	st := &MockReaperStore{}
	pt := &MockProcessTable{}
	r := New(st, pt, time.Second, testLogger())

	started := time.Now()
	st.On("ListUnfinishedRuns").Return([]*store.Run{{ID: "run-1"}}, nil)
	st.On("ListTunnelProcesses", "run-1").Return([]*store.TunnelProcess{{PID: 100, StartedAt: started}}, nil)
	pt.On("Lookup", mock.Anything, 100).Return(ProcessInfo{Cmdline: "openvpn", CreateTime: started}, true, nil)
	pt.On("Terminate", mock.Anything, 100, time.Second).Return(errors.New("operation not permitted"))
	st.On("MarkRunAbandoned", "run-1").Return(nil)

	n, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	st.AssertExpectations(t)
}

func TestSystemProcessesLookupSelf(t *testing.T) {
	info, found, err := SystemProcesses{}.Lookup(context.Background(), os.Getpid())
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, info.Cmdline)
	assert.WithinDuration(t, time.Now(), info.CreateTime, time.Hour)
}

func TestReconcile_WithStore(t *testing.T) {
	st := testutil.NewTestStore(t)
	run := testutil.TestRun("crashed-run")
	require.NoError(t, st.CreateRun(run))
	require.NoError(t, st.RecordTunnelProcess(&store.TunnelProcess{
		RunID: run.ID, Namespace: "vpnns0", PID: 4242, Command: "openvpn --config c.ovpn", StartedAt: run.StartedAt,
	}))

	pt := &MockProcessTable{}
	pt.On("Lookup", mock.Anything, 4242).Return(ProcessInfo{Cmdline: "openvpn --config c.ovpn", CreateTime: run.StartedAt}, true, nil)
	pt.On("Terminate", mock.Anything, 4242, time.Second).Return(nil)

	n, err := New(st, pt, time.Second, testLogger()).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, store.StatusAbandoned, got.Status)

	unfinished, err := st.ListUnfinishedRuns()
	require.NoError(t, err)
	assert.Empty(t, unfinished)
	pt.AssertExpectations(t)
}

func TestReconcile_LeavesLiveSessionTunnelsRunning(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	tun := exec.Command("sleep", "30")
	require.NoError(t, tun.Start())
	t.Cleanup(func() {
		tun.Process.Kill()
		tun.Wait()
	})

	procs := SystemProcesses{}
	ctx := context.Background()
	self, found, err := procs.Lookup(ctx, os.Getpid())
	require.NoError(t, err)
	require.True(t, found)
	tunInfo, found, err := procs.Lookup(ctx, tun.Process.Pid)
	require.NoError(t, err)
	require.True(t, found)

	st := testutil.NewTestStore(t)
	run := testutil.TestRun("live-run")
	run.OwnerPID = os.Getpid()
	run.OwnerStartedAt = self.CreateTime
	require.NoError(t, st.CreateRun(run))
	require.NoError(t, st.RecordTunnelProcess(&store.TunnelProcess{
		RunID: run.ID, Namespace: "vpnns0", PID: tun.Process.Pid, Command: "sleep 30", StartedAt: tunInfo.CreateTime,
	}))

	n, err := New(st, procs, 100*time.Millisecond, testLogger()).Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := st.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)

	_, found, err = procs.Lookup(ctx, tun.Process.Pid)
	require.NoError(t, err)
	assert.True(t, found, "tunnel of a live session was terminated")
}
