package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/tunnelbench/internal/store"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	cfgPath, registryPath, jsonOutput = "", "", false
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "tunnelbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func seedHistory(t *testing.T, dbPath string) {
	t.Helper()
	st, err := store.New(dbPath, 1)
	require.NoError(t, err)
	defer st.Close()

	run := &store.Run{ID: "a1b2c3d4e5f6", StartedAt: time.Now().UTC(), TunnelConfig: "client.ovpn", Namespaces: 2}
	require.NoError(t, st.CreateRun(run))
	run.EndReason = "completed"
	run.SuccessCount = 1
	run.FailureCount = 1
	run.AverageThroughputMbps = 1.6
	require.NoError(t, st.FinishRun(run, []store.NamespaceResult{
		{RunID: run.ID, Index: 0, Namespace: "vpnns0", Port: 5201, TunnelReady: true, Success: true, BytesReceived: 2_000_000, ThroughputMbps: 1.6},
		{RunID: run.ID, Index: 1, Namespace: "vpnns1", Port: 5202, ErrorKind: "readiness_timeout", Error: "no readiness marker"},
	}))
}

func TestHistoryList(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	seedHistory(t, dbPath)
	cfg := writeConfig(t, dir, "db_path: "+dbPath+"\n")

	out, err := executeCommand(rootCmd, "history", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "a1b2c3d4e5f6")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "1.60")
}

func TestHistoryShowJSON(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")
	seedHistory(t, dbPath)
	cfg := writeConfig(t, dir, "db_path: "+dbPath+"\n")

	out, err := executeCommand(rootCmd, "history", "show", "a1b2c3d4e5f6", "--config", cfg, "--json")
	require.NoError(t, err)

	var got struct {
		ID         string `json:"id"`
		Namespaces []struct {
			Namespace string `json:"namespace"`
			ErrorKind string `json:"error_kind"`
		} `json:"namespaces"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "a1b2c3d4e5f6", got.ID)
	require.Len(t, got.Namespaces, 2)
	assert.Equal(t, "readiness_timeout", got.Namespaces[1].ErrorKind)
}

func TestHistoryShowMissing(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "db_path: "+filepath.Join(dir, "history.db")+"\n")

	_, err := executeCommand(rootCmd, "history", "show", "nope", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRegistryReportsMissingNamespaces(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "namespaces.json")
	require.NoError(t, os.WriteFile(regPath,
		[]byte(`[{"nsName": "tunnelbench-test-absent0"}, {"nsName": "tunnelbench-test-absent1"}]`), 0644))

	out, err := executeCommand(rootCmd, "registry", "--registry", regPath)
	require.Error(t, err)
	assert.Contains(t, out, "tunnelbench-test-absent1")
	assert.Contains(t, out, "5202")
	assert.Contains(t, out, "missing")
	assert.Contains(t, out, "2 namespaces registered")
}

func TestRegistryCorrupt(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "namespaces.json")
	require.NoError(t, os.WriteFile(regPath, []byte(`[{"nsName":`), 0644))

	_, err := executeCommand(rootCmd, "registry", "--registry", regPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry_corrupt")
}

func TestRunRejectsBadDuration(t *testing.T) {
	_, err := executeCommand(rootCmd, "run", "client.ovpn", "soon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration")
}

func TestRunRequiresTunnelConfig(t *testing.T) {
	_, err := executeCommand(rootCmd, "run")
	require.Error(t, err)
}

func TestExitError(t *testing.T) {
	assert.Equal(t, "exit status 130", exitError{code: 130}.Error())
}
