package testutil

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/p-arndt/tunnelbench/internal/store"
)

// IperfOutput renders a minimal iperf3 -J document.
func IperfOutput(sent, received uint64, seconds float64) string {
	return fmt.Sprintf(`{"end":{"sum_sent":{"seconds":%g,"bytes":%d},"sum_received":{"seconds":%g,"bytes":%d}}}`,
		seconds, sent, seconds, received)
}

func TestRun(id string) *store.Run {
	return &store.Run{
		ID:           id,
		StartedAt:    time.Now().UTC(),
		TunnelConfig: "/etc/openvpn/client.ovpn",
		Namespaces:   2,
	}
}

// NewTestStore opens a SQLite store in a temp directory. A file is used
// rather than :memory: because every pooled connection would otherwise get
// its own empty database.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "tunnelbench.db"), 1)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
