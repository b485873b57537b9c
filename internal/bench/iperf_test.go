package bench

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIperfClientOutput(t *testing.T) {
	data, err := os.ReadFile("testdata/iperf3_client.json")
	require.NoError(t, err)

	m, err := ParseIperf(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(2097152), m.BytesSent)
	assert.Equal(t, uint64(2000000), m.BytesReceived)
	assert.Equal(t, 10.0, m.ElapsedSeconds)
	assert.InDelta(t, 1.6, ThroughputMbps(m.BytesReceived, m.ElapsedSeconds), 1e-9)
}

func TestParseIperfLeadingNoise(t *testing.T) {
	out := "warning: this system does not seem to support IPv6\n" +
		`{"end":{"sum_sent":{"seconds":5,"bytes":100},"sum_received":{"seconds":5,"bytes":90}}}` + "\ntrailing\n"

	m, err := ParseIperf([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, uint64(90), m.BytesReceived)
}

func TestParseIperfElapsedFallsBackToSender(t *testing.T) {
	out := `{"end":{"sum_sent":{"seconds":4,"bytes":100},"sum_received":{"bytes":100}}}`

	m, err := ParseIperf([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, 4.0, m.ElapsedSeconds)
}

func TestParseIperfFailures(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"no json":       "iperf3: error - unable to connect to server",
		"truncated":     `{"end":{"sum_sent":`,
		"error field":   `{"start":{},"end":{},"error":"unable to connect to server: Connection refused"}`,
		"missing sums":  `{"end":{}}`,
		"zero elapsed":  `{"end":{"sum_sent":{"seconds":0,"bytes":1},"sum_received":{"seconds":0,"bytes":1}}}`,
		"missing times": `{"end":{"sum_sent":{"bytes":1},"sum_received":{"bytes":1}}}`,
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseIperf([]byte(out))
			assert.Error(t, err)
		})
	}
}

func TestThroughputMbps(t *testing.T) {
	assert.Equal(t, 8.0, ThroughputMbps(10_000_000, 10))
	assert.Equal(t, 0.0, ThroughputMbps(10, 0))
}
