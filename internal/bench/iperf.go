package bench

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Measurement is what one iperf3 client run reports.
type Measurement struct {
	BytesSent      uint64
	BytesReceived  uint64
	ElapsedSeconds float64
}

type iperfSum struct {
	Seconds       float64 `json:"seconds"`
	Bytes         uint64  `json:"bytes"`
	BitsPerSecond float64 `json:"bits_per_second"`
}

type iperfReport struct {
	End struct {
		SumSent     *iperfSum `json:"sum_sent"`
		SumReceived *iperfSum `json:"sum_received"`
	} `json:"end"`
	Error string `json:"error"`
}

// ParseIperf reads the JSON document printed by `iperf3 -J`. Text before the
// first '{' (warnings some builds print) is skipped. The elapsed time comes
// from the receiver summary and falls back to the sender's.
func ParseIperf(out []byte) (Measurement, error) {
	start := bytes.IndexByte(out, '{')
	if start < 0 {
		return Measurement{}, errors.New("no JSON object in output")
	}

	var rep iperfReport
	if err := json.NewDecoder(bytes.NewReader(out[start:])).Decode(&rep); err != nil {
		return Measurement{}, fmt.Errorf("decode iperf3 output: %w", err)
	}
	if rep.Error != "" {
		return Measurement{}, fmt.Errorf("iperf3: %s", rep.Error)
	}
	if rep.End.SumSent == nil || rep.End.SumReceived == nil {
		return Measurement{}, errors.New("missing end.sum_sent or end.sum_received")
	}

	secs := rep.End.SumReceived.Seconds
	if secs <= 0 {
		secs = rep.End.SumSent.Seconds
	}
	if secs <= 0 {
		return Measurement{}, errors.New("missing or zero elapsed time")
	}

	return Measurement{
		BytesSent:      rep.End.SumSent.Bytes,
		BytesReceived:  rep.End.SumReceived.Bytes,
		ElapsedSeconds: secs,
	}, nil
}

// ThroughputMbps converts received bytes over secs into megabits per second.
func ThroughputMbps(bytesReceived uint64, secs float64) float64 {
	if secs <= 0 {
		return 0
	}
	return float64(bytesReceived) * 8 / (secs * 1e6)
}
