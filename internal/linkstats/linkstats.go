// Package linkstats reads byte counters of the host side veth links that
// connect each namespace to the bridge.
package linkstats

import "errors"

var ErrUnsupported = errors.New("link statistics are only available on linux")

type Counters struct {
	RxBytes uint64
	TxBytes uint64
}

// Sub returns the traffic between an earlier snapshot and c. Counter resets
// yield zero rather than wrapping.
func (c Counters) Sub(earlier Counters) Counters {
	var d Counters
	if c.RxBytes >= earlier.RxBytes {
		d.RxBytes = c.RxBytes - earlier.RxBytes
	}
	if c.TxBytes >= earlier.TxBytes {
		d.TxBytes = c.TxBytes - earlier.TxBytes
	}
	return d
}

// Reader looks up links in the caller's network namespace.
type Reader interface {
	Read(name string) (Counters, error)
}

// Snapshot reads every named link. Links that cannot be read are left out.
func Snapshot(r Reader, names []string) map[string]Counters {
	out := make(map[string]Counters, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if c, err := r.Read(n); err == nil {
			out[n] = c
		}
	}
	return out
}
