//go:build linux

package linkstats

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

type NetlinkReader struct{}

func (NetlinkReader) Read(name string) (Counters, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return Counters{}, fmt.Errorf("failed to get link %s: %w", name, err)
	}
	attrs := link.Attrs()
	if attrs == nil || attrs.Statistics == nil {
		return Counters{}, fmt.Errorf("no statistics available for link %s", name)
	}
	return Counters{RxBytes: attrs.Statistics.RxBytes, TxBytes: attrs.Statistics.TxBytes}, nil
}

// Check verifies that link name exists and is up.
func Check(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("host link %s: %w", name, err)
	}
	if attrs := link.Attrs(); attrs != nil && attrs.OperState == netlink.OperDown {
		return fmt.Errorf("host link %s is down", name)
	}
	return nil
}
