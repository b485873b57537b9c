//go:build linux

package linux

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p-arndt/tunnelbench/internal/runtime"
)

func TestArgvWrapsNamespace(t *testing.T) {
	l := NewLauncher("/sbin/ip")

	argv := l.argv(runtime.Spec{Namespace: "vpnns0", Argv: []string{"openvpn", "--config", "c.ovpn"}})
	assert.Equal(t, []string{"/sbin/ip", "netns", "exec", "vpnns0", "openvpn", "--config", "c.ovpn"}, argv)
}

func TestArgvWithoutNamespace(t *testing.T) {
	l := NewLauncher("")

	argv := l.argv(runtime.Spec{Argv: []string{"iperf3", "-v"}})
	assert.Equal(t, []string{"iperf3", "-v"}, argv)
	assert.Equal(t, "ip", l.IPBinary)
}

func TestKillGroupRejectsInvalidPid(t *testing.T) {
	assert.Error(t, KillGroup(0, 15))
	assert.Error(t, KillGroup(-4, 15))
}

func TestCheckNamespaceMissing(t *testing.T) {
	err := CheckNamespace("tunnelbench-does-not-exist")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
