package linux

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// NetnsDir is where `ip netns add` pins named namespaces.
const NetnsDir = "/var/run/netns"

// CheckBinary verifies name resolves to an executable on PATH.
func CheckBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found: %w", name, err)
	}
	return nil
}

// CheckNamespace verifies that a named network namespace is pinned.
func CheckNamespace(name string) error {
	p := filepath.Join(NetnsDir, name)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("network namespace %s does not exist (%s missing)", name, p)
		}
		return fmt.Errorf("stat %s: %w", p, err)
	}
	return nil
}
