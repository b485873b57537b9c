//go:build linux

package linux

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// KillGroup signals the process group led by pid. A group that no longer
// exists is not an error.
func KillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return err
	}
	return nil
}
