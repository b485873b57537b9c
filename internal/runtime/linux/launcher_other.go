//go:build !linux

package linux

import (
	"context"
	"errors"
	"time"

	"github.com/p-arndt/tunnelbench/internal/runtime"
)

var errUnsupported = errors.New("network namespaces are only available on linux")

type Launcher struct {
	IPBinary  string
	WaitDelay time.Duration
}

func NewLauncher(ipBinary string) *Launcher {
	return &Launcher{IPBinary: ipBinary}
}

func (l *Launcher) Start(ctx context.Context, spec runtime.Spec) (runtime.Process, error) {
	return nil, errUnsupported
}
