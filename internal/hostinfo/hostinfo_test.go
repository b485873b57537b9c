package hostinfo

import (
	"context"
	goruntime "runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollect(t *testing.T) {
	info := Collect(context.Background())

	assert.Equal(t, goruntime.GOOS, info.OS)
	assert.Equal(t, goruntime.GOARCH, info.Arch)
	assert.NotEmpty(t, info.CPUModel)
	assert.Positive(t, info.LogicalCPUs)
}
