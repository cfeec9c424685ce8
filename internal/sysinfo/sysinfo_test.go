package sysinfo

import (
	"context"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("disk path defaults are Unix-specific")
	}
	s, err := Collect(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, s.Memory.Total)
	assert.Positive(t, s.Disk.Total)
	assert.LessOrEqual(t, s.Memory.Used, s.Memory.Total)
	assert.False(t, s.BootTime.IsZero())
}

func TestProcessSelf(t *testing.T) {
	u, err := Process(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Positive(t, u.RSSBytes)

	sum := Sum(context.Background(), []int{os.Getpid(), -1})
	assert.Equal(t, u.RSSBytes > 0, sum.RSSBytes > 0)
}

func TestProcessMissing(t *testing.T) {
	_, err := Process(context.Background(), -1)
	assert.Error(t, err)
}
