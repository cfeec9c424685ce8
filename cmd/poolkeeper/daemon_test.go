package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "poolkeeper.pid")

	require.NoError(t, writePidFile(pidFile, os.Getpid()))
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(b))

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, removePidFile(""))
}

func TestDaemonArgsStripsDaemonFlags(t *testing.T) {
	got := daemonArgs([]string{
		"serve", "--config", "c.toml", "--daemonize", "--pidfile", "/run/p.pid",
		"--logfile=/var/log/p.log", "--daemonize=true",
	})
	assert.Equal(t, []string{"serve", "--config", "c.toml"}, got)
}
