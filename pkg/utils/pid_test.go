package utils

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDManager(t *testing.T) {
	tmpDir := t.TempDir()
	pidFile := filepath.Join(tmpDir, "test.pid")

	t.Run("default path", func(t *testing.T) {
		assert.Equal(t, DefaultPIDFile, NewPIDManager("").GetPIDFile())
	})

	t.Run("write and read", func(t *testing.T) {
		manager := NewPIDManager(pidFile)
		require.NoError(t, manager.WritePID())

		pid, err := manager.ReadPID()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("signal self", func(t *testing.T) {
		manager := NewPIDManager(pidFile)
		require.NoError(t, manager.WritePID())
		// signal 0 only checks the process exists
		assert.NoError(t, manager.Signal(syscall.Signal(0)))
	})

	t.Run("remove twice", func(t *testing.T) {
		manager := NewPIDManager(pidFile)
		require.NoError(t, manager.WritePID())
		require.NoError(t, manager.RemovePID())
		_, err := os.Stat(pidFile)
		assert.True(t, os.IsNotExist(err))
		assert.NoError(t, manager.RemovePID())
	})

	t.Run("invalid content", func(t *testing.T) {
		bad := filepath.Join(tmpDir, "bad.pid")
		require.NoError(t, os.WriteFile(bad, []byte("abc"), 0o644))
		_, err := NewPIDManager(bad).ReadPID()
		assert.Error(t, err)

		require.NoError(t, os.WriteFile(bad, []byte("-3\n"), 0o644))
		assert.Error(t, NewPIDManager(bad).Signal(syscall.SIGTERM))
	})

	t.Run("nested directory", func(t *testing.T) {
		manager := NewPIDManager(filepath.Join(tmpDir, "subdir", "test.pid"))
		require.NoError(t, manager.WritePID())
		_, err := os.Stat(manager.GetPIDFile())
		require.NoError(t, err)
	})
}
