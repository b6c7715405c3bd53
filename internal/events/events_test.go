package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageDBWriteIsClassifiedAndDelivered(t *testing.T) {
	dbDir := t.TempDir()

	s, err := New(dbDir, nil, 0)
	require.NoError(t, err)
	defer s.Close()

	pkgPath := filepath.Join(dbDir, PackagesFile)
	require.NoError(t, os.WriteFile(pkgPath, []byte("x"), 0644))

	select {
	case ev := <-s.FS:
		assert.Equal(t, KindPackageDB, ev.Kind)
		assert.Equal(t, pkgPath, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packages.xml write event")
	}
}

func TestAppProcessPathEventIsClassified(t *testing.T) {
	dbDir := t.TempDir()
	appDir := t.TempDir()
	appPath := filepath.Join(appDir, "app_process32")
	require.NoError(t, os.WriteFile(appPath, []byte("x"), 0755))

	s, err := New(dbDir, []string{appPath}, 0)
	require.NoError(t, err)
	defer s.Close()

	// Reading the binary (what an execve of it does under the hood)
	// generates IN_OPEN/IN_ACCESS on the raw inotify watch — unlike
	// os.Chtimes, which only touches mtime and would not trigger it.
	_, readErr := os.ReadFile(appPath)
	require.NoError(t, readErr)

	select {
	case ev := <-s.FS:
		assert.Equal(t, KindAppProcess, ev.Kind)
		assert.Equal(t, appPath, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for app-process event")
	}
}

func TestZeroPeriodLeavesTimerDisarmed(t *testing.T) {
	dbDir := t.TempDir()
	s, err := New(dbDir, nil, 0)
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.Timer)
}

func TestZygoteDiscoveryCompleteStopsTicker(t *testing.T) {
	dbDir := t.TempDir()
	s, err := New(dbDir, nil, 10*time.Millisecond)
	require.NoError(t, err)
	defer s.Close()

	require.NotNil(t, s.Timer)
	s.ZygoteDiscoveryComplete()
	// Stopping the ticker must not panic or block a second Close.

	// A tick already buffered before the stop may still be pending;
	// drain it, after which no further tick may arrive.
	select {
	case <-s.Timer:
	default:
	}
	select {
	case <-s.Timer:
		t.Fatal("rescan timer kept firing after ZygoteDiscoveryComplete")
	case <-time.After(50 * time.Millisecond):
	}
}
