//go:build unix

package streamworker

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roverlink/roverlink/internal/media"
)

// running reports whether pid exists and is not a zombie waiting to be reaped
func running(pid int) bool {
	if stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat"); err == nil {
		// state follows the parenthesised command name
		rest := string(stat[strings.LastIndexByte(string(stat), ')')+1:])
		return !strings.HasPrefix(strings.TrimSpace(rest), "Z")
	}
	return syscall.Kill(pid, 0) == nil
}

func TestHandle_KillReachesWorkerChildren(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	l := newTestLoop(t)
	h := newHandle(t, l, Config{
		MediaID:        4,
		Kind:           media.KindVideo,
		Direction:      Produce,
		Launcher:       fakeLauncher(t, "spawn", fakeLogEnv+"="+pidFile),
		ControlTimeout: 500 * time.Millisecond,
	})

	var pid int
	on(t, l, func() { require.NoError(t, h.Start("/dev/video4", media.VideoPresets()[0])) })
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil || len(b) == 0 {
			return false
		}
		pid, err = strconv.Atoi(string(b))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, running(pid))

	waitState(t, l, h, Error)
	on(t, l, func() { assert.Contains(t, h.Err(), "control link") })

	assert.Eventually(t, func() bool { return !running(pid) }, 3*time.Second, 20*time.Millisecond,
		"worker child %d outlived the worker", pid)
}
