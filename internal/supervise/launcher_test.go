// ABOUTME: ExecLauncher tests: env exposure, error output capture, empty stop.
// ABOUTME: Runs real shell one-liners against temp files.

package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/town-warden/internal/town"
)

func TestExecLauncher_Start_ExposesTownEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "seen")
	cfg := town.Config{
		ID:          "river",
		SandboxID:   "box7",
		StartScript: fmt.Sprintf(`printf '%%s:%%s' "$TOWN_ID" "$TOWN_SANDBOX" > %q`, out),
	}

	l := NewExecLauncher(slog.Default())
	require.NoError(t, l.Start(context.Background(), cfg))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "river:box7", string(data))
}

func TestExecLauncher_Start_CapturesFailureOutput(t *testing.T) {
	cfg := town.Config{ID: "river", StartScript: `echo "disk full" >&2; exit 3`}

	l := NewExecLauncher(slog.Default())
	err := l.Start(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start script")
	assert.Contains(t, err.Error(), "disk full")
}

func TestExecLauncher_Stop_NoScriptIsNoop(t *testing.T) {
	l := NewExecLauncher(slog.Default())
	assert.NoError(t, l.Stop(context.Background(), town.Config{ID: "river"}))
}

func TestExecLauncher_Stop_RunsScript(t *testing.T) {
	out := filepath.Join(t.TempDir(), "stopped")
	cfg := town.Config{ID: "river", StopScript: fmt.Sprintf("touch %q", out)}

	l := NewExecLauncher(slog.Default())
	require.NoError(t, l.Stop(context.Background(), cfg))
	assert.FileExists(t, out)
}
