// ABOUTME: Launcher boundary: how town processes are actually stopped and started.
// ABOUTME: ExecLauncher shells out to the town's configured scripts.

package supervise

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/2389/town-warden/internal/town"
)

// Launcher runs a town's stop and start scripts inside its sandbox.
// Implementations must be safe for concurrent use across towns.
type Launcher interface {
	// Stop terminates the town's processes. The script is expected to
	// force-kill anything still running when it returns; the context
	// bounds how long it may take.
	Stop(ctx context.Context, cfg town.Config) error

	// Start launches fresh processes and returns once they are spawned
	// (not once the game is up; the poller observes that).
	Start(ctx context.Context, cfg town.Config) error
}

// ExecLauncher runs scripts through the shell with TOWN_ID and
// TOWN_SANDBOX exported, so one script can serve a whole fleet.
type ExecLauncher struct {
	shell  string
	logger *slog.Logger
}

var _ Launcher = (*ExecLauncher)(nil)

// NewExecLauncher returns a launcher that runs scripts via /bin/sh.
func NewExecLauncher(logger *slog.Logger) *ExecLauncher {
	return &ExecLauncher{
		shell:  "/bin/sh",
		logger: logger.With("component", "launcher"),
	}
}

// Stop runs the town's stop script. A town without one is a no-op: its
// start script is then responsible for clearing out predecessors.
func (l *ExecLauncher) Stop(ctx context.Context, cfg town.Config) error {
	if cfg.StopScript == "" {
		return nil
	}
	return l.runScript(ctx, cfg, "stop", cfg.StopScript)
}

// Start runs the town's start script.
func (l *ExecLauncher) Start(ctx context.Context, cfg town.Config) error {
	return l.runScript(ctx, cfg, "start", cfg.StartScript)
}

func (l *ExecLauncher) runScript(ctx context.Context, cfg town.Config, phase, script string) error {
	cmd := exec.CommandContext(ctx, l.shell, "-c", script)
	cmd.Env = append(os.Environ(),
		"TOWN_ID="+cfg.ID,
		"TOWN_SANDBOX="+cfg.SandboxID,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := bytes.TrimSpace(out)
		if len(trimmed) > 0 {
			return fmt.Errorf("%s script: %w: %s", phase, err, trimmed)
		}
		return fmt.Errorf("%s script: %w", phase, err)
	}

	l.logger.Debug("script completed", "town", cfg.ID, "phase", phase)
	return nil
}
