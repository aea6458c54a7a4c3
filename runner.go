package drover

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// execCommandRunner runs host binaries through os/exec with a hard timeout.
type execCommandRunner struct{}

func (execCommandRunner) RunTimedCmd(timeout time.Duration, bin string, args ...string) *CommandResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch {
	case err == nil:
		result.Status = CommandSuccess
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Status = CommandTimedOut
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Status = CommandFailed
		} else {
			result.Status = CommandException
		}
	}
	if result.Status != CommandSuccess {
		LogDebug("runner").Str("bin", bin).Strs("args", args).
			Str("status", result.Status.String()).Msg("Host command did not succeed")
	}
	return result
}
