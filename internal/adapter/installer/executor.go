package installer

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"bundleretry/internal/session"
	"bundleretry/pkg/retry"
)

// CommandExecutor runs a package command and maps its exit code to a result.
type CommandExecutor struct {
	// Dir is the working directory of the command; empty means the current one.
	Dir    string
	Logger *slog.Logger
	// WaitDelay bounds how long a cancelled command may keep its pipes open.
	WaitDelay time.Duration
}

// NewCommandExecutor returns an executor running commands in dir.
func NewCommandExecutor(dir string, logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CommandExecutor{Dir: dir, Logger: logger, WaitDelay: 5 * time.Second}
}

// Execute runs pkg.Command. Exit codes meaning "success, reboot pending" are
// reported as success.
func (e *CommandExecutor) Execute(ctx context.Context, pkg session.Package) int32 {
	cmd := exec.CommandContext(ctx, pkg.Command[0], pkg.Command[1:]...)
	cmd.Dir = e.Dir
	cmd.WaitDelay = e.WaitDelay

	start := time.Now()
	out, err := cmd.CombinedOutput()
	code := exitResult(ctx, err)
	attrs := []any{
		slog.String("package", pkg.ID),
		slog.String("code", retry.FormatCode(code)),
		slog.Duration("took", time.Since(start)),
	}
	if code != 0 {
		e.Logger.WarnContext(ctx, "package command failed", append(attrs, slog.String("output", tail(out, 2048)), slog.Any("err", err))...)
		return code
	}
	e.Logger.DebugContext(ctx, "package command finished", attrs...)
	return 0
}

func exitResult(ctx context.Context, err error) int32 {
	if err == nil {
		return 0
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return retry.ResultFromError(ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitCodeResult(exitErr.ExitCode())
	}
	return retry.ResultFromError(err)
}

func exitCodeResult(exit int) int32 {
	switch code := int32(exit); code {
	case retry.ErrorSuccessRebootRequired, retry.ErrorSuccessRebootInitiated:
		return 0
	case -1:
		// Killed by a signal.
		return retry.EFail
	default:
		return code
	}
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
