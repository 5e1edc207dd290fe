// Package extauth validates passwords by running an operator-supplied
// command.
package extauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/svmp/svmp-proxy/internal/ctxkey"
	"github.com/svmp/svmp-proxy/internal/domain/auth"
)

// DefaultTimeout bounds one validation when none is configured.
const DefaultTimeout = 10 * time.Second

// maxStderr caps how much of the command's stderr is logged.
const maxStderr = 512

// CommandValidator runs Path with Args for each login. The username and
// password are written to its stdin, one per line. Exit status 0 accepts
// the login, any other exit status rejects it.
type CommandValidator struct {
	path    string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommandValidator creates a CommandValidator. A zero timeout uses
// DefaultTimeout.
func NewCommandValidator(path string, args []string, timeout time.Duration, logger *slog.Logger) *CommandValidator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandValidator{path: path, args: args, timeout: timeout, logger: logger}
}

// Validate reports whether the command accepted the credentials. A command
// that cannot be started or outlives the timeout is an error, not a
// rejection.
func (v *CommandValidator) Validate(ctx context.Context, username, password string) (bool, error) {
	if strings.ContainsAny(username, "\r\n") || strings.ContainsAny(password, "\r\n") {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, v.path, v.args...)
	cmd.Stdin = strings.NewReader(username + "\n" + password + "\n")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return false, fmt.Errorf("validator %s: %w", v.path, ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr):
		v.loggerFrom(ctx).Debug("external validator rejected credentials",
			"username", username,
			"exit_code", exitErr.ExitCode(),
			"stderr", truncate(stderr.String(), maxStderr))
		return false, nil
	default:
		return false, fmt.Errorf("run validator %s: %w", v.path, err)
	}
}

// loggerFrom returns the connection-scoped logger carried by ctx, if any.
func (v *CommandValidator) loggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return v.logger
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Compile-time interface verification.
var _ auth.ExternalValidator = (*CommandValidator)(nil)
