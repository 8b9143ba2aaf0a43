// Package cmdexec abstracts external command execution so callers that
// shell out to system utilities can be tested without running them.
package cmdexec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandExecutor runs an external command and returns its combined output.
type CommandExecutor interface {
	RunCommand(ctx context.Context, name string, arg ...string) (string, error)
}

// RealCommandExecutor executes commands on the host.
type RealCommandExecutor struct{}

func (e *RealCommandExecutor) RunCommand(ctx context.Context, name string, arg ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, arg...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w", name, strings.Join(arg, " "), err)
	}
	return string(out), nil
}
