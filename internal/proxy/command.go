package proxy

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes the proxy's validate and reload commands.
type CommandRunner interface {
	Run(ctx context.Context, argv []string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, nil
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
