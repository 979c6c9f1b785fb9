// Package gitcli implements host.VCS on top of the git command line.
package gitcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/austindbirch/pushtrigger/internal/host"
)

// Git runs the git binary against a working directory via -C
type Git struct {
	binary string
}

// New uses git from PATH
func New() *Git {
	return &Git{binary: "git"}
}

// NewWithBinary uses an explicit git binary
func NewWithBinary(binary string) *Git {
	return &Git{binary: binary}
}

func (g *Git) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-C", dir}, args...)
	return exec.CommandContext(ctx, g.binary, fullArgs...)
}

// CurrentBranch returns the checked-out branch, "HEAD" when detached
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := g.command(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git rev-parse in %s: %w (stderr: %s)",
			dir, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Pull runs git pull and returns its combined output and exit code. A
// non-zero exit is not an error; failing to start git is.
func (g *Git) Pull(ctx context.Context, dir string) (host.PullResult, error) {
	var out bytes.Buffer
	cmd := g.command(ctx, dir, "pull")
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := host.PullResult{Output: strings.TrimSpace(out.String())}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, fmt.Errorf("git pull in %s: %w", dir, err)
}

var _ host.VCS = (*Git)(nil)
