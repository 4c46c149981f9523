package gitx

import (
	"context"
	"os/exec"
	"strings"
)

// ExecRunner implements Runner using os/exec.
type ExecRunner struct{}

// Run executes a git command in the given directory and returns stdout and stderr.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}
