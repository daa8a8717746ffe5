// gitinfo.go reads Git metadata to stamp release archives and version output.
package gitinfo

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Head returns the current git commit hash and dirty state of the repository at dir.
func Head(ctx context.Context, dir string) (commit string, dirty bool, err error) {
	output, err := git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", false, err
	}
	commit = output
	status, err := git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return commit, false, fmt.Errorf("git status: %w", err)
	}
	return commit, status != "", nil
}

// Describe returns `git describe --tags --always --dirty` for the repository at dir.
func Describe(ctx context.Context, dir string) (string, error) {
	out, err := git(ctx, dir, "describe", "--tags", "--always", "--dirty")
	if err != nil {
		return "", fmt.Errorf("git describe: %w", err)
	}
	if out == "" {
		return "", fmt.Errorf("git describe: empty output")
	}
	return out, nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
