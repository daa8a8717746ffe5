// Package compile invokes the project's native release build and checks that
// it produced the expected executable.
package compile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/example/relpack/internal/runner"
	"github.com/example/relpack/internal/stage"
	"github.com/go-logr/logr"
	"github.com/mattn/go-shellwords"
	pkgerrors "github.com/pkg/errors"
)

const (
	// ExitNotStarted is used when the build command could not be run at all.
	ExitNotStarted = 2
	// ExitArtifactMissing marks a build that reported success without output.
	ExitArtifactMissing = 3
	// ExitTimeout is used when build.timeout elapsed.
	ExitTimeout = 124
)

// BuildArtifact is the compiled executable.
type BuildArtifact struct {
	Path     string `json:"path"`
	Exists   bool   `json:"exists"`
	Platform string `json:"platform"`
}

type Options struct {
	Root string
	// Command is the build command line, split with shell quoting rules.
	Command string
	Env     map[string]string
	Timeout time.Duration
	// ArtifactPath is the absolute path the build is expected to produce.
	ArtifactPath string
	Platform     string
	// Skip reuses an existing artifact without building.
	Skip bool
	// Output receives the build's stdout and stderr.
	Output io.Writer
	Logger logr.Logger
	Runner runner.Runner
}

// Run builds the product. The returned result is Success or Fatal; a fatal
// result carries the exit code the process should end with.
func Run(ctx context.Context, opts Options) (BuildArtifact, stage.Result) {
	log := opts.Logger
	artifact := BuildArtifact{Path: opts.ArtifactPath, Platform: opts.Platform}
	if opts.Skip {
		log.Info("build skipped, reusing existing artifact", "artifact", opts.ArtifactPath)
		return checkArtifact(artifact, "build skipped")
	}

	args, err := shellwords.Parse(opts.Command)
	if err != nil {
		return artifact, stage.Fatal(stage.Compile, ExitNotStarted, err, "parse build command %q", opts.Command)
	}
	if len(args) == 0 {
		return artifact, stage.Fatal(stage.Compile, ExitNotStarted, nil, "build command is empty")
	}
	run := opts.Runner
	if run == nil {
		run = runner.Exec{}
	}
	out := opts.Output
	if out == nil {
		out = io.Discard
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	started := time.Now()
	log.Info("building", "command", strings.Join(args, " "), "dir", opts.Root)
	err = run.Run(ctx, runner.Command{
		Path:   args[0],
		Args:   args[1:],
		Dir:    opts.Root,
		Env:    envList(opts.Env),
		Stdout: out,
		Stderr: out,
	})
	if err != nil {
		return artifact, classify(ctx, opts, err)
	}
	log.V(1).Info("build finished", "elapsed", time.Since(started).Round(time.Millisecond).String())
	return checkArtifact(artifact, "build reported success")
}

func classify(ctx context.Context, opts Options, err error) stage.Result {
	if runner.IsStartFailure(err) {
		return stage.Fatal(stage.Compile, ExitNotStarted, err, "could not start build command")
	}
	if code, ok := runner.ExitCode(err); ok {
		return stage.Fatal(stage.Compile, code, err, "compile failed with exit code %d", code)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return stage.Fatal(stage.Compile, ExitTimeout, pkgerrors.Wrapf(err, "deadline %s", opts.Timeout), "build timed out")
	}
	return stage.Fatal(stage.Compile, 1, err, "compile failed")
}

func checkArtifact(a BuildArtifact, what string) (BuildArtifact, stage.Result) {
	info, err := os.Stat(a.Path)
	if err != nil || !info.Mode().IsRegular() {
		if err == nil {
			err = fmt.Errorf("%s is not a regular file", a.Path)
		}
		return a, stage.Fatal(stage.Compile, ExitArtifactMissing, err,
			"%s but artifact %s is missing", what, a.Path)
	}
	a.Exists = true
	return a, stage.Success(stage.Compile, "built %s", a.Path)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
