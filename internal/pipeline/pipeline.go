// Package pipeline drives a release: compile, stage optional resources, sign,
// assemble the bundle and archive it, folding every stage result and halting
// on the first fatal one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/example/relpack/internal/appconfig"
	"github.com/example/relpack/internal/archive"
	"github.com/example/relpack/internal/bundle"
	"github.com/example/relpack/internal/compile"
	"github.com/example/relpack/internal/deps"
	"github.com/example/relpack/internal/featureflags"
	"github.com/example/relpack/internal/ledger"
	"github.com/example/relpack/internal/runner"
	"github.com/example/relpack/internal/signing"
	"github.com/example/relpack/internal/stage"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

// State is a pipeline state.
type State string

const (
	Idle       State = "idle"
	Compiling  State = "compiling"
	Staging    State = "staging"
	Signing    State = "signing"
	Assembling State = "assembling"
	Archiving  State = "archiving"
	Done       State = "done"
	Failed     State = "failed"
)

// ReasonEnvelopeFailed tags an archive envelope that could not be written.
const ReasonEnvelopeFailed = "envelope-failed"

type Options struct {
	// Root is the absolute project root every path is resolved against.
	Root string
	// Config must already have defaults applied and be validated.
	Config     appconfig.Config
	Credential signing.Credential
	SkipBuild  bool
	NoSign     bool
	// VersionOverride takes precedence over every other version source.
	VersionOverride string
	// BuildVersion is relpack's own version, the last fallback before "dev".
	BuildVersion string
	// Describe returns the git description of dir; nil disables it.
	Describe func(ctx context.Context, dir string) (string, error)
	// Head returns the commit and dirty state of dir; nil disables it.
	Head func(ctx context.Context, dir string) (string, bool, error)
	// SigningKey is the resolved path of the archive envelope key, if any.
	SigningKey string
	Flags      featureflags.Flags
	HTTPClient *retryablehttp.Client
	Runner     runner.Runner
	// Output receives build and signing tool output.
	Output io.Writer
	Logger logr.Logger
	Now    func() time.Time
	// NoLedger skips recording the run in the release history.
	NoLedger bool
}

// Transition records one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Report is the outcome of one run.
type Report struct {
	Root        string         `json:"root"`
	State       State          `json:"state"`
	Version     string         `json:"version,omitempty"`
	Commit      string         `json:"commit,omitempty"`
	Artifact    string         `json:"artifact,omitempty"`
	Archive     string         `json:"archive,omitempty"`
	Checksum    string         `json:"checksum,omitempty"`
	Envelope    string         `json:"envelope,omitempty"`
	Digest      string         `json:"digest,omitempty"`
	Files       int            `json:"files,omitempty"`
	Signed      bool           `json:"signed"`
	Missing     []string       `json:"missing,omitempty"`
	Results     []stage.Result `json:"-"`
	Warnings    []stage.Result `json:"-"`
	Fatal       *stage.Result  `json:"-"`
	ExitCode    int            `json:"exitCode"`
	RunID       int64          `json:"runId,omitempty"`
	Transitions []Transition   `json:"transitions"`
	StartedAt   time.Time      `json:"startedAt"`
	Duration    time.Duration  `json:"duration"`
}

// Complete reports whether the run finished with no advisory recorded, meaning
// the archive carries every optional component and a signed executable.
func (r *Report) Complete() bool {
	return r != nil && r.State == Done && len(r.Warnings) == 0
}

// Err returns the first fatal error, or nil.
func (r *Report) Err() error {
	if r == nil || r.Fatal == nil {
		return nil
	}
	return r.Fatal.Err
}

// Events returns the non-success results in ledger form.
func (r *Report) Events() []ledger.Event {
	return ledger.EventsFrom(r.Results)
}

type driver struct {
	opts   Options
	log    logr.Logger
	now    func() time.Time
	report *Report
	fold   stage.Fold
}

func (d *driver) enter(s State) {
	d.report.Transitions = append(d.report.Transitions, Transition{From: d.report.State, To: s, At: d.now()})
	d.log.V(1).Info("state", "from", string(d.report.State), "to", string(s))
	d.report.State = s
}

// add folds results and moves to Failed on the first fatal one.
func (d *driver) add(results ...stage.Result) bool {
	d.fold.Add(results...)
	if !d.fold.Halted() {
		return true
	}
	d.enter(Failed)
	return false
}

// Run executes one release under the project lock. The error is the first
// fatal stage error or a lock error; the report is nil only for the latter.
func Run(ctx context.Context, opts Options) (*Report, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if !filepath.IsAbs(opts.Root) {
		return nil, fmt.Errorf("project root %q must be absolute", opts.Root)
	}
	stateDir := filepath.Join(opts.Root, appconfig.StateDir)
	lock, err := AcquireLock(stateDir, now())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	d := &driver{
		opts:   opts,
		log:    opts.Logger,
		now:    now,
		report: &Report{Root: opts.Root, State: Idle, StartedAt: now()},
	}
	d.run(ctx)

	r := d.report
	r.Results = d.fold.Results()
	r.Warnings = d.fold.Warnings()
	if fatal, ok := d.fold.Fatal(); ok {
		r.Fatal = &fatal
		r.ExitCode = stage.ExitCode(fatal.Err, 1)
	}
	r.Duration = now().Sub(r.StartedAt)
	if !opts.NoLedger {
		d.record(ctx, stateDir)
	}
	return r, r.Err()
}

func (d *driver) run(ctx context.Context) {
	opts, cfg, log := d.opts, d.opts.Config, d.log
	root := opts.Root
	m := cfg.Manifest()

	d.enter(Compiling)
	artifactPath, err := appconfig.ProjectPath(root, cfg.Build.Artifact)
	if err != nil {
		d.add(stage.Fatal(stage.Compile, 1, err, "resolve artifact path"))
		return
	}
	artifact, res := compile.Run(ctx, compile.Options{
		Root:         root,
		Command:      cfg.Build.Command,
		Env:          cfg.Build.Env,
		Timeout:      cfg.Build.Timeout,
		ArtifactPath: artifactPath,
		Platform:     cfg.Build.Platform,
		Skip:         opts.SkipBuild,
		Output:       opts.Output,
		Logger:       log.WithName("compile"),
		Runner:       opts.Runner,
	})
	d.report.Artifact = artifact.Path
	if !d.add(res) {
		return
	}

	d.enter(Staging)
	if opts.Flags.Enabled(featureflags.FeatureFetchMissingDeps) {
		fetcher := &deps.Fetcher{Root: root, Client: opts.HTTPClient, Logger: log.WithName("fetch")}
		d.add(deps.Results(fetcher.Fetch(ctx, deps.Missing(root, m, false)))...)
	}
	staged, results := deps.Stage(deps.StageOptions{Root: root, Manifest: m, Logger: log.WithName("deps")})
	d.report.Missing = staged.Missing
	d.add(results...)

	d.enter(Signing)
	signed, res := signing.SignExecutable(ctx, artifact.Path, signing.CodeSignOptions{
		Root:         root,
		Credential:   opts.Credential,
		Tool:         cfg.Sign.Tool,
		Command:      cfg.Sign.Command,
		TimestampURL: cfg.Sign.TimestampURL,
		Disabled:     opts.NoSign || !cfg.SigningEnabled(),
		Runner:       opts.Runner,
		Output:       opts.Output,
		Logger:       log.WithName("sign"),
	})
	d.report.Signed = signed
	d.add(res)

	d.enter(Assembling)
	b, results := bundle.Assemble(bundle.Options{
		Root:       root,
		StagingDir: filepath.Join(root, filepath.FromSlash(cfg.Archive.StagingDir)),
		Artifact:   artifact.Path,
		BundleName: cfg.BundleName(),
		Present:    staged.Present,
		Assets:     m.Assets,
		Logger:     log.WithName("assemble"),
	})
	if !d.add(results...) {
		return
	}

	d.enter(Archiving)
	version, source := archive.ResolveVersion(archive.VersionSources{
		Flag:     opts.VersionOverride,
		Config:   cfg.Archive.Version,
		Describe: d.describe(ctx),
		Build:    opts.BuildVersion,
	})
	d.report.Version = version
	if opts.Head != nil {
		if commit, dirty, err := opts.Head(ctx, root); err == nil {
			if dirty {
				commit += "-dirty"
			}
			d.report.Commit = commit
		}
	}
	name := archive.Naming{
		Literal: cfg.Archive.Name,
		Product: cfg.Product,
		Version: version,
		OS:      cfg.PlatformOS(),
		Arch:    cfg.PlatformArch(),
	}.FileName()
	outDir, err := appconfig.ProjectPath(root, cfg.Archive.Dir)
	if err != nil {
		d.add(stage.Fatal(stage.Archive, archive.ExitArchive, err, "resolve archive.dir %q", cfg.Archive.Dir))
		return
	}
	if outDir == "" {
		outDir = root
	}
	log.V(1).Info("archive name", "name", name, "version", version, "versionSource", source)
	written, res := archive.Create(ctx, archive.Options{
		StagingDir: b.Dir,
		OutputPath: filepath.Join(outDir, name),
		Executable: cfg.BundleName(),
		Logger:     log.WithName("archive"),
	})
	if !d.add(res) {
		return
	}
	d.report.Archive = written.Path
	d.report.Checksum = written.ChecksumPath
	d.report.Digest = written.Digest.String()
	d.report.Files = written.Files

	if opts.SigningKey != "" {
		d.add(d.envelope(written.Path))
	}
	d.enter(Done)
}

func (d *driver) describe(ctx context.Context) func() (string, error) {
	if d.opts.Describe == nil {
		return nil
	}
	return func() (string, error) { return d.opts.Describe(ctx, d.opts.Root) }
}

func (d *driver) envelope(archivePath string) stage.Result {
	key, _, err := signing.LoadPrivateKey(d.opts.SigningKey)
	if err == nil {
		var env signing.Envelope
		env, err = signing.SignFile(archivePath, key, d.now())
		if err == nil {
			path := signing.EnvelopePath(archivePath)
			if err = signing.SaveEnvelope(path, env); err == nil {
				d.report.Envelope = path
				return stage.Success(stage.Envelope, "signed archive with key %s", env.KeyID)
			}
		}
	}
	d.log.Error(err, "archive envelope not written")
	return stage.Soft(stage.Envelope, ReasonEnvelopeFailed, err, "archive signature not written: %v", err)
}

func (d *driver) record(ctx context.Context, stateDir string) {
	r := d.report
	l, err := ledger.Open(filepath.Join(stateDir, ledger.FileName))
	if err != nil {
		d.log.Error(err, "release history unavailable")
		return
	}
	defer l.Close()
	run := ledger.Run{
		StartedAt:  r.StartedAt,
		FinishedAt: r.StartedAt.Add(r.Duration),
		State:      string(r.State),
		Version:    r.Version,
		Commit:     r.Commit,
		Archive:    r.Archive,
		Digest:     r.Digest,
		Signed:     r.Signed,
		ExitCode:   r.ExitCode,
		Events:     r.Events(),
	}
	if r.Fatal != nil {
		run.Fatal = r.Fatal.Err.Error()
	}
	// A cancelled run is still recorded.
	id, err := l.Record(context.WithoutCancel(ctx), run)
	if err != nil {
		d.log.Error(err, "record release history")
		return
	}
	r.RunID = id
}

// IsLocked reports whether err is the run-lock error.
func IsLocked(err error) bool {
	var se *stage.Error
	return errors.As(err, &se) && se.Stage == stage.Lock
}
