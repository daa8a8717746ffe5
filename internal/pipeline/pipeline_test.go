package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/relpack/internal/appconfig"
	"github.com/example/relpack/internal/archive"
	"github.com/example/relpack/internal/featureflags"
	"github.com/example/relpack/internal/ledger"
	"github.com/example/relpack/internal/manifest"
	"github.com/example/relpack/internal/runner"
	"github.com/example/relpack/internal/signing"
	"github.com/example/relpack/internal/stage"
	"github.com/go-logr/logr"
)

const archiveName = "editor-1.0.0-windows-amd64.zip"

type fakeRunner struct {
	buildExit    int
	skipArtifact bool
	signErr      error
	calls        []string
}

func (f *fakeRunner) Run(_ context.Context, c runner.Command) error {
	f.calls = append(f.calls, c.Path)
	switch c.Path {
	case "cargo":
		if f.buildExit != 0 {
			return &runner.ExitError{Code: f.buildExit}
		}
		if f.skipArtifact {
			return nil
		}
		exe := filepath.Join(c.Dir, "target", "release", "editor.exe")
		if err := os.MkdirAll(filepath.Dir(exe), 0o755); err != nil {
			return err
		}
		return os.WriteFile(exe, []byte("MZ"), 0o755)
	case "osslsigncode":
		if f.signErr != nil {
			return f.signErr
		}
		var in, out string
		for i := 0; i+1 < len(c.Args); i++ {
			switch c.Args[i] {
			case "-in":
				in = c.Args[i+1]
			case "-out":
				out = c.Args[i+1]
			}
		}
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		return os.WriteFile(out, append(data, []byte("+SIG")...), 0o755)
	}
	return &runner.StartError{Path: c.Path, Err: os.ErrNotExist}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

// newProject lays out a project with every optional resource present.
func newProject(t *testing.T) (string, Options, *fakeRunner) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "deps", "tectonic.exe"), "tectonic")
	writeFile(t, filepath.Join(root, "deps", "pdfium.dll"), "pdfium")
	writeFile(t, filepath.Join(root, "icon.ico"), "icon")
	writeFile(t, filepath.Join(root, "dictionary.txt"), "alpha\nbeta\n")
	writeFile(t, filepath.Join(root, "latex_data.json"), `{"commands":[]}`)
	writeFile(t, filepath.Join(root, "web", "dist", "index.html"), "<html>")
	cfg := appconfig.Config{
		Product: "editor",
		Build:   appconfig.BuildConfig{Platform: "windows/amd64"},
		Sign:    appconfig.SignConfig{Tool: "osslsigncode"},
	}.WithDefaults(root)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	fr := &fakeRunner{}
	clock := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	return root, Options{
		Root:            root,
		Config:          cfg,
		Credential:      signing.NewCredential(filepath.Join(root, "cert.pfx"), "", appconfig.DefaultPasswordEnv),
		VersionOverride: "1.0.0",
		Runner:          fr,
		Logger:          logr.Discard(),
		Now:             func() time.Time { return clock },
	}, fr
}

func withCredential(t *testing.T, root string, opts Options) Options {
	t.Helper()
	writeFile(t, filepath.Join(root, "cert.pfx"), "pfx")
	opts.Credential = signing.NewCredential(filepath.Join(root, "cert.pfx"), "hunter2", appconfig.DefaultPasswordEnv)
	return opts
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	v, err := archive.Verify(context.Background(), path)
	if err != nil {
		t.Fatalf("verify %s: %v", path, err)
	}
	return v.Paths()
}

func reasons(results []stage.Result) []string {
	var out []string
	for _, r := range results {
		out = append(out, string(r.Stage)+":"+r.Reason)
	}
	return out
}

func TestReleaseCompleteAndIdempotent(t *testing.T) {
	root, opts, _ := newProject(t)
	opts = withCredential(t, root, opts)
	opts.Head = func(context.Context, string) (string, bool, error) { return "4f2a9c1", true, nil }
	var archives [][]byte
	for i := 0; i < 2; i++ {
		report, err := Run(context.Background(), opts)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if !report.Complete() || !report.Signed {
			t.Fatalf("run %d should be complete and signed, warnings: %v", i, reasons(report.Warnings))
		}
		if report.Archive != filepath.Join(root, archiveName) {
			t.Fatalf("unexpected archive path %s", report.Archive)
		}
		if _, err := os.Stat(filepath.Join(root, ".relpack", "staging", "editor")); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("staging directory left behind after run %d", i)
		}
		data, err := os.ReadFile(report.Archive)
		if err != nil {
			t.Fatalf("read archive: %v", err)
		}
		archives = append(archives, data)
	}
	if !bytes.Equal(archives[0], archives[1]) {
		t.Fatalf("identical inputs produced different archives")
	}
	got := strings.Join(archiveEntries(t, filepath.Join(root, archiveName)), ",")
	want := "dictionary.txt,editor.exe,icon.ico,latex_data.json,pdfium.dll,tectonic.exe,web/index.html"
	if got != want {
		t.Fatalf("entries = %s, want %s", got, want)
	}

	l, err := ledger.Open(filepath.Join(root, ".relpack", ledger.FileName))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer l.Close()
	runs, err := l.List(context.Background(), 0)
	if err != nil || len(runs) != 2 || runs[0].State != string(Done) || !runs[0].Signed || runs[0].Commit != "4f2a9c1-dirty" {
		t.Fatalf("unexpected history %+v %v", runs, err)
	}
}

func TestCompileFailureShortCircuits(t *testing.T) {
	root, opts, fr := newProject(t)
	fr.buildExit = 101
	report, err := Run(context.Background(), opts)
	if err == nil {
		t.Fatalf("expected compile failure")
	}
	if report.State != Failed || report.ExitCode != 101 || stage.ExitCode(err, 1) != 101 {
		t.Fatalf("unexpected report state=%s exit=%d", report.State, report.ExitCode)
	}
	if len(fr.calls) != 1 {
		t.Fatalf("nothing should run after a failed build, calls: %v", fr.calls)
	}
	if _, err := os.Stat(filepath.Join(root, ".relpack", "staging")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed compile must not create a staging directory")
	}
	if matches, _ := filepath.Glob(filepath.Join(root, "*.zip")); len(matches) != 0 {
		t.Fatalf("failed compile must not produce an archive: %v", matches)
	}
	if len(report.Transitions) != 2 || report.Transitions[1].To != Failed {
		t.Fatalf("unexpected transitions %+v", report.Transitions)
	}
}

func TestMissingArtifactIsDistinguishable(t *testing.T) {
	_, opts, fr := newProject(t)
	fr.skipArtifact = true
	report, err := Run(context.Background(), opts)
	if err == nil || report.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d (%v)", report.ExitCode, err)
	}
	if !strings.Contains(report.Fatal.Message, "build reported success but artifact") {
		t.Fatalf("unexpected message %q", report.Fatal.Message)
	}
}

func TestSigningAdvisoriesAreDistinguishable(t *testing.T) {
	t.Run("missing credential", func(t *testing.T) {
		root, opts, fr := newProject(t)
		report, err := Run(context.Background(), opts)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if report.Signed || report.Complete() {
			t.Fatalf("run without credential must be unsigned and incomplete")
		}
		if got := reasons(report.Warnings); len(got) != 1 || got[0] != "sign:"+signing.ReasonMissingCredential {
			t.Fatalf("warnings = %v", got)
		}
		for _, c := range fr.calls {
			if c == "osslsigncode" {
				t.Fatalf("signing tool must not run without a credential")
			}
		}
		if _, err := os.Stat(filepath.Join(root, archiveName)); err != nil {
			t.Fatalf("archive should still be produced: %v", err)
		}
	})
	t.Run("tool failure", func(t *testing.T) {
		root, opts, fr := newProject(t)
		opts = withCredential(t, root, opts)
		fr.signErr = &runner.ExitError{Code: 1}
		report, err := Run(context.Background(), opts)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if got := reasons(report.Warnings); len(got) != 1 || got[0] != "sign:"+signing.ReasonToolFailed {
			t.Fatalf("warnings = %v", got)
		}
		if report.State != Done || report.Signed {
			t.Fatalf("unexpected report %+v", report)
		}
	})
	t.Run("disabled", func(t *testing.T) {
		root, opts, _ := newProject(t)
		opts = withCredential(t, root, opts)
		opts.NoSign = true
		report, err := Run(context.Background(), opts)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if got := reasons(report.Warnings); len(got) != 1 || got[0] != "sign:"+signing.ReasonDisabled {
			t.Fatalf("warnings = %v", got)
		}
	})
}

func TestOptionalResourceIndependence(t *testing.T) {
	for _, r := range manifest.Default().Resources {
		t.Run(r.Name, func(t *testing.T) {
			root, opts, _ := newProject(t)
			if err := os.Remove(filepath.Join(root, filepath.FromSlash(r.Source))); err != nil {
				t.Fatalf("remove %s: %v", r.Source, err)
			}
			report, err := Run(context.Background(), opts)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if len(report.Missing) != 1 || report.Missing[0] != r.Name {
				t.Fatalf("missing = %v", report.Missing)
			}
			entries := archiveEntries(t, report.Archive)
			if len(entries) != 6 {
				t.Fatalf("expected the other resources plus exe and assets, got %v", entries)
			}
			for _, e := range entries {
				if e == r.Target() {
					t.Fatalf("%s should not be bundled", e)
				}
			}
		})
	}
}

func TestStaleStagingNeverArchived(t *testing.T) {
	root, opts, _ := newProject(t)
	writeFile(t, filepath.Join(root, ".relpack", "staging", "editor", "stale.dll"), "old")
	report, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, e := range archiveEntries(t, report.Archive) {
		if e == "stale.dll" {
			t.Fatalf("stale staging content reached the archive")
		}
	}
}

func TestUnresolvableArchiveDirIsFatal(t *testing.T) {
	root, opts, _ := newProject(t)
	opts.Config.Archive.Dir = "~someone/releases"
	report, err := Run(context.Background(), opts)
	if err == nil || report.State != Failed || report.ExitCode != archive.ExitArchive {
		t.Fatalf("expected archive failure, got state=%s exit=%d err=%v", report.State, report.ExitCode, err)
	}
	if report.Fatal == nil || report.Fatal.Stage != stage.Archive || !strings.Contains(report.Fatal.Message, "archive.dir") {
		t.Fatalf("unexpected fatal result %+v", report.Fatal)
	}
	if matches, _ := filepath.Glob(filepath.Join(root, "*.zip")); len(matches) != 0 {
		t.Fatalf("archive must not fall back to the project root: %v", matches)
	}
}

func TestRootPathInvariance(t *testing.T) {
	root, opts, _ := newProject(t)
	t.Chdir(root)
	first, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run from root: %v", err)
	}
	want, err := os.ReadFile(first.Archive)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	t.Chdir(t.TempDir())
	second, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run from elsewhere: %v", err)
	}
	got, err := os.ReadFile(second.Archive)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Archive != second.Archive || !bytes.Equal(want, got) {
		t.Fatalf("archive depends on the working directory")
	}
}

func TestLockHeldRefusesToRun(t *testing.T) {
	root, opts, fr := newProject(t)
	held, err := AcquireLock(filepath.Join(root, ".relpack"), time.Now())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()
	report, err := Run(context.Background(), opts)
	if report != nil || !IsLocked(err) || stage.ExitCode(err, 1) != ExitLocked {
		t.Fatalf("expected lock error, got %v", err)
	}
	if !strings.Contains(err.Error(), "locked by") {
		t.Fatalf("lock error should name the holder: %v", err)
	}
	if len(fr.calls) != 0 {
		t.Fatalf("no stage may run while locked")
	}
}

func TestArchiveEnvelope(t *testing.T) {
	root, opts, _ := newProject(t)
	priv, pub, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	opts.SigningKey = filepath.Join(t.TempDir(), "release.key")
	if err := signing.SavePrivateKey(opts.SigningKey, priv); err != nil {
		t.Fatalf("save key: %v", err)
	}
	report, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	env, err := signing.LoadEnvelope(filepath.Join(root, archiveName+signing.EnvelopeSuffix))
	if err != nil {
		t.Fatalf("load envelope: %v", err)
	}
	if err := signing.VerifyFile(report.Archive, env, pub); err != nil {
		t.Fatalf("verify envelope: %v", err)
	}

	opts.SigningKey = filepath.Join(root, "missing.key")
	report, err = Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("envelope failure must not be fatal: %v", err)
	}
	found := false
	for _, w := range report.Warnings {
		found = found || w.Reason == ReasonEnvelopeFailed
	}
	if !found {
		t.Fatalf("expected envelope advisory, got %v", reasons(report.Warnings))
	}
}

func TestFetchMissingDepsFlag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fetched-words"))
	}))
	defer server.Close()

	root, opts, _ := newProject(t)
	if err := os.Remove(filepath.Join(root, "dictionary.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	m := manifest.Default()
	for i := range m.Resources {
		if m.Resources[i].Name == "dictionary" {
			m.Resources[i].Fetch = &manifest.Fetch{URL: server.URL + "/dictionary.txt"}
		}
	}
	opts.Config.Resources = m.Resources
	flags, err := featureflags.Defaults().Enable(featureflags.OriginFlag, string(featureflags.FeatureFetchMissingDeps))
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	opts.Flags = flags
	report, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Missing) != 0 {
		t.Fatalf("dictionary should have been fetched, missing %v", report.Missing)
	}
	data, err := os.ReadFile(filepath.Join(root, "dictionary.txt"))
	if err != nil || string(data) != "fetched-words" {
		t.Fatalf("fetched file = %q %v", data, err)
	}
}
