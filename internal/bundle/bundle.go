// Package bundle assembles the release staging tree: the executable, the
// present optional resources and the static web assets, laid out the way the
// application expects them at runtime.
package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/relpack/internal/fsutil"
	"github.com/example/relpack/internal/manifest"
	"github.com/example/relpack/internal/stage"
	"github.com/go-logr/logr"
	"github.com/moby/patternmatcher"
)

// ExitStaging is the exit code for a staging tree that could not be built.
const ExitStaging = 4

// Soft-result reasons emitted by the assembler.
const (
	ReasonAssetsMissing = "assets-missing"
	ReasonCopyFailed    = "copy-failed"
)

type Options struct {
	Root string
	// StagingDir is the absolute staging directory; it must live under Root.
	StagingDir string
	// Artifact is the absolute path of the built executable.
	Artifact   string
	BundleName string
	// Present lists the optional resources found by the stager.
	Present []manifest.Presence
	Assets  manifest.Assets
	Logger  logr.Logger
}

// Entry is one file in the staging tree.
type Entry struct {
	Path string      `json:"path"`
	Size int64       `json:"size"`
	Mode fs.FileMode `json:"mode"`
}

// Bundle is the assembled staging tree.
type Bundle struct {
	Dir     string  `json:"dir"`
	Entries []Entry `json:"entries"`
}

// Paths returns the slash-separated entry paths in order.
func (b Bundle) Paths() []string {
	out := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.Path
	}
	return out
}

// Assemble recreates the staging directory from scratch and fills it. Only a
// failure to prepare the directory or to place the executable is fatal.
func Assemble(opts Options) (Bundle, []stage.Result) {
	log := opts.Logger
	var results []stage.Result
	fatal := func(err error, msg string, args ...any) (Bundle, []stage.Result) {
		return Bundle{Dir: opts.StagingDir}, append(results, stage.Fatal(stage.Assemble, ExitStaging, err, msg, args...))
	}

	if err := checkStagingDir(opts.Root, opts.StagingDir); err != nil {
		return fatal(err, "refusing to use staging directory %s", opts.StagingDir)
	}
	if err := os.RemoveAll(opts.StagingDir); err != nil {
		return fatal(err, "remove stale staging directory %s", opts.StagingDir)
	}
	if err := os.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return fatal(err, "create staging directory %s", opts.StagingDir)
	}
	log.V(1).Info("staging directory ready", "dir", opts.StagingDir)

	exeTarget := filepath.Join(opts.StagingDir, opts.BundleName)
	if err := fsutil.CopyFile(opts.Artifact, exeTarget); err != nil {
		return fatal(err, "copy executable into staging")
	}

	for _, p := range opts.Present {
		target := p.Resource.Target()
		if err := fsutil.CopyFile(p.Path, filepath.Join(opts.StagingDir, filepath.FromSlash(target))); err != nil {
			log.Error(err, "copy resource into staging", "resource", p.Resource.Name)
			results = append(results, stage.Soft(stage.Assemble, ReasonCopyFailed, err,
				"resource %s not bundled: %v", p.Resource.Name, err).WithSubject(p.Resource.Name))
			continue
		}
		log.V(1).Info("bundled resource", "resource", p.Resource.Name, "path", target)
	}

	if opts.Assets.Dir != "" {
		files, err := AssetFiles(opts.Root, opts.Assets)
		switch {
		case errors.Is(err, os.ErrNotExist):
			results = append(results, stage.Soft(stage.Assemble, ReasonAssetsMissing, nil,
				"web assets not found at %s", opts.Assets.Dir).WithSubject("assets"))
		case err != nil:
			results = append(results, stage.Soft(stage.Assemble, ReasonCopyFailed, err,
				"web assets not bundled: %v", err).WithSubject("assets"))
		default:
			failed := 0
			for _, f := range files {
				if err := fsutil.CopyFile(f.Source, filepath.Join(opts.StagingDir, filepath.FromSlash(f.Target))); err != nil {
					failed++
					results = append(results, stage.Soft(stage.Assemble, ReasonCopyFailed, err,
						"asset %s not bundled: %v", f.Target, err).WithSubject("assets"))
				}
			}
			log.V(1).Info("bundled web assets", "files", len(files)-failed, "failed", failed)
		}
	}

	entries, err := List(opts.StagingDir)
	if err != nil {
		return fatal(err, "list staging directory")
	}
	results = append(results, stage.Success(stage.Assemble, "staged %d files in %s", len(entries), opts.StagingDir))
	return Bundle{Dir: opts.StagingDir, Entries: entries}, results
}

// AssetFile maps one asset on disk to its bundle path.
type AssetFile struct {
	Source string
	Target string
}

// AssetFiles lists the asset tree under root, minus Exclude matches, in
// bundle-path order. A missing asset directory returns an os.ErrNotExist error.
func AssetFiles(root string, assets manifest.Assets) ([]AssetFile, error) {
	dir, err := manifest.Resolve(root, assets.Dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", assets.Dir)
	}
	matcher, err := patternmatcher.New(assets.Exclude)
	if err != nil {
		return nil, fmt.Errorf("assets exclude patterns: %w", err)
	}
	prefix := path.Clean(filepath.ToSlash(assets.BundleDir))
	var out []AssetFile
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		excluded, err := matcher.MatchesOrParentMatches(rel)
		if err != nil {
			return err
		}
		if excluded {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		target := rel
		if prefix != "" && prefix != "." {
			target = path.Join(prefix, rel)
		}
		out = append(out, AssetFile{Source: p, Target: target})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

// List returns every regular file under dir, sorted by slash path.
func List(dir string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Path: filepath.ToSlash(rel), Size: info.Size(), Mode: info.Mode().Perm()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Expected returns the listing Assemble would produce for the resources and
// assets currently present under root.
func Expected(root, bundleName string, m manifest.Manifest) ([]string, error) {
	out := []string{bundleName}
	for _, p := range manifest.Probe(root, m) {
		if p.Present {
			out = append(out, p.Resource.Target())
		}
	}
	if m.Assets.Dir != "" {
		files, err := AssetFiles(root, m.Assets)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		for _, f := range files {
			out = append(out, f.Target)
		}
	}
	sort.Strings(out)
	return out, nil
}

func checkStagingDir(root, dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("staging directory %s is not absolute", dir)
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return fmt.Errorf("staging directory %s is not inside %s", dir, root)
	}
	return nil
}
