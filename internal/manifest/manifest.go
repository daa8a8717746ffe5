// Package manifest declares the optional runtime resources a release bundle
// may carry and probes which of them are present under a project root.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Format describes how a fetched download is turned into the resource file.
type Format string

const (
	FormatRaw Format = "raw"
	FormatZip Format = "zip"
	FormatTgz Format = "tgz"
)

// Fetch describes where an optional resource can be downloaded from.
type Fetch struct {
	URL    string `yaml:"url" json:"url"`
	Format Format `yaml:"format,omitempty" json:"format,omitempty"`
	// Member is the path inside a zip or tgz download holding the resource.
	Member string `yaml:"member,omitempty" json:"member,omitempty"`
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
}

// Resource is one optional runtime dependency.
type Resource struct {
	Name   string `yaml:"name" json:"name"`
	Source string `yaml:"source" json:"source"`
	// Destinations are execution-adjacent copies made before the bundle is assembled.
	Destinations []string `yaml:"destinations,omitempty" json:"destinations,omitempty"`
	// BundlePath is the slash-separated location inside the release bundle.
	BundlePath string `yaml:"bundlePath,omitempty" json:"bundlePath,omitempty"`
	Fetch      *Fetch `yaml:"fetch,omitempty" json:"fetch,omitempty"`
}

// Target returns the bundle-relative path the resource is copied to.
func (r Resource) Target() string {
	if p := strings.TrimSpace(r.BundlePath); p != "" {
		return path.Clean(filepath.ToSlash(p))
	}
	return path.Base(filepath.ToSlash(r.Source))
}

// Assets describes the static web asset tree copied verbatim into the bundle.
type Assets struct {
	Dir       string   `yaml:"dir,omitempty" json:"dir,omitempty"`
	BundleDir string   `yaml:"bundleDir,omitempty" json:"bundleDir,omitempty"`
	Exclude   []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// Manifest is the declarative list of optional content for a release.
type Manifest struct {
	Resources []Resource `yaml:"resources,omitempty" json:"resources,omitempty"`
	Assets    Assets     `yaml:"assets,omitempty" json:"assets,omitempty"`
}

const (
	pdfiumURL   = "https://github.com/bblanchon/pdfium-binaries/releases/download/chromium/7643/pdfium-win-x64.tgz"
	tectonicURL = "https://github.com/tectonic-typesetting/tectonic/releases/download/tectonic@0.15.0/tectonic-0.15.0-x86_64-pc-windows-msvc.zip"
)

// Default returns the canonical manifest: the typesetting engine, the PDF
// renderer, the icon, the word list and the generated LaTeX data file.
func Default() Manifest {
	return Manifest{
		Resources: []Resource{
			{
				Name:         "tectonic",
				Source:       "deps/tectonic.exe",
				Destinations: []string{"target/release/tectonic.exe"},
				Fetch:        &Fetch{URL: tectonicURL, Format: FormatZip, Member: "tectonic.exe"},
			},
			{
				Name:         "pdfium",
				Source:       "deps/pdfium.dll",
				Destinations: []string{"target/release/pdfium.dll"},
				Fetch:        &Fetch{URL: pdfiumURL, Format: FormatTgz, Member: "bin/pdfium.dll"},
			},
			{Name: "icon", Source: "icon.ico"},
			{
				Name:         "dictionary",
				Source:       "dictionary.txt",
				Destinations: []string{"target/release/dictionary.txt"},
			},
			{
				Name:         "latex-data",
				Source:       "latex_data.json",
				Destinations: []string{"target/release/latex_data.json"},
			},
		},
		Assets: Assets{Dir: "web/dist", BundleDir: "web"},
	}
}

// Lookup returns the resource with the given name.
func (m Manifest) Lookup(name string) (Resource, bool) {
	for _, r := range m.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// Names returns the resource names in manifest order.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m.Resources))
	for _, r := range m.Resources {
		names = append(names, r.Name)
	}
	return names
}

// Validate rejects manifests that would write outside the project root or
// collide inside the bundle.
func (m Manifest) Validate() error {
	var problems []string
	names := map[string]struct{}{}
	targets := map[string]string{}
	for i, r := range m.Resources {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("resources[%d]: name is required", i))
			continue
		}
		if _, dup := names[name]; dup {
			problems = append(problems, fmt.Sprintf("resource %q: duplicate name", name))
		}
		names[name] = struct{}{}
		if strings.TrimSpace(r.Source) == "" {
			problems = append(problems, fmt.Sprintf("resource %q: source is required", name))
		} else if err := checkRelative(r.Source); err != nil {
			problems = append(problems, fmt.Sprintf("resource %q: source: %v", name, err))
		}
		for _, dest := range r.Destinations {
			if err := checkRelative(dest); err != nil {
				problems = append(problems, fmt.Sprintf("resource %q: destination %s: %v", name, dest, err))
			}
		}
		target := r.Target()
		if err := checkRelative(target); err != nil {
			problems = append(problems, fmt.Sprintf("resource %q: bundle path: %v", name, err))
		} else if other, dup := targets[target]; dup {
			problems = append(problems, fmt.Sprintf("resource %q: bundle path %s already used by %q", name, target, other))
		} else {
			targets[target] = name
		}
		if r.Fetch != nil {
			switch r.Fetch.Format {
			case "", FormatRaw:
			case FormatZip, FormatTgz:
				if strings.TrimSpace(r.Fetch.Member) == "" {
					problems = append(problems, fmt.Sprintf("resource %q: fetch member is required for %s downloads", name, r.Fetch.Format))
				}
			default:
				problems = append(problems, fmt.Sprintf("resource %q: unknown fetch format %q", name, r.Fetch.Format))
			}
			if strings.TrimSpace(r.Fetch.URL) == "" {
				problems = append(problems, fmt.Sprintf("resource %q: fetch url is required", name))
			}
		}
	}
	if m.Assets.Dir != "" {
		if err := checkRelative(m.Assets.Dir); err != nil {
			problems = append(problems, fmt.Sprintf("assets dir: %v", err))
		}
	}
	if m.Assets.BundleDir != "" {
		if err := checkRelative(m.Assets.BundleDir); err != nil {
			problems = append(problems, fmt.Sprintf("assets bundleDir: %v", err))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid manifest: %s", strings.Join(problems, "; "))
}

// ErrEscapesRoot is returned for paths that leave the project root.
var ErrEscapesRoot = errors.New("path escapes the project root")

func checkRelative(p string) error {
	p = strings.TrimSpace(p)
	if p == "" {
		return errors.New("path is empty")
	}
	if filepath.IsAbs(p) || path.IsAbs(filepath.ToSlash(p)) {
		return errors.New("path must be relative")
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return ErrEscapesRoot
	}
	return nil
}

// Resolve joins a manifest-relative path to root.
func Resolve(root, rel string) (string, error) {
	if err := checkRelative(rel); err != nil {
		return "", fmt.Errorf("%s: %w", rel, err)
	}
	return filepath.Join(root, filepath.FromSlash(path.Clean(filepath.ToSlash(rel)))), nil
}

// Presence reports whether one resource exists under the project root.
type Presence struct {
	Resource Resource
	Path     string
	Present  bool
	Size     int64
	Err      error
}

// Probe stats every resource source under root. A directory at a source path
// counts as absent.
func Probe(root string, m Manifest) []Presence {
	out := make([]Presence, 0, len(m.Resources))
	for _, r := range m.Resources {
		p := Presence{Resource: r}
		abs, err := Resolve(root, r.Source)
		if err != nil {
			p.Err = err
			out = append(out, p)
			continue
		}
		p.Path = abs
		info, err := os.Stat(abs)
		switch {
		case err == nil && info.Mode().IsRegular():
			p.Present = true
			p.Size = info.Size()
		case err == nil:
			p.Err = fmt.Errorf("%s is not a regular file", abs)
		case !errors.Is(err, os.ErrNotExist):
			p.Err = err
		}
		out = append(out, p)
	}
	return out
}
