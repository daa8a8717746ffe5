// Package appconfig loads relpack's layered project configuration: the global
// ~/.relpack/config.yaml overlaid by the project's .relpack.yaml.
package appconfig

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/example/relpack/internal/manifest"
	"github.com/example/relpack/internal/secretstore"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	ProjectFile = ".relpack.yaml"
	// StateDir holds the run lock, the release ledger and the default staging tree.
	StateDir = ".relpack"

	DefaultBuildCommand  = "cargo build --release"
	DefaultCertPath      = "cert.pfx"
	DefaultPasswordEnv   = "RELPACK_SIGN_PASSWORD"
	DefaultTimestampURL  = "http://timestamp.digicert.com"
	defaultArtifactDir   = "target/release"
	defaultStagingParent = StateDir + "/staging"
)

type BuildConfig struct {
	Command  string `yaml:"command,omitempty"`
	Artifact string `yaml:"artifact,omitempty"`
	// Platform is "os/arch" of the built binary; it picks the executable suffix
	// and the archive name tokens.
	Platform   string            `yaml:"platform,omitempty"`
	BundleName string            `yaml:"bundleName,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Timeout    time.Duration     `yaml:"timeout,omitempty"`
}

type SignConfig struct {
	Enabled      *bool  `yaml:"enabled,omitempty"`
	Cert         string `yaml:"cert,omitempty"`
	PasswordEnv  string `yaml:"passwordEnv,omitempty"`
	Tool         string `yaml:"tool,omitempty"`
	Command      string `yaml:"command,omitempty"`
	TimestampURL string `yaml:"timestampURL,omitempty"`
}

type ArchiveConfig struct {
	Name       string `yaml:"name,omitempty"`
	Version    string `yaml:"version,omitempty"`
	Dir        string `yaml:"dir,omitempty"`
	StagingDir string `yaml:"stagingDir,omitempty"`
	SigningKey string `yaml:"signingKey,omitempty"`
}

type Config struct {
	Product   string              `yaml:"product,omitempty"`
	Build     BuildConfig         `yaml:"build,omitempty"`
	Sign      SignConfig          `yaml:"sign,omitempty"`
	Archive   ArchiveConfig       `yaml:"archive,omitempty"`
	Resources []manifest.Resource `yaml:"resources,omitempty"`
	Assets    *manifest.Assets    `yaml:"assets,omitempty"`
	Secrets   secretstore.Config  `yaml:"secrets,omitempty"`
	// Features lists feature flags switched on for every run.
	Features []string `yaml:"features,omitempty"`
}

func DefaultGlobalPath() string {
	home, err := homedir.Dir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ""
	}
	return filepath.Join(home, StateDir, "config.yaml")
}

func DefaultProjectPath(root string) string {
	root = strings.TrimSpace(root)
	if root == "" {
		return ""
	}
	return filepath.Join(root, ProjectFile)
}

// Load reads the global file then the project file; both are optional.
func Load(globalPath, projectPath string) (Config, error) {
	var cfg Config
	for _, src := range []struct{ label, path string }{{"global", globalPath}, {"project", projectPath}} {
		c, err := loadOne(src.path)
		if err != nil {
			return Config{}, fmt.Errorf("load %s config: %w", src.label, err)
		}
		cfg = merge(cfg, c)
	}
	return cfg, nil
}

func loadOne(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return Config{}, nil
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func merge(a, b Config) Config {
	out := a
	if b.Product != "" {
		out.Product = b.Product
	}
	out.Build = mergeBuild(a.Build, b.Build)
	out.Sign = mergeSign(a.Sign, b.Sign)
	out.Archive = mergeArchive(a.Archive, b.Archive)
	if len(b.Resources) > 0 {
		out.Resources = append([]manifest.Resource(nil), b.Resources...)
	}
	if b.Assets != nil {
		assets := *b.Assets
		out.Assets = &assets
	}
	out.Secrets = secretstore.Merge(a.Secrets, b.Secrets)
	out.Features = append(append([]string(nil), a.Features...), b.Features...)
	return out
}

func mergeBuild(a, b BuildConfig) BuildConfig {
	out := a
	if b.Command != "" {
		out.Command = b.Command
	}
	if b.Artifact != "" {
		out.Artifact = b.Artifact
	}
	if b.Platform != "" {
		out.Platform = b.Platform
	}
	if b.BundleName != "" {
		out.BundleName = b.BundleName
	}
	if len(b.Env) > 0 {
		env := make(map[string]string, len(a.Env)+len(b.Env))
		for k, v := range a.Env {
			env[k] = v
		}
		for k, v := range b.Env {
			env[k] = v
		}
		out.Env = env
	}
	if b.Timeout != 0 {
		out.Timeout = b.Timeout
	}
	return out
}

func mergeSign(a, b SignConfig) SignConfig {
	out := a
	if b.Enabled != nil {
		out.Enabled = b.Enabled
	}
	if b.Cert != "" {
		out.Cert = b.Cert
	}
	if b.PasswordEnv != "" {
		out.PasswordEnv = b.PasswordEnv
	}
	if b.Tool != "" {
		out.Tool = b.Tool
	}
	if b.Command != "" {
		out.Command = b.Command
	}
	if b.TimestampURL != "" {
		out.TimestampURL = b.TimestampURL
	}
	return out
}

func mergeArchive(a, b ArchiveConfig) ArchiveConfig {
	out := a
	if b.Name != "" {
		out.Name = b.Name
	}
	if b.Version != "" {
		out.Version = b.Version
	}
	if b.Dir != "" {
		out.Dir = b.Dir
	}
	if b.StagingDir != "" {
		out.StagingDir = b.StagingDir
	}
	if b.SigningKey != "" {
		out.SigningKey = b.SigningKey
	}
	return out
}

// WithDefaults fills every unset field. The product name falls back to the
// base name of root.
func (c Config) WithDefaults(root string) Config {
	out := c
	if strings.TrimSpace(out.Product) == "" {
		out.Product = filepath.Base(root)
	}
	if out.Build.Command == "" {
		out.Build.Command = DefaultBuildCommand
	}
	if out.Build.Platform == "" {
		out.Build.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	if out.Build.Artifact == "" {
		out.Build.Artifact = path.Join(defaultArtifactDir, out.Product+out.ExeSuffix())
	}
	if out.Sign.Cert == "" {
		out.Sign.Cert = DefaultCertPath
	}
	if out.Sign.PasswordEnv == "" {
		out.Sign.PasswordEnv = DefaultPasswordEnv
	}
	if out.Sign.TimestampURL == "" {
		out.Sign.TimestampURL = DefaultTimestampURL
	}
	if out.Archive.StagingDir == "" {
		out.Archive.StagingDir = path.Join(defaultStagingParent, out.Product)
	}
	return out
}

// PlatformOS returns the os half of Build.Platform.
func (c Config) PlatformOS() string {
	osName, _, _ := strings.Cut(c.Build.Platform, "/")
	return osName
}

// PlatformArch returns the arch half of Build.Platform.
func (c Config) PlatformArch() string {
	_, arch, _ := strings.Cut(c.Build.Platform, "/")
	return arch
}

// ExeSuffix is ".exe" for windows builds.
func (c Config) ExeSuffix() string {
	if c.PlatformOS() == "windows" {
		return ".exe"
	}
	return ""
}

// BundleName is the file name the executable takes inside the bundle.
func (c Config) BundleName() string {
	if c.Build.BundleName != "" {
		return c.Build.BundleName
	}
	return c.Product + c.ExeSuffix()
}

// SigningEnabled reports whether code signing is switched on in config.
func (c Config) SigningEnabled() bool {
	return c.Sign.Enabled == nil || *c.Sign.Enabled
}

// Manifest returns the canonical manifest with configured overrides applied.
func (c Config) Manifest() manifest.Manifest {
	m := manifest.Default()
	if len(c.Resources) > 0 {
		m.Resources = append([]manifest.Resource(nil), c.Resources...)
	}
	if c.Assets != nil {
		m.Assets = *c.Assets
	}
	return m
}

// Validate checks a defaulted config.
func (c Config) Validate() error {
	if strings.ContainsAny(c.Product, `/\`) {
		return fmt.Errorf("product %q must not contain path separators", c.Product)
	}
	if c.PlatformOS() == "" || c.PlatformArch() == "" {
		return fmt.Errorf("build.platform %q must be os/arch", c.Build.Platform)
	}
	if c.Build.Timeout < 0 {
		return fmt.Errorf("build.timeout must not be negative")
	}
	if strings.ContainsAny(c.BundleName(), `/\`) {
		return fmt.Errorf("build.bundleName %q must be a file name", c.BundleName())
	}
	switch strings.ToLower(c.Sign.Tool) {
	case "", "signtool", "osslsigncode":
	default:
		return fmt.Errorf("sign.tool %q is not supported (signtool or osslsigncode)", c.Sign.Tool)
	}
	staging := path.Clean(filepath.ToSlash(c.Archive.StagingDir))
	if filepath.IsAbs(c.Archive.StagingDir) || staging == "." || staging == ".." || strings.HasPrefix(staging, "../") {
		return fmt.Errorf("archive.stagingDir %q must be a subdirectory of the project root", c.Archive.StagingDir)
	}
	if _, err := homedir.Expand(c.Archive.Dir); err != nil {
		return fmt.Errorf("archive.dir %q: %w", c.Archive.Dir, err)
	}
	m := c.Manifest()
	if err := m.Validate(); err != nil {
		return err
	}
	if err := c.checkStagingOverlap(staging, m); err != nil {
		return err
	}
	return c.checkBundleTargets(m)
}

// checkStagingOverlap rejects a staging directory whose removal would delete
// build inputs, outputs or relpack state.
func (c Config) checkStagingOverlap(staging string, m manifest.Manifest) error {
	guarded := []struct{ label, path string }{
		{"build.artifact", c.Build.Artifact},
		{"assets.dir", m.Assets.Dir},
		{"archive.dir", c.Archive.Dir},
		{"state directory", StateDir},
	}
	for _, r := range m.Resources {
		guarded = append(guarded, struct{ label, path string }{fmt.Sprintf("resource %q source", r.Name), r.Source})
		for _, dest := range r.Destinations {
			guarded = append(guarded, struct{ label, path string }{fmt.Sprintf("resource %q destination", r.Name), dest})
		}
	}
	for _, g := range guarded {
		rel, ok := relativeSlash(g.path)
		if !ok {
			continue
		}
		if within(staging, rel) {
			return fmt.Errorf("archive.stagingDir %q would delete %s %s", c.Archive.StagingDir, g.label, g.path)
		}
	}
	if rel, ok := relativeSlash(m.Assets.Dir); ok && within(rel, staging) {
		return fmt.Errorf("archive.stagingDir %q must not be inside assets.dir %s", c.Archive.StagingDir, m.Assets.Dir)
	}
	return nil
}

// checkBundleTargets rejects resources that would overwrite the executable or
// the web assets inside the bundle.
func (c Config) checkBundleTargets(m manifest.Manifest) error {
	exe := c.BundleName()
	assetsDir := ""
	if m.Assets.Dir != "" {
		assetsDir = path.Clean(filepath.ToSlash(m.Assets.BundleDir))
	}
	if assetsDir == exe {
		return fmt.Errorf("assets.bundleDir %q collides with the executable", m.Assets.BundleDir)
	}
	for _, r := range m.Resources {
		target := r.Target()
		switch {
		case target == exe:
			return fmt.Errorf("resource %q: bundle path %s collides with the executable", r.Name, target)
		case assetsDir != "" && within(target, assetsDir):
			return fmt.Errorf("resource %q: bundle path %s shadows assets.bundleDir %s", r.Name, target, m.Assets.BundleDir)
		case assetsDir != "" && assetsDir != "." && within(assetsDir, target):
			return fmt.Errorf("resource %q: bundle path %s is inside assets.bundleDir %s", r.Name, target, m.Assets.BundleDir)
		}
	}
	return nil
}

// relativeSlash returns p cleaned and slash-separated when it is relative to
// the project root. Absolute and "~" paths report false.
func relativeSlash(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
		return "", false
	}
	return path.Clean(filepath.ToSlash(p)), true
}

// within reports whether child is dir or lies below it.
func within(dir, child string) bool {
	return child == dir || strings.HasPrefix(child, dir+"/")
}

// ProjectPath anchors a configured path to root. "~" is expanded and absolute
// paths are returned unchanged.
func ProjectPath(root, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded), nil
	}
	return filepath.Join(root, filepath.FromSlash(expanded)), nil
}
