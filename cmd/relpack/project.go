package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/example/relpack/internal/appconfig"
	"github.com/example/relpack/internal/featureflags"
	"github.com/example/relpack/internal/logging"
	"github.com/example/relpack/internal/secretstore"
	"github.com/example/relpack/internal/signing"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

// project is the loaded, validated view of one project root.
type project struct {
	Root   string
	Config appconfig.Config
	Logger logr.Logger
	Flags  featureflags.Flags
}

func globalConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(configEnv)); p != "" {
		return p
	}
	return appconfig.DefaultGlobalPath()
}

func (o *rootOptions) load(cmd *cobra.Command) (*project, error) {
	logger, err := logging.NewTo(o.logLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	root, err := appconfig.ResolveRoot(o.root, wd)
	if err != nil {
		return nil, err
	}
	cfg, err := appconfig.Load(globalConfigPath(), appconfig.DefaultProjectPath(root))
	if err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults(root)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	flags, err := featureflags.FromContext(cmd.Context()).Enable(featureflags.OriginConfig, cfg.Features...)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger.V(1).Info("project loaded", "root", root, "product", cfg.Product, "platform", cfg.Build.Platform)
	return &project{
		Root:   root,
		Config: cfg,
		Logger: logger,
		Flags:  flags,
	}, nil
}

// credential reads the signing certificate path and passphrase. The passphrase
// variable may hold a secret:// reference. A reference that cannot be resolved
// leaves the credential absent; it never fails the release.
func (p *project) credential(ctx context.Context, noSign bool) (signing.Credential, error) {
	certPath, err := appconfig.ProjectPath(p.Root, p.Config.Sign.Cert)
	if err != nil {
		return signing.Credential{}, err
	}
	if noSign || !p.Config.SigningEnabled() {
		return signing.Credential{CertPath: certPath, Absent: "signing disabled"}, nil
	}
	envName := p.Config.Sign.PasswordEnv
	passphrase := os.Getenv(envName)
	if secretstore.IsRef(passphrase) {
		if cred := signing.NewCredential(certPath, passphrase, envName); !cred.Present {
			return cred, nil
		}
		resolved, err := p.resolvePassphrase(ctx, envName, passphrase)
		if err != nil {
			p.Logger.Info("signing passphrase unavailable", "variable", envName, "error", err.Error())
			return signing.Credential{
				CertPath: certPath,
				Absent:   fmt.Sprintf("passphrase reference unresolved: %v", err),
			}, nil
		}
		passphrase = resolved
	}
	return signing.NewCredential(certPath, passphrase, envName), nil
}

func (p *project) resolvePassphrase(ctx context.Context, envName, ref string) (string, error) {
	secrets, err := p.secretsConfig()
	if err != nil {
		return "", err
	}
	resolver, err := secretstore.NewResolver(secrets, secretstore.Options{BaseDir: p.Root})
	if err != nil {
		return "", err
	}
	p.Logger.V(1).Info("resolving signing passphrase", "variable", envName, "providers", resolver.ProviderNames())
	value, _, err := resolver.ResolveString(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", envName, err)
	}
	return value, nil
}

// secretsConfig overlays the file named by RELPACK_SECRETS_FILE, if any, on
// the configured secret providers.
func (p *project) secretsConfig() (secretstore.Config, error) {
	cfg := p.Config.Secrets
	path := strings.TrimSpace(os.Getenv(secretsFileEnv))
	if path == "" {
		return cfg, nil
	}
	path, err := appconfig.ProjectPath(p.Root, path)
	if err != nil {
		return cfg, err
	}
	fromFile, err := secretstore.LoadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", secretsFileEnv, err)
	}
	if fromFile.Empty() {
		p.Logger.Info("secrets file declares no providers", "path", path)
	}
	return secretstore.Merge(cfg, fromFile), nil
}

// signingKey returns the archive envelope key path, or "" when archives are
// not signed.
func (p *project) signingKey() (string, error) {
	key := p.Config.Archive.SigningKey
	if key == "" && p.Flags.Enabled(featureflags.FeatureArchiveEnvelope) {
		key = os.Getenv(archiveKeyEnv)
	}
	return appconfig.ProjectPath(p.Root, key)
}
