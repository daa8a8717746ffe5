package secretstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

const refPrefix = "secret://"

// Provider resolves a provider-relative secret path to its value.
type Provider interface {
	Resolve(ctx context.Context, path string) (string, error)
}

// Options customize a Resolver.
type Options struct {
	// BaseDir anchors relative file provider paths, normally the project root.
	BaseDir string
	// LookupEnv replaces os.LookupEnv for env providers.
	LookupEnv func(string) (string, bool)
}

// Resolver resolves secret references through named providers and caches
// values for the lifetime of one run.
type Resolver struct {
	providers       map[string]Provider
	defaultProvider string
	cache           map[string]string
}

// NewResolver builds the providers declared in cfg. An "env" provider is always
// available, even when cfg is empty.
func NewResolver(cfg Config, opts Options) (*Resolver, error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	providers := map[string]Provider{
		"env": envProvider{lookup: lookup},
	}
	for rawName, pcfg := range cfg.Providers {
		name := strings.TrimSpace(rawName)
		if name == "" {
			return nil, fmt.Errorf("secret provider name cannot be empty")
		}
		var (
			p   Provider
			err error
		)
		switch kind := strings.ToLower(strings.TrimSpace(pcfg.Type)); kind {
		case "env":
			p = envProvider{prefix: pcfg.Prefix, lookup: lookup}
		case "file":
			p, err = newFileProvider(pcfg.Path, opts.BaseDir)
		case "vault":
			p, err = newVaultProvider(pcfg)
		case "":
			err = fmt.Errorf("missing type")
		default:
			err = fmt.Errorf("unsupported type %q", kind)
		}
		if err != nil {
			return nil, fmt.Errorf("secret provider %q: %w", name, err)
		}
		providers[name] = p
	}
	return &Resolver{
		providers:       providers,
		defaultProvider: strings.TrimSpace(cfg.DefaultProvider),
		cache:           map[string]string{},
	}, nil
}

// ProviderNames lists the configured providers in order.
func (r *Resolver) ProviderNames() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveString returns value unchanged unless it is a secret:// reference, in
// which case the referenced secret is returned and resolved reports true.
func (r *Resolver) ResolveString(ctx context.Context, value string) (out string, resolved bool, err error) {
	defaultProvider := ""
	if r != nil {
		defaultProvider = r.defaultProvider
	}
	ref, ok, err := ParseRef(value, defaultProvider)
	if !ok {
		return value, false, nil
	}
	if err != nil {
		return "", false, err
	}
	if r == nil {
		return "", false, fmt.Errorf("secret resolver is not configured")
	}
	key := ref.Reference()
	if cached, hit := r.cache[key]; hit {
		return cached, true, nil
	}
	provider := r.providers[ref.Provider]
	if provider == nil {
		return "", false, fmt.Errorf("secret provider %q is not configured", ref.Provider)
	}
	val, err := provider.Resolve(ctx, ref.Path)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", key, err)
	}
	r.cache[key] = val
	return val, true, nil
}

// Ref is a parsed secret reference.
type Ref struct {
	Provider string
	Path     string
}

// Reference returns the canonical form of the reference.
func (r Ref) Reference() string {
	return refPrefix + r.Provider + "/" + r.Path
}

// IsRef reports whether value looks like a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}

// ParseRef parses secret://provider/path. The provider may be omitted
// (secret:///path or secret://path) when defaultProvider is set. ok is false
// when value is not a reference at all.
func ParseRef(value, defaultProvider string) (ref Ref, ok bool, err error) {
	if !IsRef(value) {
		return Ref{}, false, nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(value, refPrefix))
	defaultProvider = strings.TrimSpace(defaultProvider)
	provider, path := "", rest
	if i := strings.Index(rest, "/"); i >= 0 {
		provider, path = strings.TrimSpace(rest[:i]), strings.TrimSpace(rest[i+1:])
	}
	if provider == "" {
		provider = defaultProvider
	}
	switch {
	case rest == "":
		return Ref{}, true, fmt.Errorf("secret reference is missing provider/path")
	case path == "":
		return Ref{}, true, fmt.Errorf("secret reference %q is missing path", value)
	case provider == "":
		return Ref{}, true, fmt.Errorf("secret reference %q is missing provider", value)
	}
	return Ref{Provider: provider, Path: path}, true, nil
}

type envProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

func (p envProvider) Resolve(_ context.Context, path string) (string, error) {
	name := p.prefix + strings.TrimSpace(path)
	val, ok := p.lookup(name)
	if !ok || val == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return val, nil
}
