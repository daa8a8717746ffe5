// Package featureflags gates experimental relpack behavior behind named flags.
// A flag is switched on by --feature, a RELPACK_FEATURE_* variable or the
// features list in .relpack.yaml; the origin of each enabled flag is kept so
// `relpack features` can explain why something is on.
package featureflags

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Stage indicates the lifecycle of a feature flag.
type Stage string

const (
	StageExperimental Stage = "experimental"
	StageBeta         Stage = "beta"
	StageGA           Stage = "ga"
)

// Name is the canonical kebab-case identifier of a flag.
type Name string

const (
	// FeatureFetchMissingDeps downloads absent optional resources before staging.
	FeatureFetchMissingDeps Name = "fetch-missing-deps"
	// FeatureArchiveEnvelope signs archives with the key named by
	// RELPACK_ARCHIVE_KEY when archive.signingKey is unset.
	FeatureArchiveEnvelope Name = "archive-envelope-env"
)

// EnvPrefix prefixes the environment variables that toggle flags.
const EnvPrefix = "RELPACK_FEATURE_"

// Origin records where a flag was switched on.
type Origin string

const (
	OriginDefault Origin = "default"
	OriginFlag    Origin = "flag"
	OriginEnv     Origin = "env"
	OriginConfig  Origin = "config"
)

// Definition is the registered metadata of one flag.
type Definition struct {
	Name        Name
	Description string
	Stage       Stage
	Default     bool
}

// EnvVar returns the variable that toggles the flag, e.g. RELPACK_FEATURE_FETCH_MISSING_DEPS.
func (d Definition) EnvVar() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(string(d.Name), "-", "_"))
}

// registry is kept sorted by name.
var registry = []Definition{
	{
		Name:        FeatureArchiveEnvelope,
		Description: "Read the archive signing key path from RELPACK_ARCHIVE_KEY when archive.signingKey is unset.",
		Stage:       StageExperimental,
	},
	{
		Name:        FeatureFetchMissingDeps,
		Description: "Download optional resources that declare a fetch source and are missing before staging.",
		Stage:       StageBeta,
	},
}

// ErrUnknownFeature is returned for names that are not registered.
var ErrUnknownFeature = errors.New("unknown feature flag")

// Definitions returns every registered flag ordered by name.
func Definitions() []Definition {
	return append([]Definition(nil), registry...)
}

// Lookup finds a definition by name. Case and "_" versus "-" are ignored.
func Lookup(raw string) (Definition, error) {
	name := Name(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-"))
	for _, def := range registry {
		if def.Name == name {
			return def, nil
		}
	}
	return Definition{}, fmt.Errorf("%w: %s", ErrUnknownFeature, raw)
}

// Flags is the resolved set of enabled flags. The zero value has every flag off.
type Flags struct {
	on map[Name]Origin
}

// Defaults returns the flags that are on without being asked for.
func Defaults() Flags {
	f := Flags{on: map[Name]Origin{}}
	for _, def := range registry {
		if def.Default {
			f.on[def.Name] = OriginDefault
		}
	}
	return f
}

// Enable returns a copy of f with the named flags switched on. Values may be
// comma-separated lists. A flag that is already on keeps its first origin.
func (f Flags) Enable(origin Origin, values ...string) (Flags, error) {
	out := Flags{on: make(map[Name]Origin, len(f.on)+len(values))}
	for name, o := range f.on {
		out.on[name] = o
	}
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			if strings.TrimSpace(token) == "" {
				continue
			}
			def, err := Lookup(token)
			if err != nil {
				return Flags{}, fmt.Errorf("%s: %w", origin, err)
			}
			if _, ok := out.on[def.Name]; !ok {
				out.on[def.Name] = origin
			}
		}
	}
	return out, nil
}

// Enabled reports whether name is on.
func (f Flags) Enabled(name Name) bool {
	_, ok := f.on[name]
	return ok
}

// Origin reports where name was switched on.
func (f Flags) Origin(name Name) (Origin, bool) {
	o, ok := f.on[name]
	return o, ok
}

// EnabledNames returns the enabled flags in alphabetical order.
func (f Flags) EnabledNames() []Name {
	names := make([]Name, 0, len(f.on))
	for name := range f.on {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// FromEnviron returns the flag names switched on by RELPACK_FEATURE_*
// variables in environ, or in the process environment when environ is nil.
func FromEnviron(environ []string) []string {
	if environ == nil {
		environ = os.Environ()
	}
	var names []string
	for _, entry := range environ {
		key, val, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) || !truthy(val) {
			continue
		}
		names = append(names, strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, EnvPrefix), "_", "-")))
	}
	sort.Strings(names)
	return names
}

func truthy(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	}
	return false
}

type ctxKey struct{}

// ContextWithFlags stores flags on ctx.
func ContextWithFlags(ctx context.Context, flags Flags) context.Context {
	return context.WithValue(ctx, ctxKey{}, flags)
}

// FromContext returns the flags stored on ctx, or the zero Flags.
func FromContext(ctx context.Context) Flags {
	if ctx == nil {
		return Flags{}
	}
	flags, _ := ctx.Value(ctxKey{}).(Flags)
	return flags
}
