package featureflags

import (
	"context"
	"errors"
	"testing"
)

func TestEnableKeepsFirstOrigin(t *testing.T) {
	flags, err := Defaults().Enable(OriginFlag, "fetch-missing-deps")
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	flags, err = flags.Enable(OriginEnv, "FETCH_MISSING_DEPS, archive-envelope-env")
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if o, ok := flags.Origin(FeatureFetchMissingDeps); !ok || o != OriginFlag {
		t.Fatalf("fetch-missing-deps origin = %q %v, want flag", o, ok)
	}
	if o, _ := flags.Origin(FeatureArchiveEnvelope); o != OriginEnv {
		t.Fatalf("archive-envelope-env origin = %q, want env", o)
	}
	if got := flags.EnabledNames(); len(got) != 2 || got[0] != FeatureArchiveEnvelope {
		t.Fatalf("unexpected names %v", got)
	}
}

func TestEnableDoesNotMutateReceiver(t *testing.T) {
	base := Defaults()
	if _, err := base.Enable(OriginConfig, "fetch-missing-deps"); err != nil {
		t.Fatal(err)
	}
	if base.Enabled(FeatureFetchMissingDeps) {
		t.Fatalf("Enable must return a copy")
	}
}

func TestEnableUnknown(t *testing.T) {
	_, err := Defaults().Enable(OriginConfig, "not-a-real-flag")
	if !errors.Is(err, ErrUnknownFeature) {
		t.Fatalf("expected ErrUnknownFeature, got %v", err)
	}
}

func TestFromEnviron(t *testing.T) {
	env := []string{
		"RELPACK_FEATURE_FETCH_MISSING_DEPS=yes",
		"SOME_OTHER=value",
		"RELPACK_FEATURE_ARCHIVE_ENVELOPE_ENV=0",
	}
	if got := FromEnviron(env); len(got) != 1 || got[0] != "fetch-missing-deps" {
		t.Fatalf("unexpected env flags %v", got)
	}

	t.Setenv("RELPACK_FEATURE_ARCHIVE_ENVELOPE_ENV", "true")
	flags, err := Flags{}.Enable(OriginEnv, FromEnviron(nil)...)
	if err != nil {
		t.Fatal(err)
	}
	if !flags.Enabled(FeatureArchiveEnvelope) {
		t.Fatalf("expected process env to enable flag")
	}
}

func TestContextHelpers(t *testing.T) {
	flags, err := Defaults().Enable(OriginFlag, "fetch-missing-deps")
	if err != nil {
		t.Fatal(err)
	}
	ctx := ContextWithFlags(context.Background(), flags)
	if !FromContext(ctx).Enabled(FeatureFetchMissingDeps) {
		t.Fatalf("expected flag to survive context round-trip")
	}
	if FromContext(context.Background()).Enabled(FeatureFetchMissingDeps) {
		t.Fatalf("zero context should not report feature enabled")
	}
}

func TestLookupAndEnvVar(t *testing.T) {
	def, err := Lookup("Fetch_Missing_Deps")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if def.EnvVar() != "RELPACK_FEATURE_FETCH_MISSING_DEPS" {
		t.Fatalf("env var = %q", def.EnvVar())
	}
}
