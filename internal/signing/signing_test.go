package signing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/relpack/internal/runner"
	"github.com/example/relpack/internal/stage"
	"github.com/go-logr/logr"
)

func TestSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "editor.zip")
	if err := os.WriteFile(archive, []byte("zip-bytes"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	env, err := SignFile(archive, priv, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if env.Version != EnvelopeVersion || !env.SignedAt.Equal(now) || env.SignedAt.Location() != time.UTC {
		t.Fatalf("unexpected envelope header %+v", env)
	}
	if !strings.HasPrefix(env.Digest, "sha256:") || env.KeyID != KeyID(pub) {
		t.Fatalf("unexpected envelope digest/key %+v", env)
	}
	if err := VerifyFile(archive, env, pub); err != nil {
		t.Fatalf("verify with key: %v", err)
	}
	if err := VerifyFile(archive, env, nil); err != nil {
		t.Fatalf("verify with embedded key: %v", err)
	}

	_, other, _ := GenerateKeyPair()
	if err := VerifyFile(archive, env, other); err == nil {
		t.Fatalf("expected failure with a foreign key")
	}
	if err := os.WriteFile(archive, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("rewrite archive: %v", err)
	}
	if err := VerifyFile(archive, env, pub); err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestEnvelopeAndKeyPersistence(t *testing.T) {
	dir := t.TempDir()
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	privPath := filepath.Join(dir, "release.key")
	pubPath := filepath.Join(dir, "release.pub")
	if err := SavePrivateKey(privPath, priv); err != nil {
		t.Fatalf("save private: %v", err)
	}
	if err := SavePublicKey(pubPath, pub); err != nil {
		t.Fatalf("save public: %v", err)
	}
	if info, err := os.Stat(privPath); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("private key mode: %v %v", info, err)
	}
	loadedPriv, loadedPub, err := LoadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("load private: %v", err)
	}
	if !loadedPriv.Equal(priv) || !loadedPub.Equal(pub) {
		t.Fatalf("private key round trip mismatch")
	}
	readPub, err := LoadPublicKey(pubPath)
	if err != nil || !readPub.Equal(pub) {
		t.Fatalf("public key round trip: %v", err)
	}
	if _, err := LoadPublicKey(privPath); err == nil {
		t.Fatalf("expected private key to be rejected as public key")
	}

	archive := filepath.Join(dir, "a.zip")
	if err := os.WriteFile(archive, []byte("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	env, err := SignFile(archive, priv, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := SaveEnvelope(EnvelopePath(archive), env); err != nil {
		t.Fatalf("save envelope: %v", err)
	}
	loaded, err := LoadEnvelope(archive + ".sig.json")
	if err != nil {
		t.Fatalf("load envelope: %v", err)
	}
	if err := VerifyFile(archive, loaded, readPub); err != nil {
		t.Fatalf("verify loaded envelope: %v", err)
	}
}

type fakeRunner struct {
	calls []runner.Command
	err   error
	// writeOut creates the -out target the way osslsigncode does.
	writeOut bool
}

func (f *fakeRunner) Run(_ context.Context, c runner.Command) error {
	f.calls = append(f.calls, c)
	if f.err != nil {
		if f.writeOut {
			_ = os.WriteFile(argAfter(c.Args, "-out"), []byte("partial"), 0o644)
		}
		return f.err
	}
	if f.writeOut {
		return os.WriteFile(argAfter(c.Args, "-out"), []byte("signed"), 0o755)
	}
	return nil
}

func argAfter(args []string, flag string) string {
	for i := range args {
		if args[i] == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func credentialFixture(t *testing.T) (string, Credential) {
	t.Helper()
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pfx")
	if err := os.WriteFile(cert, []byte("pfx"), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	exe := filepath.Join(dir, "editor.exe")
	if err := os.WriteFile(exe, []byte("MZ"), 0o755); err != nil {
		t.Fatalf("write exe: %v", err)
	}
	return exe, NewCredential(cert, "hunter2", "RELPACK_SIGN_PASSWORD")
}

func TestNewCredential(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pfx")
	if c := NewCredential(cert, "pw", "P"); c.Present || !strings.Contains(c.Absent, "not found") {
		t.Fatalf("missing cert should be absent: %+v", c)
	}
	if err := os.WriteFile(cert, []byte("pfx"), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if c := NewCredential(cert, " ", "P"); c.Present || !strings.Contains(c.Absent, "passphrase P") {
		t.Fatalf("blank passphrase should be absent: %+v", c)
	}
	c := NewCredential(cert, "pw", "P")
	if !c.Present || strings.Contains(c.String(), "pw)") {
		t.Fatalf("unexpected credential %+v / %s", c, c)
	}
}

func TestSignExecutableSkipsWithoutCredential(t *testing.T) {
	fr := &fakeRunner{}
	signed, res := SignExecutable(context.Background(), "editor.exe", CodeSignOptions{
		Credential: NewCredential(filepath.Join(t.TempDir(), "cert.pfx"), "pw", "P"),
		Runner:     fr,
		Logger:     logr.Discard(),
	})
	if signed || res.Kind != stage.KindSoft || res.Reason != ReasonMissingCredential {
		t.Fatalf("expected missing-credential advisory, got %+v", res)
	}
	if len(fr.calls) != 0 {
		t.Fatalf("tool must not run without a credential")
	}

	_, res = SignExecutable(context.Background(), "editor.exe", CodeSignOptions{Disabled: true, Logger: logr.Discard()})
	if res.Reason != ReasonDisabled {
		t.Fatalf("expected disabled, got %+v", res)
	}
}

func TestSignExecutableSigntoolArgs(t *testing.T) {
	exe, cred := credentialFixture(t)
	fr := &fakeRunner{}
	signed, res := SignExecutable(context.Background(), exe, CodeSignOptions{
		Root:         filepath.Dir(exe),
		Credential:   cred,
		Tool:         ToolSigntool,
		TimestampURL: "http://tsa.example",
		Runner:       fr,
		Logger:       logr.Discard(),
	})
	if !signed || res.Kind != stage.KindSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	got := strings.Join(fr.calls[0].Args, " ")
	want := "sign /f " + cred.CertPath + " /p hunter2 /fd sha256 /tr http://tsa.example /td sha256 " + exe
	if fr.calls[0].Path != "signtool" || got != want {
		t.Fatalf("unexpected invocation %s %s", fr.calls[0].Path, got)
	}
}

func TestSignExecutableOsslsigncodeRenamesOutput(t *testing.T) {
	exe, cred := credentialFixture(t)
	fr := &fakeRunner{writeOut: true}
	signed, res := SignExecutable(context.Background(), exe, CodeSignOptions{
		Credential:   cred,
		Tool:         ToolOsslsigncode,
		Command:      "'/opt/ossl/bin/osslsigncode' --verbose",
		TimestampURL: "http://tsa.example",
		Runner:       fr,
		Logger:       logr.Discard(),
	})
	if !signed || res.Kind != stage.KindSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	c := fr.calls[0]
	if c.Path != "/opt/ossl/bin/osslsigncode" || c.Args[0] != "--verbose" || c.Args[1] != "sign" {
		t.Fatalf("command override not applied: %s %v", c.Path, c.Args)
	}
	data, err := os.ReadFile(exe)
	if err != nil || string(data) != "signed" {
		t.Fatalf("signed output not moved over the executable: %q %v", data, err)
	}
	if _, err := os.Stat(exe + ".signed"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temporary output should be gone")
	}
}

func TestSignExecutableToolFailureIsSoft(t *testing.T) {
	exe, cred := credentialFixture(t)
	fr := &fakeRunner{writeOut: true, err: errors.New("osslsigncode: bad password hunter2")}
	signed, res := SignExecutable(context.Background(), exe, CodeSignOptions{
		Credential: cred,
		Tool:       ToolOsslsigncode,
		Runner:     fr,
		Logger:     logr.Discard(),
	})
	if signed || res.Kind != stage.KindSoft || res.Reason != ReasonToolFailed {
		t.Fatalf("expected tool-failed advisory, got %+v", res)
	}
	if strings.Contains(res.Message, "hunter2") || strings.Contains(res.Err.Error(), "hunter2") {
		t.Fatalf("passphrase leaked into result: %s", res.Message)
	}
	if data, _ := os.ReadFile(exe); string(data) != "MZ" {
		t.Fatalf("executable must be left unsigned, got %q", data)
	}
	if _, err := os.Stat(exe + ".signed"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temporary output should be removed after failure")
	}
}
