// codesign.go applies an Authenticode signature to the built executable with an
// external tool. Signing is advisory: every failure is a soft result.
package signing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/example/relpack/internal/logging"
	"github.com/example/relpack/internal/runner"
	"github.com/example/relpack/internal/stage"
	"github.com/go-logr/logr"
	"github.com/mattn/go-shellwords"
)

// Soft-result reasons emitted by the code signer.
const (
	ReasonMissingCredential = "missing-credential"
	ReasonToolFailed        = "tool-failed"
	ReasonDisabled          = "disabled"
)

const (
	ToolSigntool     = "signtool"
	ToolOsslsigncode = "osslsigncode"
	digestAlgorithm  = "sha256"
)

// Credential is the certificate and passphrase used for code signing. The
// passphrase never appears in logs or serialized output.
type Credential struct {
	CertPath   string `json:"certPath"`
	Passphrase string `json:"-"`
	// Present is true only when the certificate file exists and the passphrase is set.
	Present bool `json:"present"`
	// Absent explains why Present is false.
	Absent string `json:"absent,omitempty"`
}

// NewCredential checks that both halves of a signing credential are available.
func NewCredential(certPath, passphrase, passphraseSource string) Credential {
	c := Credential{CertPath: certPath, Passphrase: passphrase}
	info, err := os.Stat(certPath)
	switch {
	case err != nil && errors.Is(err, os.ErrNotExist):
		c.Absent = fmt.Sprintf("certificate %s not found", certPath)
	case err != nil:
		c.Absent = fmt.Sprintf("certificate %s unreadable: %v", certPath, err)
	case !info.Mode().IsRegular():
		c.Absent = fmt.Sprintf("certificate %s is not a file", certPath)
	case strings.TrimSpace(passphrase) == "":
		c.Absent = fmt.Sprintf("passphrase %s is not set", passphraseSource)
	default:
		c.Present = true
	}
	return c
}

func (c Credential) String() string {
	if !c.Present {
		return "credential(absent: " + c.Absent + ")"
	}
	return "credential(" + c.CertPath + ", passphrase set)"
}

type CodeSignOptions struct {
	Root       string
	Credential Credential
	// Tool is signtool or osslsigncode; empty picks by host OS.
	Tool string
	// Command overrides the tool invocation prefix, e.g. "wine signtool.exe".
	Command      string
	TimestampURL string
	Disabled     bool
	Runner       runner.Runner
	Output       io.Writer
	Logger       logr.Logger
}

// DefaultTool returns the signing tool used on the current host.
func DefaultTool() string {
	if runtime.GOOS == "windows" {
		return ToolSigntool
	}
	return ToolOsslsigncode
}

// SignExecutable signs exe in place. It never returns a fatal result; signed
// reports whether the executable now carries a signature.
func SignExecutable(ctx context.Context, exe string, opts CodeSignOptions) (signed bool, res stage.Result) {
	log := opts.Logger
	if opts.Disabled {
		log.Info("code signing disabled")
		return false, stage.Soft(stage.Sign, ReasonDisabled, nil, "signing skipped: disabled")
	}
	cred := opts.Credential
	if !cred.Present {
		log.Info("code signing skipped", "reason", cred.Absent)
		return false, stage.Soft(stage.Sign, ReasonMissingCredential, nil, "signing skipped: %s", cred.Absent)
	}

	tool := strings.ToLower(strings.TrimSpace(opts.Tool))
	if tool == "" {
		tool = DefaultTool()
	}
	prefix := []string{tool}
	if strings.TrimSpace(opts.Command) != "" {
		parsed, err := shellwords.Parse(opts.Command)
		if err != nil || len(parsed) == 0 {
			return false, stage.Soft(stage.Sign, ReasonToolFailed, err, "signing failed: invalid sign.command %q", opts.Command)
		}
		prefix = parsed
	}

	var args []string
	signedOut := ""
	switch tool {
	case ToolSigntool:
		args = []string{"sign", "/f", cred.CertPath, "/p", cred.Passphrase,
			"/fd", digestAlgorithm, "/tr", opts.TimestampURL, "/td", digestAlgorithm, exe}
	case ToolOsslsigncode:
		signedOut = exe + ".signed"
		args = []string{"sign", "-pkcs12", cred.CertPath, "-pass", cred.Passphrase,
			"-h", digestAlgorithm, "-ts", opts.TimestampURL, "-in", exe, "-out", signedOut}
	default:
		return false, stage.Soft(stage.Sign, ReasonToolFailed, nil, "signing failed: unsupported tool %q", tool)
	}
	argv := append(prefix[1:len(prefix):len(prefix)], args...)

	run := opts.Runner
	if run == nil {
		run = runner.Exec{}
	}
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	log.Info("signing executable", "tool", tool, "command", strings.Join(logging.Redact(append([]string{prefix[0]}, argv...), cred.Passphrase), " "))
	err := run.Run(ctx, runner.Command{Path: prefix[0], Args: argv, Dir: opts.Root, Stdout: out, Stderr: out})
	if err == nil && signedOut != "" {
		err = os.Rename(signedOut, exe)
	}
	if err != nil {
		if signedOut != "" {
			_ = os.Remove(signedOut)
		}
		msg := strings.ReplaceAll(err.Error(), cred.Passphrase, "<redacted>")
		log.Error(errors.New(msg), "code signing failed, continuing unsigned")
		return false, stage.Soft(stage.Sign, ReasonToolFailed, errors.New(msg), "signing failed, executable left unsigned: %s", msg)
	}
	return true, stage.Success(stage.Sign, "signed %s with %s", exe, tool)
}
