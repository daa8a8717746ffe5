package main

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/example/relpack/internal/archive"
	"github.com/example/relpack/internal/bundle"
	"github.com/example/relpack/internal/signing"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"
)

type verifyJSON struct {
	*archive.VerifyResult
	Signature string `json:"signature"`
	KeyID     string `json:"keyId,omitempty"`
	Diff      string `json:"diff,omitempty"`
}

func newVerifyCommand(root *rootOptions) *cobra.Command {
	var (
		publicKey string
		expect    bool
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "verify ARCHIVE",
		Short: "Verify a release archive's integrity, checksum and signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			res, err := archive.Verify(cmd.Context(), path)
			if err != nil {
				return err
			}
			out := verifyJSON{VerifyResult: res, Signature: "absent"}

			envPath := signing.EnvelopePath(path)
			env, err := signing.LoadEnvelope(envPath)
			switch {
			case errors.Is(err, os.ErrNotExist):
				if strings.TrimSpace(publicKey) != "" {
					return fmt.Errorf("--public-key given but %s has no signature envelope", path)
				}
			case err != nil:
				return err
			default:
				var pub ed25519.PublicKey
				if strings.TrimSpace(publicKey) != "" {
					if pub, err = signing.LoadPublicKey(publicKey); err != nil {
						return err
					}
				}
				if err := signing.VerifyFile(path, env, pub); err != nil {
					return fmt.Errorf("signature: %w", err)
				}
				out.Signature = "verified"
				out.KeyID = env.KeyID
			}

			var mismatch error
			if expect {
				p, err := root.load(cmd)
				if err != nil {
					return err
				}
				want, err := bundle.Expected(p.Root, p.Config.BundleName(), p.Config.Manifest())
				if err != nil {
					return err
				}
				out.Diff, err = listingDiff(want, res.Paths(), path)
				if err != nil {
					return err
				}
				if out.Diff != "" {
					mismatch = errors.New("archive contents differ from the current manifest")
				}
			}

			w := cmd.OutOrStdout()
			if jsonOut {
				raw, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(w, string(raw))
				return mismatch
			}
			fmt.Fprintf(w, "Archive %s verified (files=%d bytes=%d %s)\n", res.Path, res.Files, res.Bytes, res.Digest)
			fmt.Fprintf(w, "Checksum:  %s\n", res.Checksum)
			if out.KeyID != "" {
				fmt.Fprintf(w, "Signature: %s (key %s)\n", out.Signature, out.KeyID)
			} else {
				fmt.Fprintf(w, "Signature: %s\n", out.Signature)
			}
			if out.Diff != "" {
				fmt.Fprint(w, out.Diff)
			} else if expect {
				fmt.Fprintln(w, "Contents match the current manifest.")
			}
			return mismatch
		},
	}
	cmd.Flags().StringVar(&publicKey, "public-key", "", "PEM public key the signature envelope must verify against")
	cmd.Flags().BoolVar(&expect, "expect", false, "Compare the archive listing with what the current manifest would produce")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the verification result as JSON")
	return cmd
}

// listingDiff returns a unified diff from the expected to the actual listing,
// or "" when they match.
func listingDiff(want, got []string, archivePath string) (string, error) {
	a := strings.Join(want, "\n") + "\n"
	b := strings.Join(got, "\n") + "\n"
	if a == b {
		return "", nil
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "expected",
		ToFile:   archivePath,
		Context:  2,
	}
	return difflib.GetUnifiedDiffString(ud)
}
