package main

import (
	"fmt"
	"os"

	"github.com/example/relpack/internal/appconfig"
	"github.com/example/relpack/internal/signing"
	"github.com/spf13/cobra"
)

func newKeygenCommand(root *rootOptions) *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key pair for archive signature envelopes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.load(cmd)
			if err != nil {
				return err
			}
			privPath, err := appconfig.ProjectPath(p.Root, out)
			if err != nil {
				return err
			}
			pubPath := privPath + ".pub"
			if !force {
				for _, path := range []string{privPath, pubPath} {
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", path)
					}
				}
			}
			priv, pub, err := signing.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := signing.SavePrivateKey(privPath, priv); err != nil {
				return err
			}
			if err := signing.SavePublicKey(pubPath, pub); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\nPublic key:  %s\nKey ID:      %s\n", privPath, pubPath, signing.KeyID(pub))
			fmt.Fprintf(cmd.OutOrStdout(), "Set archive.signingKey: %s in %s to sign release archives.\n", out, appconfig.ProjectFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", appconfig.StateDir+"/archive.key", "Private key path, relative to the project root; the public key is written next to it with a .pub suffix")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing key files")
	return cmd
}
