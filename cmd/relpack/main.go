// main.go bootstraps relpack: it builds the root Cobra command, binds flags to
// RELPACK_* env vars and the config file, and executes with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/example/relpack/internal/featureflags"
	"github.com/example/relpack/internal/pipeline"
	"github.com/example/relpack/internal/stage"
	"github.com/example/relpack/internal/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "RELPACK"
	configEnv      = "RELPACK_CONFIG"
	archiveKeyEnv  = "RELPACK_ARCHIVE_KEY"
	secretsFileEnv = "RELPACK_SECRETS_FILE"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(os.Stderr, err)
	if err != nil {
		os.Exit(stage.ExitCode(err, 1))
	}
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	root     string
	logLevel string
	color    string
	features []string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{logLevel: "info", color: "auto"}
	v := newViper()
	cmd := &cobra.Command{
		Use:           "relpack",
		Short:         "Build, sign and package desktop application releases",
		Long:          "relpack compiles the application, stages its optional runtime resources, signs the executable and writes a deterministic release archive.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyViper(v, cmd); err != nil {
				return err
			}
			mode, err := ui.ParseColorMode(opts.color)
			if err != nil {
				return err
			}
			opts.color = mode
			ui.ApplyColorMode(mode, cmd.OutOrStdout(), os.Getenv)
			flags, err := featureflags.Defaults().Enable(featureflags.OriginFlag, opts.features...)
			if err != nil {
				return err
			}
			if flags, err = flags.Enable(featureflags.OriginEnv, featureflags.FromEnviron(nil)...); err != nil {
				return err
			}
			ctx := featureflags.ContextWithFlags(cmd.Context(), flags)
			cmd.SetContext(ctx)
			cmd.Root().SetContext(ctx)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.root, "root", "", "Project root (defaults to the nearest directory holding .relpack.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level for relpack output (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.color, "color", opts.color, "Color output: auto, always or never")
	cmd.PersistentFlags().StringSliceVar(&opts.features, "feature", nil, "Enable experimental relpack features (repeat or pass comma-separated names)")
	if err := cmd.PersistentFlags().MarkHidden("feature"); err != nil {
		cobra.CheckErr(err)
	}
	cmd.AddCommand(
		newReleaseCommand(opts),
		newDepsCommand(opts),
		newVerifyCommand(opts),
		newHistoryCommand(opts),
		newKeygenCommand(opts),
		newFeaturesCommand(opts),
		newVersionCommand(),
	)
	cmd.Example = `  # Build, sign and archive the project in the current directory
  relpack release

  # Package an already built binary under a pinned version
  relpack release --skip-build --version 1.4.0

  # Check a release archive against the current manifest
  relpack verify editor-1.4.0-windows-amd64.zip --expect`
	return cmd
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

// applyViper fills every flag the user did not set from RELPACK_* env vars or
// the config file.
func applyViper(v *viper.Viper, cmd *cobra.Command) error {
	configFile := os.Getenv(configEnv)
	configureConfigFile(v, configFile)
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := readConfigFile(v, configFile != ""); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var setErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) || strings.HasSuffix(f.Value.Type(), "Slice") {
			return
		}
		val := fmt.Sprintf("%v", v.Get(f.Name))
		if val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil && setErr == nil {
			setErr = fmt.Errorf("invalid value %q for --%s: %w", val, f.Name, err)
		}
	})
	return setErr
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "relpack"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "relpack"))
		add(filepath.Join(home, ".relpack"))
	}
	return dirs
}

func handleError(w io.Writer, err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	var se *stage.Error
	switch {
	case pipeline.IsLocked(err):
		message = fmt.Sprintf("%s\nHint: wait for the other release to finish; the lock is released when its process exits.", err)
	case errors.Is(err, context.Canceled):
		message = fmt.Sprintf("%s\nHint: the release was interrupted; rerun it to produce a fresh archive.", err)
	case errors.As(err, &se) && se.Stage == stage.Compile && se.Code == 2:
		message = fmt.Sprintf("%s\nHint: check build.command in .relpack.yaml and that the build tool is on PATH.", err)
	case errors.As(err, &se) && se.Stage == stage.Compile && se.Code == 3:
		message = fmt.Sprintf("%s\nHint: build.artifact must name the file your build writes (relative to the project root).", err)
	case errors.As(err, &se) && se.Stage == stage.Archive:
		message = fmt.Sprintf("%s\nHint: the staging directory was kept for inspection.", err)
	}
	fmt.Fprintf(w, "Error: %s\n", message)
}
