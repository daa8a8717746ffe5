package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/example/relpack/internal/deps"
	"github.com/example/relpack/internal/featureflags"
	"github.com/example/relpack/internal/gitinfo"
	"github.com/example/relpack/internal/pipeline"
	"github.com/example/relpack/internal/runner"
	"github.com/example/relpack/internal/stage"
	"github.com/example/relpack/internal/ui"
	"github.com/example/relpack/internal/version"
	"github.com/fatih/color"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
)

func newReleaseCommand(root *rootOptions) *cobra.Command {
	var (
		skipBuild  bool
		noSign     bool
		jsonOut    bool
		versionArg string
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Compile, stage, sign and archive a release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			cred, err := p.credential(ctx, noSign)
			if err != nil {
				return err
			}
			key, err := p.signingKey()
			if err != nil {
				return err
			}
			var client *retryablehttp.Client
			if p.Flags.Enabled(featureflags.FeatureFetchMissingDeps) {
				client = deps.NewClient(p.Logger)
			}
			p.Logger.V(1).Info("release options", "credential", cred.String(), "features", p.Flags.EnabledNames())
			report, runErr := pipeline.Run(ctx, pipeline.Options{
				Root:            p.Root,
				Config:          p.Config,
				Credential:      cred,
				SkipBuild:       skipBuild,
				NoSign:          noSign,
				VersionOverride: versionArg,
				BuildVersion:    version.Get().Version,
				Describe:        gitinfo.Describe,
				Head:            gitinfo.Head,
				SigningKey:      key,
				Flags:           p.Flags,
				HTTPClient:      client,
				Runner:          runner.Exec{},
				Output:          cmd.ErrOrStderr(),
				Logger:          p.Logger,
			})
			if report == nil {
				return runErr
			}
			if jsonOut {
				raw, err := json.MarshalIndent(newReleaseJSON(report), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return runErr
			}
			if err := printReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Package the existing build artifact without compiling")
	cmd.Flags().BoolVar(&noSign, "no-sign", false, "Skip code signing of the executable")
	cmd.Flags().StringVar(&versionArg, "version", "", "Release version used in the archive name (overrides archive.version and git)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the release report as JSON")
	return cmd
}

type resultJSON struct {
	Stage    stage.Name `json:"stage"`
	Severity string     `json:"severity"`
	Reason   string     `json:"reason,omitempty"`
	Subject  string     `json:"subject,omitempty"`
	Message  string     `json:"message"`
}

func toResultJSON(r stage.Result) resultJSON {
	return resultJSON{Stage: r.Stage, Severity: r.Severity(), Reason: r.Reason, Subject: r.Subject, Message: r.Message}
}

type releaseJSON struct {
	*pipeline.Report
	Complete bool         `json:"complete"`
	Results  []resultJSON `json:"results"`
	Warnings []resultJSON `json:"warnings"`
	Fatal    *resultJSON  `json:"fatal,omitempty"`
}

func newReleaseJSON(r *pipeline.Report) releaseJSON {
	out := releaseJSON{Report: r, Complete: r.Complete(), Results: []resultJSON{}, Warnings: []resultJSON{}}
	for _, res := range r.Results {
		out.Results = append(out.Results, toResultJSON(res))
	}
	for _, res := range r.Warnings {
		out.Warnings = append(out.Warnings, toResultJSON(res))
	}
	if r.Fatal != nil {
		f := toResultJSON(*r.Fatal)
		out.Fatal = &f
	}
	return out
}

var (
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	fatalColor = color.New(color.FgRed, color.Bold)
)

func severityCell(k stage.Kind) [2]string {
	switch k {
	case stage.KindSoft:
		return ui.Styled("WARN", warnColor.Sprint("WARN"))
	case stage.KindFatal:
		return ui.Styled("FATAL", fatalColor.Sprint("FATAL"))
	default:
		return ui.Styled("OK", okColor.Sprint("OK"))
	}
}

func printReport(w io.Writer, r *pipeline.Report) error {
	table := ui.NewTable()
	if width, ok := ui.TerminalWidth(w); ok {
		table.MaxWidth = width
	}
	for _, res := range r.Results {
		table.StyledRow(severityCell(res.Kind), plain(string(res.Stage)), plain(res.Message))
	}
	if err := table.Render(w); err != nil {
		return err
	}
	fmt.Fprintln(w)
	if r.Archive != "" {
		fmt.Fprintf(w, "Archive:  %s (%d files)\n", r.Archive, r.Files)
		fmt.Fprintf(w, "Digest:   %s\n", r.Digest)
		fmt.Fprintf(w, "Checksum: %s\n", r.Checksum)
	}
	if r.Envelope != "" {
		fmt.Fprintf(w, "Envelope: %s\n", r.Envelope)
	}
	if r.Version != "" {
		fmt.Fprintf(w, "Version:  %s\n", r.Version)
	}
	if r.Commit != "" {
		fmt.Fprintf(w, "Commit:   %s\n", r.Commit)
	}
	var status string
	switch {
	case r.Fatal != nil:
		status = fatalColor.Sprintf("failed (exit %d)", r.ExitCode)
	case r.Complete():
		status = okColor.Sprint("complete")
	default:
		status = warnColor.Sprintf("incomplete (%d advisories)", len(r.Warnings))
	}
	_, err := fmt.Fprintf(w, "Status:   %s in %s\n", status, r.Duration.Round(time.Millisecond))
	return err
}
