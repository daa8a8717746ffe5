package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/relpack/internal/deps"
	"github.com/example/relpack/internal/manifest"
	"github.com/example/relpack/internal/ui"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDepsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Inspect and download optional runtime resources",
	}
	cmd.AddCommand(newDepsStatusCommand(root), newDepsFetchCommand(root))
	return cmd
}

type depStatus struct {
	Name    string `json:"name"`
	Source  string `json:"source"`
	Bundle  string `json:"bundlePath"`
	Present bool   `json:"present"`
	Size    int64  `json:"size,omitempty"`
	Fetch   string `json:"fetch,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newDepsStatusCommand(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which optional resources are present under the project root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.load(cmd)
			if err != nil {
				return err
			}
			var rows []depStatus
			for _, pr := range manifest.Probe(p.Root, p.Config.Manifest()) {
				row := depStatus{
					Name:    pr.Resource.Name,
					Source:  pr.Resource.Source,
					Bundle:  pr.Resource.Target(),
					Present: pr.Present,
					Size:    pr.Size,
				}
				if pr.Resource.Fetch != nil {
					row.Fetch = pr.Resource.Fetch.URL
				}
				if pr.Err != nil {
					row.Error = pr.Err.Error()
				}
				rows = append(rows, row)
			}
			if jsonOut {
				raw, err := json.MarshalIndent(rows, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			}
			table := ui.NewTable("NAME", "STATUS", "SOURCE", "BUNDLE PATH", "FETCH")
			for _, row := range rows {
				status := ui.Styled("present", color.GreenString("present"))
				switch {
				case row.Error != "":
					status = ui.Styled("error", color.RedString("error"))
				case !row.Present:
					status = ui.Styled("missing", color.YellowString("missing"))
				}
				fetch := "-"
				if row.Fetch != "" {
					fetch = "yes"
				}
				table.StyledRow(plain(row.Name), status,
					plain(row.Source), plain(row.Bundle), plain(fetch))
			}
			return table.Render(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the resource status as JSON")
	return cmd
}

func newDepsFetchCommand(root *rootOptions) *cobra.Command {
	var (
		force    bool
		parallel int
	)
	cmd := &cobra.Command{
		Use:   "fetch [NAME...]",
		Short: "Download missing optional resources that declare a fetch source",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.load(cmd)
			if err != nil {
				return err
			}
			m := p.Config.Manifest()
			for _, name := range args {
				r, ok := m.Lookup(name)
				if !ok {
					return fmt.Errorf("unknown resource %q (known: %s)", name, strings.Join(m.Names(), ", "))
				}
				if r.Fetch == nil {
					return fmt.Errorf("resource %q has no fetch source", name)
				}
			}
			candidates := filterResources(deps.Missing(p.Root, m, force), args)
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to fetch: every requested resource is present.")
				return nil
			}
			fetcher := &deps.Fetcher{
				Root:     p.Root,
				Client:   deps.NewClient(p.Logger),
				Logger:   p.Logger.WithName("fetch"),
				Parallel: parallel,
				Force:    force,
			}
			stop := ui.StartSpinner(cmd.ErrOrStderr(), fmt.Sprintf("Fetching %d resource(s)", len(candidates)))
			results := fetcher.Fetch(cmd.Context(), candidates)
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
				}
			}
			stop(failed < len(results))

			table := ui.NewTable("NAME", "RESULT", "DETAIL")
			for _, r := range results {
				switch {
				case r.Err != nil:
					table.StyledRow(plain(r.Name), ui.Styled("failed", color.RedString("failed")), plain(r.Err.Error()))
				case r.Skipped != "":
					table.StyledRow(plain(r.Name), ui.Styled("skipped", color.YellowString("skipped")), plain(r.Skipped))
				default:
					detail := fmt.Sprintf("%s (%d bytes, %s)", r.Path, r.Bytes, r.Digest)
					table.StyledRow(plain(r.Name), ui.Styled("fetched", color.GreenString("fetched")), plain(detail))
				}
			}
			if err := table.Render(cmd.OutOrStdout()); err != nil {
				return err
			}
			if failed == len(results) {
				return fmt.Errorf("all %d fetches failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Download resources even when they are already present")
	cmd.Flags().IntVar(&parallel, "parallel", 2, "Maximum concurrent downloads")
	return cmd
}

// filterResources keeps resources named in names; no names keeps all.
func filterResources(resources []manifest.Resource, names []string) []manifest.Resource {
	if len(names) == 0 {
		return resources
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []manifest.Resource
	for _, r := range resources {
		if want[r.Name] {
			out = append(out, r)
		}
	}
	return out
}
