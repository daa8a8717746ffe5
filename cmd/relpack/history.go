package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/example/relpack/internal/appconfig"
	"github.com/example/relpack/internal/ledger"
	"github.com/example/relpack/internal/ui"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newHistoryCommand(root *rootOptions) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded release runs for the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.load(cmd)
			if err != nil {
				return err
			}
			path := filepath.Join(p.Root, appconfig.StateDir, ledger.FileName)
			var runs []ledger.Run
			if _, err := os.Stat(path); err == nil {
				l, err := ledger.Open(path)
				if err != nil {
					return err
				}
				defer l.Close()
				if runs, err = l.List(cmd.Context(), limit); err != nil {
					return fmt.Errorf("read release history: %w", err)
				}
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonOut {
				if runs == nil {
					runs = []ledger.Run{}
				}
				raw, err := json.MarshalIndent(runs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(w, string(raw))
				return nil
			}
			if len(runs) == 0 {
				fmt.Fprintln(w, "No releases recorded.")
				return nil
			}
			table := ui.NewTable("ID", "STARTED", "STATE", "VERSION", "WARN", "SIGNED", "EXIT", "ARCHIVE")
			if width, ok := ui.TerminalWidth(w); ok {
				table.MaxWidth = width
			}
			for _, r := range runs {
				state := ui.Styled(r.State, color.GreenString(r.State))
				if r.ExitCode != 0 {
					state = ui.Styled(r.State, color.RedString(r.State))
				}
				signed := "no"
				if r.Signed {
					signed = "yes"
				}
				archive := filepath.Base(r.Archive)
				if r.Archive == "" {
					archive = "-"
				}
				table.StyledRow(
					plain(strconv.FormatInt(r.ID, 10)),
					plain(r.StartedAt.Local().Format(time.DateTime)),
					state,
					plain(orDash(r.Version)),
					plain(strconv.Itoa(r.Warnings())),
					plain(signed),
					plain(strconv.Itoa(r.ExitCode)),
					plain(archive),
				)
			}
			return table.Render(w)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of most recent runs to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the history as JSON")
	return cmd
}

func plain(s string) [2]string {
	return ui.Styled(s, s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
