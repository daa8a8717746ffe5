package main

import (
	"github.com/example/relpack/internal/featureflags"
	"github.com/example/relpack/internal/ui"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newFeaturesCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    "features [NAME...]",
		Short:  "List experimental features and where they were enabled",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.load(cmd)
			if err != nil {
				return err
			}
			defs := featureflags.Definitions()
			if len(args) > 0 {
				defs = defs[:0:0]
				for _, arg := range args {
					def, err := featureflags.Lookup(arg)
					if err != nil {
						return err
					}
					defs = append(defs, def)
				}
			}
			table := ui.NewTable("NAME", "STAGE", "ENABLED", "ENV", "DESCRIPTION")
			if width, ok := ui.TerminalWidth(cmd.OutOrStdout()); ok {
				table.MaxWidth = width
			}
			for _, def := range defs {
				enabled := plain("no")
				if origin, ok := p.Flags.Origin(def.Name); ok {
					text := "yes (" + string(origin) + ")"
					enabled = ui.Styled(text, color.GreenString(text))
				}
				table.StyledRow(plain(string(def.Name)), plain(string(def.Stage)), enabled, plain(def.EnvVar()), plain(def.Description))
			}
			return table.Render(cmd.OutOrStdout())
		},
	}
}
