package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/docflow/internal/definition"
	"github.com/pitabwire/docflow/internal/role"
)

func validateCmd() *cobra.Command {
	var aliasFile string

	cmd := &cobra.Command{
		Use:   "validate DIR...",
		Short: "Validate workflow definition files",
		Long: `Loads every definition file under the given directories and checks
the set the same way serve does before it accepts traffic.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aliases, err := role.LoadAliases(aliasFile)
			if err != nil {
				return err
			}
			defs, err := definition.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}

			verrs := definition.NewValidator(role.NewGate(aliases)).Validate(defs)
			out := cmd.OutOrStdout()
			for _, ve := range verrs {
				fmt.Fprintln(out, ve.Error())
			}
			if len(verrs) > 0 {
				return fmt.Errorf("%d definition error(s)", len(verrs))
			}

			for _, def := range defs {
				fmt.Fprintf(out, "ok  %s %s (%d stages)\n", def.ID, def.Version, len(def.Stages))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&aliasFile, "aliases", "", "role alias file merged over the built-in aliases")
	return cmd
}
