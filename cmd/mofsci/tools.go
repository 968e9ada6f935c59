package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mofsci/internal/config"
	"github.com/fyrsmithlabs/mofsci/internal/registry"
	"github.com/fyrsmithlabs/mofsci/internal/tools"
)

var toolsJSON bool

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print the operation contracts as JSON")
}

// toolsCmd lists the operation registry
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the operations a plan may use",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return err
		}
		tb, err := tools.New(tools.ConfigFrom(cfg.Tools), nil)
		if err != nil {
			return err
		}
		reg, err := registry.New(tb.Operations()...)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if toolsJSON {
			return writeJSON(out, reg.Describe())
		}
		renderOperations(out, reg.Describe())
		fmt.Fprintf(out, "\n%s %v\n", dimStyle.Render("catalog:"), tb.Catalog().Names())
		return nil
	},
}
