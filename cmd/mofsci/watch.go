package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mofsci/internal/monitor"
)

var watchInterval time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "poll interval")
	rootCmd.AddCommand(watchCmd)
}

// watchCmd follows a run on the server in a terminal dashboard
var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Follow a mofscid run in a terminal dashboard",
	Long: `Follow a run started on the mofscid server. The dashboard polls the run
until it finishes and shows the current stage, recent transitions and the
final outcome.

Examples:
  mofsci watch 6f1c2d7e-0d7a-4a8e-9a52-1f0e3c1b2a9d
  mofsci watch --interval 250ms 6f1c2d7e-0d7a-4a8e-9a52-1f0e3c1b2a9d`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchInterval <= 0 {
			return fmt.Errorf("interval must be positive, got %s", watchInterval)
		}
		model := monitor.NewModel(serverURL, args[0], watchInterval)
		p := tea.NewProgram(model,
			tea.WithContext(cmd.Context()),
			tea.WithInput(cmd.InOrStdin()),
			tea.WithOutput(cmd.OutOrStdout()),
			tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}
