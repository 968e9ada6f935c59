package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mofsci/internal/agents"
	"github.com/fyrsmithlabs/mofsci/internal/config"
	"github.com/fyrsmithlabs/mofsci/internal/logging"
	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/runstore"
	"github.com/fyrsmithlabs/mofsci/internal/secrets"
	"github.com/fyrsmithlabs/mofsci/internal/tools"
)

// Exit code for runs that end in a failure outcome.
const exitRunFailed = 2

var (
	runStructure string
	runPlan      string
	runJSON      bool
	runNoStore   bool
	runVerbose   bool
)

func init() {
	runCmd.Flags().StringVar(&runStructure, "structure", "", "CIF file to use as the starting structure")
	runCmd.Flags().StringVar(&runPlan, "plan", "", "comma separated operations to run instead of asking the proposer")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final snapshot as JSON")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "do not record the run in the run store")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log at debug level to stderr")
}

// runCmd runs a request in-process
var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Plan, review and execute a request in-process",
	Long: `Plan, review and execute a request in-process, then print the trace and
the report.

Without an LLM provider configured the plan is chosen from keywords in the
request and reviewed by fixed dependency rules.

Examples:
  # Let the proposer plan
  mofsci run "Optimize HKUST-1 and compute its energy"

  # Start from a local structure
  mofsci run --structure ./uio66.cif "Relax this structure"

  # Skip the proposer
  mofsci run --plan search_mof_db,calculate_energy_force "MOF-5"

The exit status is 2 when the run ends in any outcome other than completed
or refused.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	logger, err := newCLILogger(cmd.ErrOrStderr(), runVerbose)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	toolsCfg := tools.ConfigFrom(cfg.Tools)
	structure := runStructure
	if structure != "" {
		if structure, err = tools.ImportStructure(toolsCfg, structure); err != nil {
			return err
		}
	}

	reg, err := tools.NewRegistry(toolsCfg, logger.Underlying().Named("tools"))
	if err != nil {
		return fmt.Errorf("failed to build operation registry: %w", err)
	}

	roles, err := agents.RolesFromConfig(cfg.LLM, tools.KeywordRules(), agents.ParsePlan(runPlan), logger.Named("agents"))
	if err != nil {
		return fmt.Errorf("failed to create agents: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithConfig(orchestrator.ConfigFrom(cfg.Orchestrator)),
		orchestrator.WithLogger(logger),
	}
	if cfg.Store.Path != "" && !runNoStore {
		scrubber, err := secrets.New(cfg.Redaction)
		if err != nil {
			return err
		}
		store, err := runstore.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open run store: %w", err)
		}
		defer store.Close()
		opts = append(opts, orchestrator.WithTraceSink(secrets.WrapSink(store, scrubber)))
	}

	exec, err := orchestrator.NewExecutor(reg, roles.Proposer, roles.Reviewer, roles.Reporter, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := exec.Run(ctx, orchestrator.RunRequest{
		Text:          strings.Join(args, " "),
		StructurePath: structure,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runJSON {
		if err := writeJSON(out, res.Snapshot); err != nil {
			return err
		}
	} else {
		renderSnapshot(out, res.Snapshot)
	}

	if err := res.Err(); err != nil {
		return &exitError{code: exitRunFailed, msg: err.Error()}
	}
	return nil
}

// newCLILogger logs warnings (or everything, when verbose) to w.
func newCLILogger(w io.Writer, verbose bool) (*logging.Logger, error) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	cfg, err := logging.FromAppConfig(config.LoggingConfig{Level: level, Format: "console"}, false)
	if err != nil {
		return nil, err
	}
	return logging.NewLoggerTo(cfg, nil, w)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
