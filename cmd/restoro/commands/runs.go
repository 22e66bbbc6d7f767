package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openrestore/openrestore/pkg/config"
	"github.com/openrestore/openrestore/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show restore run history from the state database",
		Long: `List past restore runs recorded in the state database, most recent first.

With a run ID, show that run's recorded forward steps and any compensating
actions executed during rollback. Requires state.path to be configured.`,
		Example: `  # List recent runs
  restoro runs

  # Show one run in detail
  restoro runs 2f1c9a7e-... `,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.State.Path == "" {
				return errors.New("no state database configured (set state.path)")
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				return showRun(cmd, store, args[0])
			}

			runs, err := store.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Println(styleMuted.Render("no runs recorded"))
				return nil
			}
			fmt.Println(styleBanner.Render(fmt.Sprintf("%-36s  %-21s  %-6s  %-12s  %s",
				"RUN", "INSTANCE", "KIND", "STATUS", "STARTED")))
			for _, run := range runs {
				fmt.Printf("%-36s  %-21s  %-6s  %-12s  %s\n",
					run.ID, run.InstanceID, run.Kind, styleStatus(run.Status),
					run.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func showRun(cmd *cobra.Command, store *stores.SQLiteStore, runID string) error {
	ctx := cmd.Context()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	steps, err := store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	actions, err := store.ListRollbackActions(ctx, runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"run":              run,
			"steps":            steps,
			"rollback_actions": actions,
		})
	}

	fmt.Println(styleBanner.Render("Run " + run.ID))
	fmt.Printf("  instance: %s\n", run.InstanceID)
	fmt.Printf("  kind:     %s\n", run.Kind)
	fmt.Printf("  status:   %s\n", styleStatus(run.Status))
	if run.NonReversible {
		fmt.Println(styleError.Render("  crossed the irreversibility boundary"))
	}
	if run.ReportPath != nil {
		fmt.Printf("  report:   %s\n", *run.ReportPath)
	}
	if run.Error != nil {
		fmt.Println(styleError.Render("  error:    " + *run.Error))
	}

	if len(steps) > 0 {
		fmt.Println(styleBanner.Render("Steps:"))
		for _, step := range steps {
			line := fmt.Sprintf("  %2d. %s", step.Seq, step.Name)
			if step.Device != nil {
				line += " " + *step.Device
			}
			if step.Resource != nil {
				line += " (" + *step.Resource + ")"
			}
			fmt.Println(line)
		}
	}
	if len(actions) > 0 {
		fmt.Println(styleBanner.Render("Rollback actions:"))
		for _, action := range actions {
			mark := styleSuccess.Render("ok")
			if !action.Succeeded {
				mark = styleError.Render("failed")
			}
			fmt.Printf("  %2d. %-20s %s  %s\n", action.Position, action.Kind, action.Description, mark)
			if action.Error != nil {
				fmt.Println(styleError.Render("      " + *action.Error))
			}
		}
	}
	return nil
}
