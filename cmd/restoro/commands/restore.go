package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/openrestore/openrestore/pkg/cloud/awsec2"
	"github.com/openrestore/openrestore/pkg/config"
	"github.com/openrestore/openrestore/pkg/restore"
	"github.com/openrestore/openrestore/pkg/telemetry"
)

func newRestoreCommand() *cobra.Command {
	var (
		instanceIDs  []string
		instanceName string
		restoreType  string
		imageID      string
		devices      []string
		yes          bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore one or more EC2 instances from AMI backups",
		Long: `Restore EC2 instances from their AMI backups.

A volume restore swaps the selected block devices in place: each replaced
volume is snapshotted first, and a failed swap is rolled back to the original
attachments. A full restore terminates the instance and relaunches it from
the chosen AMI, moving its network interfaces to the replacement.

Without --ami and --devices the command lists the candidate AMIs for each
instance and prompts for a selection. With --yes it picks the most recent
AMI and all devices without prompting.`,
		Example: `  # Interactive volume restore
  restoro restore --instance-id i-0123456789abcdef0

  # Full restore from a pinned AMI, no prompts
  restoro restore --instance-id i-0123456789abcdef0 --type full --ami ami-0abc1234 --yes

  # Restore only the data volume
  restoro restore --instance-name web-01 --devices /dev/sdf --yes

  # Restore several instances in one invocation
  restoro restore --instance-id i-0aaa --instance-id i-0bbb --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			kind := restore.Kind(restoreType)
			if !kind.Valid() {
				return fmt.Errorf("invalid --type %q: must be %q or %q", restoreType, restore.KindVolume, restore.KindFull)
			}
			if len(instanceIDs) == 0 && instanceName == "" {
				return errors.New("one of --instance-id or --instance-name is required")
			}
			if len(instanceIDs) > 1 && imageID != "" {
				return errors.New("--ami cannot be combined with multiple instances")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg)
			if err != nil {
				return err
			}

			client, err := awsec2.New(ctx, awsec2.Options{
				Profile: cfg.AWS.Profile,
				Region:  cfg.AWS.Region,
			})
			if err != nil {
				return err
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			var journal restore.Journal
			if store != nil {
				journal = store
				defer store.Close()
			}

			metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:    cfg.Metrics.Enabled,
				ListenAddr: cfg.Metrics.ListenAddr,
			})
			if metrics.Enabled() && cfg.Metrics.ListenAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
				go func() { _ = srv.ListenAndServe() }()
				defer srv.Close()
			}

			var selector restore.Selector
			if yes {
				selector = &restore.StaticSelector{Approve: true}
			} else {
				selector = newConsoleSelector()
			}

			reqs, err := buildRequests(cmd, client, kind, instanceIDs, instanceName, imageID, devices)
			if err != nil {
				return err
			}

			orch := restore.NewOrchestrator(client, selector, journal, metrics, logger, restore.Options{
				MaxImageCandidates: cfg.Restore.MaxAMIs,
				BackupDir:          cfg.Restore.BackupDir,
				Waits: restore.WaitSettings{
					PollInterval:    cfg.Restore.PollInterval,
					SnapshotTimeout: cfg.Restore.OperationTimeout,
					VolumeTimeout:   cfg.Restore.OperationTimeout,
					InstanceTimeout: cfg.Restore.OperationTimeout,
					CommandTimeout:  cfg.Restore.OperationTimeout,
				},
				PostActions: postActionConfig(cfg),
			})

			results := orch.RestoreAll(ctx, reqs)
			return printResults(results)
		},
	}

	cmd.Flags().StringSliceVar(&instanceIDs, "instance-id", nil, "instance ID to restore (repeatable)")
	cmd.Flags().StringVar(&instanceName, "instance-name", "", "resolve the instance by its Name tag")
	cmd.Flags().StringVarP(&restoreType, "type", "t", string(restore.KindVolume), "restore type (volume or full)")
	cmd.Flags().StringVar(&imageID, "ami", "", "pin the source AMI, skipping selection")
	cmd.Flags().StringSliceVar(&devices, "devices", nil, "device names to restore, e.g. /dev/sdf (volume restores only)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip prompts; most recent AMI, all devices")

	return cmd
}

// buildRequests turns the flag values into one restore request per instance.
// A --instance-name is resolved to its ID up front so every later step works
// with stable identifiers.
func buildRequests(cmd *cobra.Command, client restore.CloudResourceClient, kind restore.Kind, instanceIDs []string, instanceName, imageID string, devices []string) ([]restore.RestoreRequest, error) {
	ids := append([]string(nil), instanceIDs...)
	if instanceName != "" {
		inst, err := client.FindInstanceByName(cmd.Context(), instanceName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve instance %q: %w", instanceName, err)
		}
		ids = append(ids, inst.ID)
	}

	reqs := make([]restore.RestoreRequest, 0, len(ids))
	for _, id := range ids {
		reqs = append(reqs, restore.RestoreRequest{
			InstanceID: id,
			Kind:       kind,
			ImageID:    imageID,
			Devices:    devices,
		})
	}
	return reqs, nil
}

func postActionConfig(cfg *config.Config) restore.PostActionConfig {
	pa := restore.PostActionConfig{
		Enabled:      cfg.SystemsManager.Enabled,
		DocumentName: cfg.SystemsManager.DocumentName,
		Output: restore.CommandOutput{
			S3Bucket: cfg.SystemsManager.OutputS3Bucket,
			S3Prefix: cfg.SystemsManager.OutputS3Prefix,
		},
	}
	for _, c := range cfg.SystemsManager.Commands {
		pa.Commands = append(pa.Commands, restore.CommandSpec{
			Name:              c.Name,
			Command:           c.Command,
			Timeout:           c.Timeout,
			WaitForCompletion: c.WaitForCompletion,
		})
	}
	return pa
}

// resultView is the JSON shape printed with --json.
type resultView struct {
	InstanceID  string                   `json:"instance_id"`
	Status      string                   `json:"status"`
	ReportPath  string                   `json:"report_path,omitempty"`
	Error       string                   `json:"error,omitempty"`
	PostActions []restore.CommandOutcome `json:"post_actions,omitempty"`
	Report      *restore.RestoreReport   `json:"report,omitempty"`
}

func resultStatus(r restore.Result) string {
	switch {
	case errors.Is(r.Err, restore.ErrSelectionCancelled):
		return "cancelled"
	case r.Err == nil:
		return string(restore.RunStatusSucceeded)
	case r.Report != nil && r.Report.Rollback != nil && r.Report.Rollback.NonReversible:
		return string(restore.RunStatusForwardOnly)
	default:
		return string(restore.RunStatusRolledBack)
	}
}

// printResults renders the per-instance outcomes and returns a non-nil error
// when any restore failed. Cancellation is not a failure.
func printResults(results []restore.Result) error {
	if jsonOutput {
		views := make([]resultView, 0, len(results))
		for _, r := range results {
			view := resultView{
				InstanceID:  r.InstanceID,
				Status:      resultStatus(r),
				ReportPath:  r.ReportPath,
				PostActions: r.PostActions,
				Report:      r.Report,
			}
			if r.Err != nil {
				view.Error = r.Err.Error()
			}
			views = append(views, view)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(views); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			fmt.Printf("%-21s %s", r.InstanceID, styleStatus(resultStatus(r)))
			if r.Report != nil && r.Report.NewInstanceID != "" {
				fmt.Printf("  replacement %s", r.Report.NewInstanceID)
			}
			if r.ReportPath != "" {
				fmt.Printf("  report %s", r.ReportPath)
			}
			fmt.Println()
			if r.Err != nil && !errors.Is(r.Err, restore.ErrSelectionCancelled) {
				fmt.Println(styleError.Render("  " + r.Err.Error()))
			}
			for _, outcome := range r.PostActions {
				line := fmt.Sprintf("  post action %q: %s", outcome.Name, outcome.Status)
				if outcome.Succeeded {
					fmt.Println(styleSuccess.Render(line))
				} else {
					fmt.Println(styleError.Render(line))
				}
			}
		}
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, restore.ErrSelectionCancelled) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d restores failed", failed, len(results))
	}
	return nil
}
