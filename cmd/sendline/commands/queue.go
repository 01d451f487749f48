package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/busybox42/sendline/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the job queue",
	Long: `Operate on the configured queue backend directly. With the memory backend
the queue lives inside the server process; use the admin API instead.`,
}

func withQueue(cmd *cobra.Command, fn func(ctx context.Context, q queue.Queue, control queue.Control) error) error {
	if cfg.Queue.Backend == "memory" {
		return fmt.Errorf("the memory queue lives inside the server process; use \"sendline remote\" or a redis queue")
	}
	q, control, err := queue.Open(cfg.Queue)
	if err != nil {
		return err
	}
	defer q.Close()
	defer control.Close()
	return fn(context.Background(), q, control)
}

func init() {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, q queue.Queue, _ queue.Control) error {
				d, err := q.Depth(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "Ready:\t%d\n", d.Ready)
				fmt.Fprintf(tw, "Scheduled:\t%d\n", d.Scheduled)
				fmt.Fprintf(tw, "Leased:\t%d\n", d.Leased)
				fmt.Fprintf(tw, "Failed:\t%d\n", d.Failed)
				return tw.Flush()
			})
		},
	}

	failedCmd := &cobra.Command{
		Use:   "failed",
		Short: "List jobs that reached a terminal failure, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withQueue(cmd, func(ctx context.Context, q queue.Queue, _ queue.Control) error {
				jobs, err := q.Failed(ctx, limit)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No failed jobs")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCAMPAIGN\tTO\tSTATUS\tATTEMPTS\tERROR")
				for _, job := range jobs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
						job.ID, job.CampaignID, job.ToAddress, job.Status, job.AttemptCount, job.LastError)
				}
				return tw.Flush()
			})
		},
	}
	failedCmd.Flags().Int("limit", 50, "maximum number of jobs to list")

	cancelCmd := &cobra.Command{
		Use:   "cancel [job ID]",
		Short: "Cancel a queued or in-flight job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, _ queue.Queue, control queue.Control) error {
				if err := control.CancelJob(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", args[0])
				return nil
			})
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause [campaign ID]",
		Short: "Pause a campaign; its jobs stay queued",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, _ queue.Queue, control queue.Control) error {
				if err := control.PauseCampaign(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Campaign %s paused\n", args[0])
				return nil
			})
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume [campaign ID]",
		Short: "Resume a paused campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, _ queue.Queue, control queue.Control) error {
				if err := control.ResumeCampaign(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Campaign %s resumed\n", args[0])
				return nil
			})
		},
	}

	pausedCmd := &cobra.Command{
		Use:   "paused",
		Short: "List paused campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, _ queue.Queue, control queue.Control) error {
				ids, err := control.PausedCampaigns(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}

	queueCmd.AddCommand(statsCmd, failedCmd, cancelCmd, pauseCmd, resumeCmd, pausedCmd)
	rootCmd.AddCommand(queueCmd)
}
