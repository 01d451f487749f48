package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/sendline/cmd/sendline/client"
	"github.com/busybox42/sendline/internal/delivery"
	"github.com/busybox42/sendline/internal/suppression"
)

var (
	apiURL     string
	apiKey     string
	apiTimeout time.Duration
	verbose    bool
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage a running server through its admin API",
	Long: `Commands that talk to a running sendline server over the admin API.
They need no local configuration.`,
	Annotations: map[string]string{skipConfig: "true"},
}

func apiClient() *client.Client {
	key := apiKey
	if key == "" {
		key = os.Getenv("SENDLINE_API_KEY")
	}
	return client.NewClient(apiURL, key, apiTimeout)
}

func remoteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), apiTimeout+time.Second)
}

func init() {
	remoteCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "a", "http://127.0.0.1:8080", "admin API URL")
	remoteCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "admin API key (default $SENDLINE_API_KEY)")
	remoteCmd.PersistentFlags().DurationVar(&apiTimeout, "timeout", 10*time.Second, "request timeout")
	remoteCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := remoteContext()
			defer cancel()
			c := apiClient()

			health, err := c.Health(ctx)
			if err != nil {
				return fmt.Errorf("could not connect to sendline server: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s\n", health.Status)
			fmt.Fprintf(out, "API Server: %s\n", apiURL)
			fmt.Fprintf(out, "Version: %s\n", health.ServerVersion)
			fmt.Fprintf(out, "Uptime: %s\n", health.UptimeFormatted)
			fmt.Fprintf(out, "Capacity today: %d\n", health.Capacity)
			if health.Queue != nil {
				fmt.Fprintf(out, "Queue: %d ready, %d scheduled, %d leased, %d failed\n",
					health.Queue.Ready, health.Queue.Scheduled, health.Queue.Leased, health.Queue.Failed)
			}
			for _, p := range health.Problems {
				fmt.Fprintf(out, "Problem: %s\n", p)
			}

			if verbose {
				stats, err := c.Stats(ctx)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Warning: Could not get statistics: %v\n", err)
					return nil
				}
				if d := stats.Deliveries; d != nil {
					fmt.Fprintln(out, "\nDeliveries:")
					fmt.Fprintf(out, "  delivered: %d\n  deferred: %d\n  bounced hard: %d\n  bounced soft: %d\n  via relay: %d\n",
						d.Delivered, d.Deferred, d.BouncedHard, d.BouncedSoft, d.ViaRelay)
				}
				if w := stats.Workers; w != nil {
					fmt.Fprintf(out, "\nWorkers: %d active, breaker %s\n", w.ActiveWorkers, w.CircuitBreaker.State)
				}
			}
			return nil
		},
	}

	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a message on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := remoteJob(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := remoteContext()
			defer cancel()
			res, err := apiClient().Enqueue(ctx, job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (priority %d)\n", res.ID, res.Priority)
			return nil
		},
	}
	enqueueCmd.Flags().String("from", "", "sender address")
	enqueueCmd.Flags().String("to", "", "recipient address")
	enqueueCmd.Flags().String("subject", "", "subject")
	enqueueCmd.Flags().String("text", "", "plain text body")
	enqueueCmd.Flags().String("campaign", "", "campaign id")
	enqueueCmd.Flags().Int("priority", delivery.PriorityDefault, "priority, 1 is most urgent")
	_ = enqueueCmd.MarkFlagRequired("from")
	_ = enqueueCmd.MarkFlagRequired("to")

	cancelCmd := &cobra.Command{
		Use:   "cancel [job ID]",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := remoteContext()
			defer cancel()
			if err := apiClient().CancelJob(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", args[0])
			return nil
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause [campaign ID]",
		Short: "Pause a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := remoteContext()
			defer cancel()
			if err := apiClient().PauseCampaign(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Campaign %s paused\n", args[0])
			return nil
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume [campaign ID]",
		Short: "Resume a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := remoteContext()
			defer cancel()
			if err := apiClient().ResumeCampaign(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Campaign %s resumed\n", args[0])
			return nil
		},
	}

	suppressionsCmd := &cobra.Command{
		Use:   "suppressions",
		Short: "List suppressed addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			ctx, cancel := remoteContext()
			defer cancel()
			list, err := apiClient().Suppressions(ctx, limit, offset)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "EMAIL\tREASON\tSOURCE\tCODE\tADDED")
			for _, e := range list.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Email, e.Reason, e.Source, e.DSNCode, e.CreatedAt.Format(time.RFC3339))
			}
			tw.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d\n", len(list.Entries), list.Total)
			return nil
		},
	}
	suppressionsCmd.Flags().Int("limit", 100, "page size")
	suppressionsCmd.Flags().Int("offset", 0, "page offset")

	suppressCmd := &cobra.Command{
		Use:   "suppress [email]",
		Short: "Suppress an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			ctx, cancel := remoteContext()
			defer cancel()
			e, err := apiClient().Suppress(ctx, suppression.Entry{
				Email:  args[0],
				Reason: suppression.Reason(reason),
				Source: "cli",
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s suppressed (%s)\n", e.Email, e.Reason)
			return nil
		},
	}
	suppressCmd.Flags().String("reason", string(suppression.ReasonManual), "suppression reason")

	unsuppressCmd := &cobra.Command{
		Use:   "unsuppress [email]",
		Short: "Remove an address from the suppression list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := remoteContext()
			defer cancel()
			if err := apiClient().Unsuppress(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed from the suppression list\n", args[0])
			return nil
		},
	}

	remoteCmd.AddCommand(statusCmd, enqueueCmd, cancelCmd, pauseCmd, resumeCmd,
		suppressionsCmd, suppressCmd, unsuppressCmd)
	rootCmd.AddCommand(remoteCmd)
}

func remoteJob(cmd *cobra.Command) (*delivery.Job, error) {
	f := cmd.Flags()
	job := &delivery.Job{}
	job.FromAddress, _ = f.GetString("from")
	job.ToAddress, _ = f.GetString("to")
	job.Subject, _ = f.GetString("subject")
	job.TextBody, _ = f.GetString("text")
	job.CampaignID, _ = f.GetString("campaign")
	job.Priority, _ = f.GetInt("priority")
	if job.TextBody == "" {
		return nil, fmt.Errorf("--text is required")
	}
	return job, nil
}
