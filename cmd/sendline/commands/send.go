package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/sendline/internal/delivery"
	"github.com/busybox42/sendline/internal/queue"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Deliver or enqueue a single message",
	Long: `Build a job from flags and either deliver it now through the full
delivery path (identity selection, rate rules, MX, SMTP) or, with --enqueue,
add it to the configured queue for the server's workers.`,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.String("from", "", "sender address")
	f.String("from-name", "", "sender display name")
	f.String("reply-to", "", "reply-to address")
	f.String("to", "", "recipient address")
	f.String("subject", "", "subject")
	f.String("text", "", "plain text body")
	f.String("text-file", "", "read the plain text body from a file")
	f.String("html-file", "", "read the HTML body from a file")
	f.String("campaign", "", "campaign id")
	f.String("tenant", "", "tenant id")
	f.Int("priority", delivery.PriorityDefault, "priority, 1 is most urgent")
	f.String("dkim-selector", "", "DKIM selector")
	f.String("dkim-key", "", "DKIM private key reference")
	f.StringToString("header", nil, "extra header as Name=value, repeatable")
	f.Bool("enqueue", false, "add to the queue instead of delivering now")
	f.Duration("timeout", 2*time.Minute, "delivery timeout")
	_ = sendCmd.MarkFlagRequired("from")
	_ = sendCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(sendCmd)
}

func jobFromFlags(cmd *cobra.Command) (*delivery.Job, error) {
	f := cmd.Flags()
	job := &delivery.Job{}
	job.FromAddress, _ = f.GetString("from")
	job.FromName, _ = f.GetString("from-name")
	job.ReplyTo, _ = f.GetString("reply-to")
	job.ToAddress, _ = f.GetString("to")
	job.Subject, _ = f.GetString("subject")
	job.TextBody, _ = f.GetString("text")
	job.CampaignID, _ = f.GetString("campaign")
	job.TenantID, _ = f.GetString("tenant")
	job.Priority, _ = f.GetInt("priority")
	job.DKIMSelector, _ = f.GetString("dkim-selector")
	job.DKIMPrivateKeyRef, _ = f.GetString("dkim-key")
	job.Headers, _ = f.GetStringToString("header")

	if path, _ := f.GetString("text-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read text body: %w", err)
		}
		job.TextBody = string(data)
	}
	if path, _ := f.GetString("html-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read HTML body: %w", err)
		}
		job.HTMLBody = string(data)
	}

	if err := job.Prepare(cfg.Delivery.MaxAttempts); err != nil {
		return nil, err
	}
	return job, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	job, err := jobFromFlags(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if enqueue, _ := cmd.Flags().GetBool("enqueue"); enqueue {
		if cfg.Queue.Backend == "memory" {
			return fmt.Errorf("the memory queue lives inside the server process; use \"sendline remote\" or a redis queue")
		}
		q, control, err := queue.Open(cfg.Queue)
		if err != nil {
			return err
		}
		defer control.Close()
		defer q.Close()
		if err := q.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (priority %d)\n", job.ID, job.Priority)
		return nil
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	out := a.executor.Execute(ctx, job)
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if !out.Delivered() {
		return fmt.Errorf("delivery %s: %s", out.State.Label(), out.Reason)
	}
	return nil
}
