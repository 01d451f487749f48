package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/sendline/internal/identity"
)

var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Inspect and drive the warmup schedule",
}

func init() {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the configured warmup schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, err := identity.ScheduleFromConfig(cfg.Warmup)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "DAY\tDAILY LIMIT\tHOURLY LIMIT")
			for _, step := range schedule.Steps() {
				fmt.Fprintf(tw, "%d\t%d\t%d\n", step.Day, step.Limit, schedule.HourlyLimit(step.Limit))
			}
			return tw.Flush()
		},
	}

	rolloverCmd := &cobra.Command{
		Use:   "rollover",
		Short: "Advance warming identities and reset daily and hourly counters",
		Long: `Run the daily and hourly rollover now. The server runs it every minute;
running it again on the same day changes nothing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, reg *identity.Registry) error {
				now := time.Now()
				res, err := reg.RolloverDaily(ctx, now)
				if err != nil {
					return err
				}
				hourly, err := reg.RolloverHourly(ctx, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Advanced: %d\nDaily counters reset: %d\nHourly counters reset: %d\n",
					res.Advanced, res.Reset, hourly)
				return nil
			})
		},
	}

	advanceCmd := &cobra.Command{
		Use:   "advance [id or address]",
		Short: "Move one identity to its next warmup day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, reg *identity.Registry) error {
				si, err := reg.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				day, limit, status, err := reg.AdvanceWarmupDay(ctx, si.ID, time.Now())
				if err != nil {
					return err
				}
				if day == si.WarmupDay {
					fmt.Fprintf(cmd.OutOrStdout(), "%s unchanged: day %d, daily limit %d (%s)\n", si.Address, day, limit, status)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s advanced to day %d, daily limit %d (%s)\n", si.Address, day, limit, status)
				return nil
			})
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart [id or address]",
		Short: "Restart warmup from day one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, reg *identity.Registry) error {
				si, err := reg.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				if err := reg.StartWarmup(ctx, si.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s restarted warmup at day 1\n", si.Address)
				return nil
			})
		},
	}

	warmupCmd.AddCommand(scheduleCmd, rolloverCmd, advanceCmd, restartCmd)
	rootCmd.AddCommand(warmupCmd)
}
