package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/busybox42/sendline/internal/identity"
)

var identityCmd = &cobra.Command{
	Use:     "identity",
	Aliases: []string{"ip"},
	Short:   "Manage sending identities",
	Long:    `Register sending IP addresses and change their state in the identity registry.`,
}

// withRegistry opens the identity registry for the duration of fn
func withRegistry(cmd *cobra.Command, fn func(ctx context.Context, reg *identity.Registry) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	reg, err := identity.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open identity registry: %w", err)
	}
	defer reg.Close()
	return fn(ctx, reg)
}

func printIdentities(w io.Writer, list []identity.SendingIdentity) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No sending identities registered")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tPOOL\tDAY\tSTATUS\tSENT TODAY\tDAILY\tHOURLY\tPRIORITY\tSTATE")
	for _, si := range list {
		state := "active"
		switch {
		case si.IsBlacklisted:
			state = "blacklisted"
		case !si.IsActive:
			state = "disabled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
			si.ID, si.Address, si.Pool, si.WarmupDay, si.WarmupStatus,
			si.SentToday, si.DailyLimit, si.HourlyLimit, si.Priority, state)
	}
	tw.Flush()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// identityAction builds a subcommand that applies fn to one identity given by id or address
func identityAction(use, short string, fn func(ctx context.Context, reg *identity.Registry, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id or address]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, reg *identity.Registry) error {
				si, err := reg.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				if err := fn(ctx, reg, si.ID); err != nil {
					return err
				}
				si, err = reg.Get(ctx, si.ID)
				if err != nil {
					return err
				}
				printIdentities(cmd.OutOrStdout(), []identity.SendingIdentity{*si})
				return nil
			})
		},
	}
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sending identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			eligible, _ := cmd.Flags().GetBool("eligible")
			asJSON, _ := cmd.Flags().GetBool("json")
			return withRegistry(cmd, func(ctx context.Context, reg *identity.Registry) error {
				var (
					list []identity.SendingIdentity
					err  error
				)
				if eligible {
					list, err = reg.ListEligible(ctx, cfg.Identity.MinCapacity)
				} else {
					list, err = reg.List(ctx)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), list)
				}
				printIdentities(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
	listCmd.Flags().Bool("eligible", false, "only identities that can send now, in selection order")
	listCmd.Flags().Bool("json", false, "print JSON")

	addCmd := &cobra.Command{
		Use:   "add [address]",
		Short: "Register a sending IP address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostname, _ := cmd.Flags().GetString("hostname")
			pool, _ := cmd.Flags().GetString("pool")
			day, _ := cmd.Flags().GetInt("warmup-day")
			priority, _ := cmd.Flags().GetInt("priority")
			return withRegistry(cmd, func(ctx context.Context, reg *identity.Registry) error {
				si, err := reg.Register(ctx, identity.SendingIdentity{
					Address:   args[0],
					Hostname:  hostname,
					Pool:      pool,
					WarmupDay: day,
					Priority:  priority,
				})
				if err != nil {
					return err
				}
				printIdentities(cmd.OutOrStdout(), []identity.SendingIdentity{*si})
				return nil
			})
		},
	}
	addCmd.Flags().String("hostname", "", "EHLO hostname for this address")
	addCmd.Flags().String("pool", "main", "pool name")
	addCmd.Flags().Int("warmup-day", 1, "warmup day to start from")
	addCmd.Flags().Int("priority", 0, "selection priority, lower is preferred")

	showCmd := &cobra.Command{
		Use:   "show [id or address]",
		Short: "Show one sending identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, reg *identity.Registry) error {
				si, err := reg.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), si)
			})
		},
	}

	identityCmd.AddCommand(
		listCmd,
		addCmd,
		showCmd,
		identityAction("blacklist", "Exclude an identity from selection", func(ctx context.Context, reg *identity.Registry, id string) error {
			return reg.ToggleBlacklist(ctx, id, true)
		}),
		identityAction("unblacklist", "Clear the blacklist flag", func(ctx context.Context, reg *identity.Registry, id string) error {
			return reg.ToggleBlacklist(ctx, id, false)
		}),
		identityAction("disable", "Disable an identity", func(ctx context.Context, reg *identity.Registry, id string) error {
			return reg.Disable(ctx, id)
		}),
		identityAction("enable", "Enable an identity", func(ctx context.Context, reg *identity.Registry, id string) error {
			return reg.Enable(ctx, id)
		}),
	)
	rootCmd.AddCommand(identityCmd)
}
