package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/diskpool/diskpool/internal/config"
	"github.com/diskpool/diskpool/internal/pool"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/pkg/bytesize"
)

func addAdminFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "admin API address (default: from config)")
	cmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin API token (default: $DISKPOOL_TOKEN or signed from config)")
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show pool status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			info, err := c.PoolInfo(cmd.Context())
			if err != nil {
				return err
			}
			printPoolInfo(info)
			return nil
		},
	}
	addAdminFlags(cmd)
	return cmd
}

func printPoolInfo(info pool.Info) {
	fmt.Printf("Pool:      %s\n", info.Name)
	fmt.Printf("Mode:      %s\n", info.Mode)
	fmt.Printf("Total:     %s\n", bytesize.Format(info.Space.Total))
	fmt.Printf("Used:      %s\n", bytesize.Format(info.Space.Used))
	fmt.Printf("Free:      %s\n", bytesize.Format(info.Space.Free))
	if info.Space.Waiters > 0 {
		fmt.Printf("Pending:   %s (%d waiting)\n", bytesize.Format(info.Space.Pending), info.Space.Waiters)
	}
	fmt.Printf("Transfers: %d incoming\n", info.Transfers)

	if len(info.Replicas) > 0 {
		fmt.Println("\nReplicas:")
		states := make([]string, 0, len(info.Replicas))
		for s := range info.Replicas {
			states = append(states, s)
		}
		sort.Strings(states)
		for _, s := range states {
			fmt.Printf("  %-22s %d\n", s, info.Replicas[s])
		}
	}
	if len(info.Movers) > 0 {
		fmt.Println("\nMovers:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  QUEUE\tACTIVE\tMAX\tQUEUED")
		names := make([]string, 0, len(info.Movers))
		for n := range info.Movers {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			q := info.Movers[n]
			_, _ = fmt.Fprintf(w, "  %s\t%d\t%d\t%d\n", n, q.Active, q.Max, q.Queued)
		}
		_ = w.Flush()
	}
}

func newModeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode <mode>",
		Short: "Change the pool mode",
		Long: `Change the pool mode.

Modes:
  enabled              all operations allowed
  disabled | strict    nothing allowed
  rdonly               reads and pool-to-pool reads only
  fetch,store,...      disable the listed operations; flags are fetch, store,
                       stage, p2p-client, p2p-server and dead`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			info, err := c.SetMode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Pool %s is now %s\n", info.Name, info.Mode)
			return nil
		},
	}
	addAdminFlags(cmd)
	return cmd
}

func newSpaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "space <size>",
		Short: "Change the pool capacity (e.g. 500GiB)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			u, err := c.SetTotalSpace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Total: %s  Used: %s  Free: %s\n",
				bytesize.Format(u.Total), bytesize.Format(u.Used), bytesize.Format(u.Free))
			return nil
		},
	}
	addAdminFlags(cmd)
	return cmd
}

func newReplicaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "replica",
		Aliases: []string{"rep"},
		Short:   "Inspect and remove replicas",
	}
	addAdminFlags(cmd)

	var state string
	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List replicas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			entries, err := c.Replicas(cmd.Context(), state)
			if err != nil {
				return err
			}
			printReplicas(entries)
			return nil
		},
	}
	lsCmd.Flags().StringVar(&state, "state", "", "only list replicas in this state")
	cmd.AddCommand(lsCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "info <id>",
		Short: "Show one replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			e, err := c.Replica(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printReplica(e)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>...",
		Short: "Remove replicas",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := c.RemoveReplica(cmd.Context(), id); err != nil {
					return fmt.Errorf("remove %s: %w", id, err)
				}
				fmt.Printf("Removed %s\n", id)
			}
			return nil
		},
	})
	return cmd
}

func printReplicas(entries []repository.Entry) {
	if len(entries) == 0 {
		fmt.Println("No replicas.")
		return
	}
	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATE\tSIZE\tSTICKY\tLAST ACCESS")
	for _, e := range entries {
		sticky := "-"
		if e.IsSticky(now) {
			sticky = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.State, bytesize.Format(e.Size), sticky, e.LastAccessTime.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func printReplica(e repository.Entry) {
	fmt.Printf("ID:            %s\n", e.ID)
	fmt.Printf("State:         %s\n", e.State)
	fmt.Printf("Size:          %s (%d bytes)\n", bytesize.Format(e.Size), e.Size)
	if e.StorageClass != "" {
		fmt.Printf("Storage class: %s\n", e.StorageClass)
	}
	fmt.Printf("Created:       %s\n", e.CreationTime.Format(time.RFC3339))
	fmt.Printf("Last access:   %s\n", e.LastAccessTime.Format(time.RFC3339))
	for _, r := range e.Sticky {
		expires := "never"
		if !r.Expires.IsZero() {
			expires = r.Expires.Format(time.RFC3339)
		}
		fmt.Printf("Sticky:        %s (expires %s)\n", r.Owner, expires)
	}
}

func newStickyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sticky",
		Short: "Pin replicas against eviction",
	}
	addAdminFlags(cmd)

	var lifetime string
	addCmd := &cobra.Command{
		Use:   "add <id> <owner>",
		Short: "Add a sticky record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			e, err := c.AddSticky(cmd.Context(), args[0], args[1], lifetime)
			if err != nil {
				return err
			}
			printReplica(e)
			return nil
		},
	}
	addCmd.Flags().StringVar(&lifetime, "lifetime", "", "record lifetime, e.g. 24h (default: never expires)")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id> <owner>",
		Short: "Remove a sticky record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			e, err := c.RemoveSticky(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printReplica(e)
			return nil
		},
	})
	return cmd
}

func newPoolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pools [name]",
		Short: "List the pools known to a manager",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := managerClient()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				info, err := c.Pool(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Pool:       %s\n", info.Name)
				fmt.Printf("Mode:       %s\n", info.Mode)
				fmt.Printf("Total:      %s\n", bytesize.Format(info.Space.Total))
				fmt.Printf("Used:       %s\n", bytesize.Format(info.Space.Used))
				fmt.Printf("Removable:  %s\n", bytesize.Format(info.Space.Removable))
				fmt.Printf("Space cost: %.3f\n", info.SpaceCost())
				fmt.Printf("Updated:    %s\n", info.Time.Format(time.RFC3339))
				return nil
			}
			pools, err := c.Pools(cmd.Context())
			if err != nil {
				return err
			}
			if len(pools) == 0 {
				fmt.Println("No pools registered.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tMODE\tTOTAL\tUSED\tREMOVABLE\tCOST\tAGE")
			for _, p := range pools {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.3f\t%s\n",
					p.Name, p.Mode, bytesize.Format(p.Total), bytesize.Format(p.Used),
					bytesize.Format(p.Removable), p.SpaceCost, time.Since(p.Updated).Truncate(time.Second))
			}
			return w.Flush()
		},
	}
	addAdminFlags(cmd)
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		manager bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		Long: `Issue an admin API token signed with the node's admin secret.

The token is printed on stdout; export it as DISKPOOL_TOKEN to use it
from another host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				return fmt.Errorf("config file required (--config)")
			}
			var secretFile string
			if manager {
				cfg, err := config.LoadManagerConfig(cfgFile)
				if err != nil {
					return err
				}
				secretFile = cfg.Admin.SecretFile
			} else {
				cfg, err := config.LoadPoolConfig(cfgFile)
				if err != nil {
					return err
				}
				secretFile = cfg.Admin.SecretFile
			}
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("subject is required")
			}
			token, err := issueToken(secretFile, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", cliSubject(), "token subject, recorded in the audit log")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	cmd.Flags().BoolVar(&manager, "manager", false, "read a manager config instead of a pool config")
	return cmd
}
