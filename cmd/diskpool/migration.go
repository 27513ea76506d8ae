package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/pkg/bytesize"
)

func newMigrationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "migration",
		Aliases: []string{"mig"},
		Short:   "Copy or move replicas to other pools",
		Long: `Manage migration jobs of a pool.

Examples:
  # Copy all precious replicas to two pools
  diskpool migration copy --target pool2:7070 --target pool3:7070 --state precious

  # Drain the pool: move everything and keep draining new data
  diskpool migration move --target pool2:7070 --permanent

  # Watch and control a job
  diskpool migration info 1a2b3c4d
  diskpool migration suspend 1a2b3c4d
  diskpool migration cancel --force 1a2b3c4d`,
	}
	addAdminFlags(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List migration jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			jobs, err := c.Migrations(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No migration jobs.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tSTATE\tTARGETS\tDONE\tFAILED\tQUEUED\tRUNNING\tBYTES")
			for _, j := range jobs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%d\t%d\t%d\t%s\n",
					j.ID, j.State, len(j.Targets), j.Stats.Completed, j.Stats.Total,
					j.Stats.Failed, j.Stats.Queued, j.Stats.Running,
					bytesize.Format(j.Stats.BytesTransferred))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "info <id>",
		Short: "Show a migration job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			info, err := c.Migration(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(info)
			return nil
		},
	})

	cmd.AddCommand(newMigrationStartCmd("copy", string(migration.SourceSame), "Copy replicas to other pools"))
	cmd.AddCommand(newMigrationStartCmd("move", string(migration.SourceDelete), "Move replicas to other pools"))

	var force bool
	cancelCmd := newMigrationActionCmd("cancel", "Cancel a job", func() string {
		if force {
			return "cancel-force"
		}
		return "cancel"
	})
	cancelCmd.Flags().BoolVarP(&force, "force", "f", false, "abort running transfers instead of letting them finish")
	cmd.AddCommand(cancelCmd)

	for _, a := range []struct{ name, short string }{
		{"suspend", "Suspend a job"},
		{"resume", "Resume a suspended job"},
		{"refresh", "Refresh a job's target pool costs"},
	} {
		action := a.name
		cmd.AddCommand(newMigrationActionCmd(action, a.short, func() string { return action }))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <id>",
		Short: "Forget a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			if _, err := c.MigrationAction(cmd.Context(), args[0], "clear"); err != nil {
				return err
			}
			fmt.Printf("Cleared %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "concurrency <id> <n>",
		Short: "Change how many replicas a job transfers at once",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid concurrency %q", args[1])
			}
			c, err := poolClient()
			if err != nil {
				return err
			}
			info, err := c.SetConcurrency(cmd.Context(), args[0], n)
			if err != nil {
				return err
			}
			printJob(info)
			return nil
		},
	})
	return cmd
}

func newMigrationActionCmd(use, short string, action func() string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := poolClient()
			if err != nil {
				return err
			}
			info, err := c.MigrationAction(cmd.Context(), args[0], action())
			if err != nil {
				return err
			}
			fmt.Printf("Job %s is %s\n", info.ID, info.State)
			return nil
		},
	}
}

func newMigrationStartCmd(use, defaultSourceMode, short string) *cobra.Command {
	var (
		spec             migration.Spec
		minSize, maxSize bytesize.Size
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Filters.MinSize = minSize.Bytes()
			spec.Filters.MaxSize = maxSize.Bytes()
			if cmd.Flags().Changed("sticky") {
				v, _ := cmd.Flags().GetBool("sticky")
				spec.Filters.Sticky = &v
			}
			if _, err := spec.Definition(); err != nil {
				return err
			}

			c, err := poolClient()
			if err != nil {
				return err
			}
			info, err := c.StartMigration(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Printf("Started job %s\n", info.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&spec.Targets, "target", "t", nil, "destination pool (repeatable)")
	f.StringVar(&spec.SourceMode, "source-mode", defaultSourceMode, "source replica afterwards: same, cached, precious, removable or delete")
	f.StringVar(&spec.TargetMode, "target-mode", "", "destination replica state: same, cached or precious")
	f.IntVar(&spec.Concurrency, "concurrency", 0, "replicas transferred at once")
	f.BoolVar(&spec.Permanent, "permanent", false, "keep running and migrate new replicas as they appear")
	f.StringVar(&spec.Order, "order", "", "transfer order: size or lru")
	f.IntVar(&spec.MaxRetries, "max-retries", 0, "attempts per replica before giving up")
	f.StringVar(&spec.RefreshPeriod, "refresh", "", "target cost refresh period")
	f.StringSliceVar(&spec.Filters.States, "state", nil, "only replicas in these states")
	f.StringVar(&spec.Filters.IdleFor, "idle-for", "", "only replicas not accessed for this long")
	f.StringVar(&spec.Filters.StickyOwner, "sticky-owner", "", "only replicas pinned by this owner")
	f.StringSliceVar(&spec.Filters.IDs, "id", nil, "only these replicas")
	f.StringSliceVar(&spec.Filters.StorageClasses, "storage-class", nil, "only these storage classes")
	f.Bool("sticky", false, "only sticky (true) or only unpinned (false) replicas")
	f.Var(&minSize, "min-size", "only replicas at least this large")
	f.Var(&maxSize, "max-size", "only replicas smaller than this")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func printJob(j migration.JobInfo) {
	fmt.Printf("ID:          %s\n", j.ID)
	fmt.Printf("State:       %s\n", j.State)
	fmt.Printf("Source:      %s (afterwards: %s)\n", j.SourcePool, j.SourceMode)
	fmt.Printf("Targets:     %v (state: %s)\n", j.Targets, j.TargetMode)
	if j.TargetsErr != "" {
		fmt.Printf("Target list: %s\n", j.TargetsErr)
	}
	fmt.Printf("Filter:      %s\n", j.Filter)
	fmt.Printf("Concurrency: %d\n", j.Concurrency)
	if j.Permanent {
		fmt.Println("Permanent:   yes")
	}
	fmt.Printf("Created:     %s\n", j.Created.Format(time.RFC3339))
	if !j.Finished.IsZero() {
		fmt.Printf("Finished:    %s\n", j.Finished.Format(time.RFC3339))
	}
	s := j.Stats
	fmt.Printf("Progress:    %d/%d completed, %d skipped, %d failed, %d queued, %d running\n",
		s.Completed, s.Total, s.Skipped, s.Failed, s.Queued, s.Running)
	fmt.Printf("Bytes:       %s of %s\n", bytesize.Format(s.BytesTransferred), bytesize.Format(s.BytesTotal))
	if j.Failure != "" {
		fmt.Printf("Failure:     %s\n", j.Failure)
	}
	for _, e := range j.Errors {
		fmt.Printf("  %s %s: %s\n", e.Time.Format(time.RFC3339), e.ID, e.Error)
	}
}
