package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/cafeyard/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain account queues",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueShowCmd())
	cmd.AddCommand(newQueueClearCmd())
	cmd.AddCommand(newQueueRemoveCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var (
		configPath string
		filters    queue.ListFilters
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in schedule order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			jobs, err := queue.List(gormDB, filters)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			loc := cfg.Location()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tACCOUNT\tTYPE\tSTATUS\tSCHEDULED\tATTEMPTS\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					j.ID, j.AccountID, j.Type, j.Status, j.ScheduledAt.In(loc).Format("01-02 15:04:05"),
					j.Attempts, j.MaxAttempts, truncate(j.LastError, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	cmd.Flags().StringVar(&filters.AccountID, "account", "", "filter by account")
	cmd.Flags().StringVar(&filters.Status, "status", "", "filter by status (waiting, delayed, active, completed, failed)")
	cmd.Flags().StringVar(&filters.Type, "type", "", "filter by job type (post, comment, reply)")
	cmd.Flags().StringVar(&filters.BatchID, "batch", "", "filter by batch")
	cmd.Flags().IntVar(&filters.Limit, "limit", 50, "maximum jobs to show")
	return cmd
}

func newQueueShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <job>",
		Short: "Show a job and its event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			job, err := queue.Get(gormDB, args[0])
			if err != nil {
				return err
			}
			events, err := queue.Events(gormDB, job.ID)
			if err != nil {
				return err
			}
			loc := cfg.Location()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %s (%s) for %s\n", job.ID, job.Type, job.AccountID)
			fmt.Fprintf(out, "  Status:    %s\n", job.Status)
			fmt.Fprintf(out, "  Scheduled: %s\n", job.ScheduledAt.In(loc).Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "  Attempts:  %d/%d\n", job.Attempts, job.MaxAttempts)
			if job.DependsOn != "" {
				fmt.Fprintf(out, "  Depends:   %s\n", job.DependsOn)
			}
			if job.ResultRef != "" {
				fmt.Fprintf(out, "  Result:    %s\n", job.ResultRef)
			}
			if job.LastError != "" {
				fmt.Fprintf(out, "  Error:     %s (%s)\n", job.LastError, job.FailureKind)
			}
			fmt.Fprintf(out, "  Payload:   %s\n", job.Payload)
			fmt.Fprintln(out, "\nEvents:")
			for _, e := range events {
				fmt.Fprintf(out, "  %s  %-10s #%d %s\n", e.CreatedAt.In(loc).Format("01-02 15:04:05"), e.Kind, e.Attempt, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	return cmd
}

func newQueueClearCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "clear [account]",
		Short: "Remove every waiting and delayed job of an account (or all accounts)",
		Long:  "Removes pending jobs in one transaction. A job that is currently executing is left to finish.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("specify exactly one of <account> or --all")
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			var n int64
			if all {
				n, err = queue.ClearAll(gormDB)
			} else {
				n, err = queue.Clear(gormDB, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	cmd.Flags().BoolVar(&all, "all", false, "drain every account's queue")
	return cmd
}

func newQueueRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <job>",
		Short: "Remove one waiting or delayed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := queue.Remove(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s removed\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
