package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/cafeyard/internal/dashboard"
	"github.com/zulandar/cafeyard/internal/quota"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-account queue status",
		Long:  "Displays each account's queue counts, today's posts against its limit, worker heartbeat and session state. Use --watch for auto-refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			tracker := quota.New(gormDB, cfg.Location())
			out := cmd.OutOrStdout()

			for {
				ov, err := dashboard.StatusOverview(gormDB, tracker)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(ov)
				}
				if watch {
					// Clear screen.
					fmt.Fprint(out, "\033[2J\033[H")
				}
				if err := printStatus(out, ov); err != nil {
					return err
				}
				if !watch {
					return nil
				}
				time.Sleep(5 * time.Second)
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the overview as JSON")
	return cmd
}

func printStatus(out io.Writer, ov *dashboard.Overview) error {
	fmt.Fprintf(out, "Cafeyard status for %s\n\n", ov.Day)
	if len(ov.Accounts) == 0 {
		fmt.Fprintln(out, "No accounts or jobs.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tWAITING\tDELAYED\tACTIVE\tDONE\tFAILED\tPOSTS TODAY\tWORKER\tSESSION")
	for _, a := range ov.Accounts {
		posts := fmt.Sprintf("%d/%s", a.PostsToday, limitLabel(a.DailyLimit))
		workerCol := "-"
		if a.Worker != "" {
			workerCol = a.WorkerStatus
			if a.LastActivity != nil {
				workerCol += " (" + time.Since(*a.LastActivity).Truncate(time.Second).String() + " ago)"
			}
		}
		sessionCol := a.Session
		if sessionCol == "" {
			sessionCol = "-"
		}
		name := a.ID
		if !a.Active {
			name += " (inactive)"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			name, a.Queue.Waiting, a.Queue.Delayed, a.Queue.Active, a.Queue.Completed, a.Queue.Failed,
			posts, workerCol, sessionCol)
	}
	t := ov.Totals
	fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t%d\t%d\t\t\t\n", t.Waiting, t.Delayed, t.Active, t.Completed, t.Failed)
	if err := w.Flush(); err != nil {
		return err
	}

	if ov.Attention > 0 {
		fmt.Fprintf(out, "\n%d job(s) need attention (cy queue list --status failed)\n", ov.Attention)
	}
	return nil
}
