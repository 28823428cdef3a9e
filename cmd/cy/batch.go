package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/cafeyard/internal/logging"
	"github.com/zulandar/cafeyard/internal/orchestrator"
	"github.com/zulandar/cafeyard/internal/quota"
)

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Batch scheduling commands",
	}

	cmd.AddCommand(newBatchRunCmd())
	return cmd
}

type batchFlags struct {
	configPath string
	cafeID     string
	category   string
	commenters int
	replyRatio float64
	start      string
	asJSON     bool
}

func newBatchRunCmd() *cobra.Command {
	var f batchFlags

	cmd := &cobra.Command{
		Use:   "run <keyword>...",
		Short: "Schedule a batch of posts with comments and replies",
		Long: `Assigns each keyword to an author in round-robin order, then schedules
comments from the other accounts and replies for a share of those comments.
Every job is enqueued on its account's queue with randomized spacing that
respects activity windows and daily post limits.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, f, args)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	cmd.Flags().StringVar(&f.cafeID, "cafe", "", "target cafe (default cafe when omitted)")
	cmd.Flags().StringVar(&f.category, "category", "", "board category for every post")
	cmd.Flags().IntVar(&f.commenters, "commenters", -1, "commenters per post (0 = every other account; default from config)")
	cmd.Flags().Float64Var(&f.replyRatio, "reply-ratio", -1, "fraction of comments that get a reply (default from config)")
	cmd.Flags().StringVar(&f.start, "start", "", "schedule anchor in RFC3339 (default now)")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the result as JSON")
	return cmd
}

func runBatch(cmd *cobra.Command, f batchFlags, keywords []string) error {
	cfg, gormDB, err := connectFromConfig(f.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	gen, err := newContent(cfg)
	if err != nil {
		return err
	}

	req := orchestrator.Request{
		CafeID:            f.cafeID,
		Topics:            orchestrator.TopicsFrom(keywords),
		CommentersPerPost: cfg.Batch.CommentersPerPost,
		ReplyRatio:        cfg.Batch.ReplyRatio,
	}
	for i := range req.Topics {
		req.Topics[i].Category = f.category
	}
	if f.commenters >= 0 {
		req.CommentersPerPost = f.commenters
	}
	if f.replyRatio >= 0 {
		req.ReplyRatio = f.replyRatio
	}
	if f.start != "" {
		start, err := time.Parse(time.RFC3339, f.start)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		req.Start = start
	}

	loc := cfg.Location()
	orch := orchestrator.New(gormDB, gen, orchestrator.Options{
		Quota:    quota.New(gormDB, loc),
		Location: loc,
		Log:      logging.Component(logger, "orchestrator"),
	})
	res, err := orch.Run(context.Background(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if f.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return printBatch(out, res, loc)
}

func printBatch(out io.Writer, res *orchestrator.Result, loc *time.Location) error {
	fmt.Fprintf(out, "Batch %s on cafe %s: %d jobs scheduled\n\n", res.BatchID, res.CafeID, res.Jobs)

	if len(res.Assignments) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TOPIC\tAUTHOR\tPOST AT\tCOMMENTS\tREPLIES\tPOST JOB")
		for _, a := range res.Assignments {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				a.Topic.Keyword, a.Post.AccountID, a.Post.ScheduledAt.In(loc).Format("01-02 15:04"),
				len(a.Comments), len(a.Replies), a.Post.JobID)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(res.Rejected) > 0 {
		fmt.Fprintf(out, "\n%d rejected:\n", len(res.Rejected))
		for _, r := range res.Rejected {
			if r.AccountID != "" {
				fmt.Fprintf(out, "  %s (%s): %s\n", r.Topic, r.AccountID, r.Reason)
			} else {
				fmt.Fprintf(out, "  %s: %s\n", r.Topic, r.Reason)
			}
		}
	}
	return nil
}
