package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/cafeyard/internal/models"
	"github.com/zulandar/cafeyard/internal/settings"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change live queue settings",
	}

	cmd.AddCommand(newSettingsShowCmd())
	cmd.AddCommand(newSettingsSetCmd())
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current queue settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			s, err := settings.Get(gormDB)
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), *s)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	return cmd
}

func newSettingsSetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "set <key>=<value>...",
		Short: "Update queue settings",
		Long: `Updates one or more settings. Keys: between_posts_min, between_posts_max,
between_comments_min, between_comments_max, after_post_min, after_post_max
(milliseconds), retry_attempts, retry_backoff_ms, timeout_ms,
enforce_daily_limit. Workers pick up the change on their next job.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePatch(args)
			if err != nil {
				return err
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			s, err := settings.Update(gormDB, p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Settings updated.")
			return printSettings(cmd.OutOrStdout(), *s)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	return cmd
}

// parsePatch turns key=value arguments into a settings patch.
func parsePatch(args []string) (settings.Patch, error) {
	var p settings.Patch
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return p, fmt.Errorf("argument %q is not key=value", arg)
		}
		key = strings.ReplaceAll(strings.TrimSpace(key), "-", "_")
		val = strings.TrimSpace(val)

		if key == "enforce_daily_limit" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return p, fmt.Errorf("%s: %w", key, err)
			}
			p.EnforceDailyLimit = &b
			continue
		}

		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return p, fmt.Errorf("%s: %w", key, err)
		}
		switch key {
		case "between_posts_min":
			p.BetweenPostsMin = &n
		case "between_posts_max":
			p.BetweenPostsMax = &n
		case "between_comments_min":
			p.BetweenCommentsMin = &n
		case "between_comments_max":
			p.BetweenCommentsMax = &n
		case "after_post_min":
			p.AfterPostMin = &n
		case "after_post_max":
			p.AfterPostMax = &n
		case "retry_backoff_ms":
			p.RetryBackoffMs = &n
		case "timeout_ms":
			p.TimeoutMs = &n
		case "retry_attempts":
			v := int(n)
			p.RetryAttempts = &v
		default:
			return p, fmt.Errorf("unknown setting %q", key)
		}
	}
	return p, nil
}

func printSettings(out io.Writer, s models.QueueSettings) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "between_posts\t%d..%d ms\n", s.BetweenPostsMin, s.BetweenPostsMax)
	fmt.Fprintf(w, "between_comments\t%d..%d ms\n", s.BetweenCommentsMin, s.BetweenCommentsMax)
	fmt.Fprintf(w, "after_post\t%d..%d ms\n", s.AfterPostMin, s.AfterPostMax)
	fmt.Fprintf(w, "retry_attempts\t%d\n", s.RetryAttempts)
	fmt.Fprintf(w, "retry_backoff_ms\t%d\n", s.RetryBackoffMs)
	fmt.Fprintf(w, "timeout_ms\t%d\n", s.TimeoutMs)
	fmt.Fprintf(w, "enforce_daily_limit\t%v\n", s.EnforceDailyLimit)
	return w.Flush()
}
