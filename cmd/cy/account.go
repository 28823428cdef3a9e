package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/cafeyard/internal/account"
	"github.com/zulandar/cafeyard/internal/models"
	"golang.org/x/term"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Account management commands",
	}

	cmd.AddCommand(newAccountAddCmd())
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountActivateCmd(true))
	cmd.AddCommand(newAccountActivateCmd(false))
	cmd.AddCommand(newAccountRemoveCmd())
	return cmd
}

func newAccountAddCmd() *cobra.Command {
	var (
		configPath string
		opts       account.CreateOpts
		restDays   string
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add an account",
		Long: `Adds an active account. The credential is read from --credential or, when
omitted, prompted for without echo.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			days, err := parseWeekdays(restDays)
			if err != nil {
				return err
			}
			opts.RestDays = days
			return runAccountAdd(cmd, configPath, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	cmd.Flags().StringVar(&opts.Credential, "credential", "", "login credential (prompted when omitted)")
	cmd.Flags().StringVar(&opts.Nickname, "nickname", "", "display name")
	cmd.Flags().BoolVar(&opts.IsMain, "main", false, "mark as the main account (first in rotation)")
	cmd.Flags().IntVar(&opts.DailyPostLimit, "daily-limit", 0, "daily post limit (0 = unlimited)")
	cmd.Flags().IntVar(&opts.ActivityStart, "active-from", 0, "first active hour (0-23)")
	cmd.Flags().IntVar(&opts.ActivityEnd, "active-until", 0, "hour activity ends (1-24, may wrap past midnight)")
	cmd.Flags().StringVar(&restDays, "rest-days", "", "comma-separated weekdays without activity (0=Sunday)")
	return cmd
}

func runAccountAdd(cmd *cobra.Command, configPath string, opts account.CreateOpts) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if opts.Credential == "" {
		cred, err := promptSecret(cmd, fmt.Sprintf("Credential for %s: ", opts.ID))
		if err != nil {
			return err
		}
		if cred == "" {
			return fmt.Errorf("credential is required")
		}
		opts.Credential = cred
	}

	acct, err := account.Create(gormDB, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Account %s added (window %s, limit %s)\n", acct.ID, windowLabel(*acct), limitLabel(account.Limit(*acct)))
	return nil
}

// promptSecret reads a line without echo when stdin is a terminal, and a
// plain line otherwise.
func promptSecret(cmd *cobra.Command, prompt string) (string, error) {
	out := cmd.OutOrStdout()
	fmt.Fprint(out, prompt)

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read credential: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	return "", scanner.Err()
}

func newAccountListCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			accts, err := account.List(gormDB, all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(accts) == 0 {
				fmt.Fprintln(out, "No accounts found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNICKNAME\tMAIN\tACTIVE\tWINDOW\tREST\tLIMIT")
			for _, a := range accts {
				fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\t%s\t%s\n",
					a.ID, a.Nickname, a.IsMain, a.IsActive, windowLabel(a), restLabel(a.RestDays), limitLabel(account.Limit(a)))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	cmd.Flags().BoolVar(&all, "all", false, "include deactivated accounts")
	return cmd
}

func newAccountActivateCmd(active bool) *cobra.Command {
	var configPath string
	use, short, verb := "deactivate <id>", "Deactivate an account (its queued jobs are kept)", "deactivated"
	if active {
		use, short, verb = "activate <id>", "Re-activate a deactivated account", "activated"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			set := account.Deactivate
			if active {
				set = account.Activate
			}
			if err := set(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s %s\n", args[0], verb)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	return cmd
}

func newAccountRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete an account that has no jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := account.Delete(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s removed\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	return cmd
}

func parseWeekdays(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var days []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid rest day %q (want 0-6)", part)
		}
		days = append(days, n)
	}
	return days, nil
}

func windowLabel(a models.Account) string {
	return fmt.Sprintf("%02d-%02d", a.ActivityStart, a.ActivityEnd)
}

func restLabel(days string) string {
	if days == "" {
		return "-"
	}
	return days
}

func limitLabel(limit int) string {
	if limit == 0 {
		return "unlimited"
	}
	return strconv.Itoa(limit)
}
