package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/cafeyard/internal/cafe"
)

func newCafeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cafe",
		Short: "Cafe (destination community) commands",
	}

	cmd.AddCommand(newCafeAddCmd())
	cmd.AddCommand(newCafeListCmd())
	cmd.AddCommand(newCafeDefaultCmd())
	return cmd
}

func newCafeAddCmd() *cobra.Command {
	var (
		configPath string
		opts       cafe.CreateOpts
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a cafe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			c, err := cafe.Create(gormDB, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cafe %s added", c.ID)
			if c.IsDefault {
				fmt.Fprint(cmd.OutOrStdout(), " (default)")
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&opts.Categories, "category", nil, "category name (repeatable)")
	cmd.Flags().StringToStringVar(&opts.MenuMapping, "menu", nil, "category=menuID mapping (repeatable)")
	cmd.Flags().BoolVar(&opts.Default, "default", false, "make this the default cafe")
	return cmd
}

func newCafeListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cafes",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			cafes, err := cafe.List(gormDB)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(cafes) == 0 {
				fmt.Fprintln(out, "No cafes found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDEFAULT\tCATEGORIES")
			for _, c := range cafes {
				cats, err := cafe.Categories(c)
				if err != nil {
					return err
				}
				def := ""
				if c.IsDefault {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Name, def, strings.Join(cats, ","))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	return cmd
}

func newCafeDefaultCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "default <id>",
		Short: "Set the default cafe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := cafe.SetDefault(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default cafe set to %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	return cmd
}
