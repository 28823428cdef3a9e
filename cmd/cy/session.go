package main

import (
	"encoding/base64"
	"fmt"

	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"
	"github.com/zulandar/cafeyard/internal/account"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Platform session commands",
	}

	cmd.AddCommand(newSessionKeygenCmd())
	cmd.AddCommand(newSessionForgetCmd())
	return cmd
}

func newSessionKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print fresh session.hash_key and session.block_key values",
		RunE: func(cmd *cobra.Command, args []string) error {
			hashKey := securecookie.GenerateRandomKey(32)
			blockKey := securecookie.GenerateRandomKey(32)
			if hashKey == nil || blockKey == nil {
				return fmt.Errorf("generate keys: random source unavailable")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "session:")
			fmt.Fprintf(out, "  hash_key: %s\n", base64.StdEncoding.EncodeToString(hashKey))
			fmt.Fprintf(out, "  block_key: %s\n", base64.StdEncoding.EncodeToString(blockKey))
			return nil
		},
	}
}

func newSessionForgetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "forget <account>",
		Short: "Drop an account's persisted session so the next job logs in again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if _, err := account.Get(gormDB, args[0]); err != nil {
				return err
			}
			if err := account.ForgetSession(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session for %s forgotten\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Cafeyard config file")
	return cmd
}
