package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every feature flag and its current value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			svc, err := newCLIService()
			if err != nil {
				return err
			}
			flags, err := svc.Load(cmd.Context())
			if err != nil {
				return err
			}
			printFlags(cmd.OutOrStdout(), flags)
			return nil
		},
	}
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY=VALUE [KEY=VALUE...]",
		Short: "Update one or more feature flags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			changes := make(map[string]bool, len(args))
			for _, arg := range args {
				key, raw, ok := strings.Cut(arg, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid argument %q: expected KEY=VALUE", arg)
				}
				value, err := strconv.ParseBool(raw)
				if err != nil {
					return fmt.Errorf("invalid value %q for flag %s: expected true or false", raw, key)
				}
				changes[key] = value
			}

			svc, err := newCLIService()
			if err != nil {
				return err
			}
			flags, err := svc.Update(cmd.Context(), changes)
			if err != nil {
				return err
			}
			printFlags(cmd.OutOrStdout(), flags)
			return nil
		},
	}
}
