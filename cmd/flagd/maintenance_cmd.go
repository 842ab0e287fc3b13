package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove flag document backups older than the retention age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			days, err := cmd.Flags().GetInt("days")
			if err != nil {
				return err
			}
			if days < 0 {
				return fmt.Errorf("invalid --days %d: must not be negative", days)
			}

			svc, err := newCLIService()
			if err != nil {
				return err
			}
			removed, freed, err := svc.CleanupBackups(time.Duration(days) * 24 * time.Hour)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if removed == 0 {
				fmt.Fprintf(out, "no backups older than %d days\n", days)
				return nil
			}
			fmt.Fprintf(out, "removed %d backups, freed %s\n", removed, humanize.Bytes(uint64(freed)))
			return nil
		},
	}
	cmd.Flags().Int("days", 7, "delete backups older than this many days")
	return cmd
}

func newBackupsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List flag document backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			svc, err := newCLIService()
			if err != nil {
				return err
			}
			backups, err := svc.Backups()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(backups) == 0 {
				fmt.Fprintln(out, "no backups")
				return nil
			}
			for _, b := range backups {
				fmt.Fprintf(out, "%s\t%s\t%s\n", b.Name, humanize.Bytes(uint64(b.Size)), humanize.Time(b.ModTime))
			}
			return nil
		},
	}
}
