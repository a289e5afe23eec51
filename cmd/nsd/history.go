package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ajnotify/internal/app"
	"ajnotify/internal/storage"
)

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently received and dismissed notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := app.History(contextOrBackground(cmd.Context()), configPath, limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func printHistory(w io.Writer, entries []storage.HistoryEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tMSG\tCATEGORY\tAPP\tDEVICE\tTEXT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format(time.DateTime), e.Kind, e.MsgID, e.Category, e.AppName, e.DeviceName, e.Text)
	}
	return tw.Flush()
}
