package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ajnotify/internal/app"
	"ajnotify/internal/ns"
	logx "ajnotify/pkg/logx"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		category   string
		lang       string
		texts      []string
		custom     map[string]string
		ttl        time.Duration
		linger     time.Duration
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send one notification",
		Long: "Send one notification using the about properties and bus from the config. " +
			"Extra localized texts are given as lang=text with --text.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := ns.ParseCategory(category)
			if err != nil {
				return err
			}
			var all []ns.Text
			if len(args) == 1 {
				all = append(all, ns.Text{Lang: lang, Text: args[0]})
			}
			for _, raw := range texts {
				l, t, ok := strings.Cut(raw, "=")
				if !ok {
					return fmt.Errorf("--text %q: want lang=text", raw)
				}
				all = append(all, ns.Text{Lang: strings.TrimSpace(l), Text: t})
			}

			level := "warn"
			if verbose {
				level = "debug"
			}
			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			id, err := app.SendOnce(ctx, configPath, app.SendRequest{
				Category: cat,
				Texts:    all,
				Custom:   custom,
				TTL:      ttl,
				Linger:   linger,
			}, logx.NewConsole(level))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent msg_id=%d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	cmd.Flags().StringVar(&category, "category", "info", "emergency, warning or info")
	cmd.Flags().StringVar(&lang, "lang", "en", "language of the positional text")
	cmd.Flags().StringArrayVar(&texts, "text", nil, "additional lang=text pair (repeatable)")
	cmd.Flags().StringToStringVar(&custom, "attr", nil, "custom attribute key=value (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "time to live, 30s..12h")
	cmd.Flags().DurationVar(&linger, "linger", 0, "stay attached after sending so late receivers get the notification")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
