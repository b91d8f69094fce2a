package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brandlens/orchestrator/internal/streaming"
)

func newStartCmd(clientFor func() *Client) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "start <session-id>",
		Short: "Start a pending probe session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor()
			if err := c.Start(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Session %s started\n", args[0])
			if !watch {
				return nil
			}
			return watchSession(cmd, c, args[0])
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow progress after starting")
	return cmd
}

func newWatchCmd(clientFor func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow live progress of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchSession(cmd, clientFor(), args[0])
		},
	}
}

func watchSession(cmd *cobra.Command, c *Client, sessionID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()
	return c.Watch(ctx, sessionID, func(ev streaming.Event) { printEvent(out, ev) })
}

func printEvent(w io.Writer, ev streaming.Event) {
	ts := ev.Timestamp.Local().Format(time.TimeOnly)
	switch {
	case ev.Error != nil:
		fmt.Fprintf(w, "%s ERROR %s\n", ts, ev.Error.Message)
	case ev.Progress != nil:
		p := ev.Progress
		line := fmt.Sprintf("%s %-9s %d ok / %d failed", ts, p.Status, p.SuccessCount, p.FailedCount)
		if p.CurrentEngine != "" {
			line += fmt.Sprintf(" | %s: %s", p.CurrentEngine, p.CurrentQuery)
		}
		if p.EstimatedTimeRemaining != nil {
			line += fmt.Sprintf(" | eta %s", time.Duration(*p.EstimatedTimeRemaining)*time.Second)
		}
		if p.RateLimit != nil {
			line += fmt.Sprintf(" | %s retry %d in %s", p.RateLimit.Provider, p.RateLimit.Attempt,
				time.Duration(p.RateLimit.RetryInMs)*time.Millisecond)
		}
		if p.Message != "" {
			line += " | " + p.Message
		}
		fmt.Fprintln(w, line)
	}
}

func newLogsCmd(clientFor func() *Client) *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "logs <session-id>",
		Short: "Print the execution log of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := clientFor().Logs(cmd.Context(), args[0], level)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s [%s] %s", e.CreatedAt.Local().Format(time.DateTime), e.Level, e.Message)
				keys := make([]string, 0, len(e.Details))
				for k := range e.Details {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, " %s=%v", k, e.Details[k])
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&level, "level", "l", "", "only show entries of this level (info, warning, error)")
	return cmd
}
