package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openmined/soulsnaps/internal/controlplane"
	"github.com/openmined/soulsnaps/internal/syncmgr"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newTasksCmd())
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync status of the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			metrics, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), metrics, time.Now())
		},
	}
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List queued sync tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			tasks, err := client.Tasks(cmd.Context())
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), tasks, time.Now())
		},
	}
}

func printStatus(w io.Writer, m *syncmgr.Metrics, now time.Time) error {
	conn := red("offline")
	if m.Connected {
		conn = green("online")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "State\t%s\n", cyan(string(m.State)))
	fmt.Fprintf(tw, "Connectivity\t%s\n", conn)
	fmt.Fprintf(tw, "Queued\t%d (%d running, %d exhausted)\n", m.PendingTasks, m.RunningTasks, m.ExhaustedTasks)
	fmt.Fprintf(tw, "Completed\t%s\n", humanize.Comma(m.CompletedTasks))
	fmt.Fprintf(tw, "Failed\t%s\n", humanize.Comma(m.FailedTasks))
	fmt.Fprintf(tw, "Uploaded\t%s\n", humanize.Bytes(uint64(max(m.UploadBytesTotal, 0))))
	if m.LastSyncAt.IsZero() {
		fmt.Fprintf(tw, "Last sync\t%s\n", gray("never"))
	} else {
		fmt.Fprintf(tw, "Last sync\t%s (took %s)\n", humanize.RelTime(m.LastSyncAt, now, "ago", "from now"), m.LastSyncDuration.Round(time.Millisecond))
	}
	if !m.NextRetryAt.IsZero() {
		fmt.Fprintf(tw, "Next retry\t%s (backoff level %d)\n", humanize.RelTime(m.NextRetryAt, now, "ago", "from now"), m.BackoffLevel)
	}
	return tw.Flush()
}

func printTasks(w io.Writer, tasks []controlplane.TaskInfo, now time.Time) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, gray("no queued tasks"))
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATE\tRETRIES\tNEXT\tERROR")
	for _, t := range tasks {
		state := "queued"
		switch {
		case t.Running:
			state = "running"
		case t.Exhausted:
			state = "exhausted"
		}
		next := "-"
		if !t.NextAttempt.IsZero() && t.NextAttempt.After(now) {
			next = humanize.RelTime(t.NextAttempt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.Key, state, t.RetryCount, next, t.LastError)
	}
	return tw.Flush()
}
