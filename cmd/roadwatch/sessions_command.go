package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"roadwatch/internal/api"
)

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "sessions [task-id]",
		Short: "List sessions or show one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if len(args) == 1 {
					sess, err := client.GetSession(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if jsonOutput {
						return writeJSON(cmd, sess)
					}
					renderSessionDetail(cmd, sess)
					return nil
				}

				sessions, err := client.ListSessions(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, sessions)
				}
				if len(sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderSessionTable(sessions))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit sessions as JSON")
	return cmd
}

func renderSessionDetail(cmd *cobra.Command, sess api.SessionPayload) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader("Session "+shortID(sess.TaskID), colorize) {
		fmt.Fprintln(out, line)
	}

	kind := statusInfo
	switch sess.Status {
	case "completed":
		kind = statusOK
	case "failed":
		kind = statusError
	case "processing":
		kind = statusOK
	}
	fmt.Fprintln(out, renderStatusLine("Status", kind,
		fmt.Sprintf("%s (%d%%)", humanize(sess.Status), sess.Progress), colorize))
	fmt.Fprintln(out, renderStatusLine("Task", statusInfo, sess.TaskID, colorize))
	fmt.Fprintln(out, renderStatusLine("Mode", statusInfo, humanize(sess.Mode), colorize))
	if sess.ExternalJobID != "" {
		fmt.Fprintln(out, renderStatusLine("Analysis job", statusInfo, sess.ExternalJobID, colorize))
	}
	if sess.MediaRef != "" {
		fmt.Fprintln(out, renderStatusLine("Media", statusInfo, sess.MediaRef, colorize))
	}
	if sess.ResultRef != "" {
		fmt.Fprintln(out, renderStatusLine("Result", statusOK, sess.ResultRef, colorize))
	}
	if len(sess.SnapshotRefs) > 0 {
		fmt.Fprintln(out, renderStatusLine("Snapshots", statusInfo,
			fmt.Sprintf("%d", len(sess.SnapshotRefs)), colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Auto report", statusInfo, yesNo(sess.AutoReport), colorize))
	if sess.ErrorMessage != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, sess.ErrorMessage, colorize))
	}
	if sess.UpdatedAt != "" {
		fmt.Fprintln(out, renderStatusLine("Updated", statusInfo, sess.UpdatedAt, colorize))
	}
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task-id>",
		Short: "Stop an active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				sess, err := client.StopSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s stopped (%s)\n",
					shortID(sess.TaskID), sess.ErrorMessage)
				return nil
			})
		},
	}
}

func newResultCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "result <task-id>",
		Short: "Show the artifacts of a completed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				result, err := client.Result(cmd.Context(), args[0])
				if err != nil {
					var statusErr *api.StatusError
					if errors.As(err, &statusErr) && statusErr.Code == 409 {
						return fmt.Errorf("session %s has no result yet: %s", args[0], statusErr.Message)
					}
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Result: %s\n", orDash(result.ResultRef))
				for _, ref := range result.SnapshotRefs {
					fmt.Fprintf(out, "Snapshot: %s\n", ref)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit result as JSON")
	return cmd
}

func newReportCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "report <task-id>",
		Short: "Generate or fetch the incident report for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				report, err := client.Report(cmd.Context(), args[0], force)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), report.Report)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Regenerate even if a report is cached")
	return cmd
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <task-id>",
		Short: "Fetch session state and the incident cursor for resuming",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				rec, err := client.Reconcile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, rec)
			})
		},
	}
}
