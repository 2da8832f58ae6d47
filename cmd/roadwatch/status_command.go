package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"roadwatch/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, status)
				}
				renderDaemonStatus(cmd, status)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit status as JSON")
	return cmd
}

func renderDaemonStatus(cmd *cobra.Command, status api.DaemonStatus) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader("Roadwatch Daemon", colorize) {
		fmt.Fprintln(out, line)
	}

	runKind := statusError
	runMessage := "not running"
	if status.Running {
		runKind = statusOK
		runMessage = fmt.Sprintf("pid %d", status.PID)
	}
	fmt.Fprintln(out, renderStatusLine("Daemon", runKind, runMessage, colorize))
	fmt.Fprintln(out, renderStatusLine("Database", statusInfo, status.DatabasePath, colorize))
	fmt.Fprintln(out, renderStatusLine("Lock file", statusInfo, status.LockFilePath, colorize))

	activeKind := statusInfo
	if status.ActiveSessions > 0 {
		activeKind = statusOK
	}
	fmt.Fprintln(out, renderStatusLine("Active sessions", activeKind,
		fmt.Sprintf("%d", status.ActiveSessions), colorize))
	fmt.Fprintln(out, renderStatusLine("Incident cursor", statusInfo,
		fmt.Sprintf("%d", status.LastIncidentSeq), colorize))

	notifyKind := statusWarn
	notifyMessage := "disabled"
	if status.Notifications {
		notifyKind = statusOK
		notifyMessage = "enabled"
	}
	fmt.Fprintln(out, renderStatusLine("Notifications", notifyKind, notifyMessage, colorize))

	reportKind := statusWarn
	reportMessage := "disabled"
	if status.ReportGeneration {
		reportKind = statusOK
		reportMessage = "enabled"
	}
	fmt.Fprintln(out, renderStatusLine("Report generation", reportKind, reportMessage, colorize))

	if len(status.SessionCounts) > 0 {
		keys := make([]string, 0, len(status.SessionCounts))
		for key := range status.SessionCounts {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", key, status.SessionCounts[key]))
		}
		fmt.Fprintln(out, renderStatusLine("Session counts", statusInfo, strings.Join(parts, " "), colorize))
	}
}
