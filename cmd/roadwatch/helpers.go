package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"roadwatch/internal/api"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// humanize turns machine labels like "processing" or "accident" into
// display form.
func humanize(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return cases.Title(language.Und).String(value)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func sessionRows(sessions []api.SessionPayload) [][]string {
	rows := make([][]string, 0, len(sessions))
	for _, sess := range sessions {
		rows = append(rows, []string{
			shortID(sess.TaskID),
			humanize(sess.Mode),
			humanize(sess.Status),
			fmt.Sprintf("%d%%", sess.Progress),
			orDash(sess.MediaRef),
			orDash(sess.ErrorMessage),
			orDash(sess.UpdatedAt),
		})
	}
	return rows
}

func renderSessionTable(sessions []api.SessionPayload) string {
	return renderTable(
		[]string{"Task", "Mode", "Status", "Progress", "Media", "Error", "Updated"},
		sessionRows(sessions),
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func formatIncidentLine(inc api.IncidentPayload) string {
	parts := []string{
		fmt.Sprintf("#%d", inc.Seq),
		inc.DetectedAt,
		humanize(inc.Type),
		"task " + shortID(inc.TaskID),
	}
	if inc.Location != "" {
		parts = append(parts, inc.Location)
	}
	if inc.Description != "" {
		parts = append(parts, inc.Description)
	}
	return strings.Join(parts, "  ")
}
