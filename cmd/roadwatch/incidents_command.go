package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"roadwatch/internal/api"
)

func newIncidentsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var taskID string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Show recent incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Incidents(cmd.Context(), api.IncidentQuery{
					Limit:  limit,
					Tail:   true,
					TaskID: strings.TrimSpace(taskID),
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, resp.Incidents)
				}
				if len(resp.Incidents) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No incidents")
					return nil
				}
				for _, inc := range resp.Incidents {
					fmt.Fprintln(cmd.OutOrStdout(), formatIncidentLine(inc))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of incidents to show")
	cmd.Flags().StringVar(&taskID, "task", "", "Only show incidents for one session")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit incidents as JSON")

	cmd.AddCommand(newReportIncidentCommand(ctx))
	return cmd
}

func newReportIncidentCommand(ctx *commandContext) *cobra.Command {
	var manual api.ManualIncidentRequest

	cmd := &cobra.Command{
		Use:   "add <task-id>",
		Short: "Record a manually observed incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manual.TaskID = strings.TrimSpace(args[0])
			if strings.TrimSpace(manual.Type) == "" {
				return errors.New("--type is required")
			}
			return ctx.withClient(func(client *api.Client) error {
				inc, err := client.ReportIncident(cmd.Context(), manual)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Incident #%d recorded (%s)\n", inc.Seq, inc.IncidentID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&manual.Type, "type", "", "Incident type (accident, fire, other)")
	cmd.Flags().StringVar(&manual.Description, "description", "", "Free-form description")
	cmd.Flags().StringVar(&manual.Location, "location", "", "Location of the incident")
	cmd.Flags().StringVar(&manual.IncidentID, "id", "", "Explicit incident id (defaults to a generated one)")
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var since uint64
	var taskID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the incident stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				cursor := since
				for {
					resp, err := client.Incidents(cmd.Context(), api.IncidentQuery{
						Since:  cursor,
						Follow: true,
						TaskID: strings.TrimSpace(taskID),
					})
					if err != nil {
						return err
					}
					for _, inc := range resp.Incidents {
						fmt.Fprintln(cmd.OutOrStdout(), formatIncidentLine(inc))
					}
					// A truncated page must resume from its own tail, not
					// the server cursor, or rows in between are skipped.
					if n := len(resp.Incidents); n > 0 {
						cursor = resp.Incidents[n-1].Seq
					} else if resp.Next > cursor {
						cursor = resp.Next
					}
					select {
					case <-cmd.Context().Done():
						return nil
					default:
					}
				}
			})
		},
	}

	cmd.Flags().Uint64Var(&since, "since", 0, "Resume from an incident sequence number")
	cmd.Flags().StringVar(&taskID, "task", "", "Only follow incidents for one session")
	return cmd
}
