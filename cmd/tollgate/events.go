package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/tollgate/id"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and requeue events",
}

var eventsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		dead, err := a.engine.DeadLetters(cmd.Context(), limit, offset)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), dead)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tOCCURRED\tATTEMPTS\tFAILED\tERROR")
		for _, e := range dead {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%v\t%s\n",
				e.ID, e.Type, e.OccurredAt.Format(time.RFC3339), e.AttemptCount, e.FailedHandlers(), e.LastError)
		}
		return tw.Flush()
	},
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show one event with its handler outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventID, err := id.ParseEventID(args[0])
		if err != nil {
			return err
		}
		a, err := setup(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		e, err := a.engine.Event(cmd.Context(), eventID)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), e)
	},
}

var eventsRequeueCmd = &cobra.Command{
	Use:   "requeue <event-id>...",
	Short: "Give dead events a fresh attempt budget",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]id.EventID, 0, len(args))
		for _, arg := range args {
			eventID, err := id.ParseEventID(arg)
			if err != nil {
				return err
			}
			ids = append(ids, eventID)
		}
		a, err := setup(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		for _, eventID := range ids {
			if err := a.engine.Requeue(cmd.Context(), eventID); err != nil {
				return err
			}
			cmd.Printf("requeued %s\n", eventID)
		}
		return nil
	},
}

func init() {
	f := eventsDeadCmd.Flags()
	f.Int("limit", 50, "maximum events to list")
	f.Int("offset", 0, "events to skip")
	f.Bool("json", false, "print JSON")

	eventsCmd.AddCommand(eventsDeadCmd, eventsShowCmd, eventsRequeueCmd)
}
