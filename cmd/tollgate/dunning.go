package main

import (
	"github.com/spf13/cobra"

	"github.com/xraph/tollgate/id"
)

var dunningCmd = &cobra.Command{
	Use:   "dunning",
	Short: "Control dunning cases",
}

// caseCommand builds a command that acts on one case.
func caseCommand(use, short string, run func(cmd *cobra.Command, a *app, caseID id.DunningCaseID) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <case-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, err := id.ParseDunningCaseID(args[0])
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()
			return run(cmd, a, caseID)
		},
	}
}

var dunningPauseCmd = caseCommand("pause", "Put an open case on hold", func(cmd *cobra.Command, a *app, caseID id.DunningCaseID) error {
	if err := a.engine.Dunning().Pause(cmd.Context(), caseID); err != nil {
		return err
	}
	cmd.Printf("paused %s\n", caseID)
	return nil
})

var dunningResumeCmd = caseCommand("resume", "Reopen a paused case and evaluate it", func(cmd *cobra.Command, a *app, caseID id.DunningCaseID) error {
	exec, err := a.engine.Dunning().Resume(cmd.Context(), caseID)
	if err != nil {
		return err
	}
	if exec != nil {
		cmd.Printf("resumed %s, executed step %d (%s)\n", caseID, exec.StepIndex, exec.Step.Action)
		return nil
	}
	cmd.Printf("resumed %s\n", caseID)
	return nil
})

var dunningAbandonCmd = caseCommand("abandon", "Close a case without collecting", func(cmd *cobra.Command, a *app, caseID id.DunningCaseID) error {
	reason, _ := cmd.Flags().GetString("reason")
	if err := a.engine.Dunning().Abandon(cmd.Context(), caseID, reason); err != nil {
		return err
	}
	cmd.Printf("abandoned %s\n", caseID)
	return nil
})

var dunningScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Mark past-due invoices overdue, open cases and execute due steps once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		marked, err := a.engine.MarkOverdue(cmd.Context())
		if err != nil {
			return err
		}
		res, err := a.engine.ScanDunning(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("overdue=%d opened=%d executed=%d\n", marked, res.Opened, res.Executed)
		return nil
	},
}

func init() {
	dunningAbandonCmd.Flags().String("reason", "", "why the case is abandoned")
	dunningCmd.AddCommand(dunningPauseCmd, dunningResumeCmd, dunningAbandonCmd, dunningScanCmd)
}
