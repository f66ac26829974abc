package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xraph/tollgate/id"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query and check the ledger",
}

var ledgerReconcileCmd = &cobra.Command{
	Use:   "reconcile <account-id>...",
	Short: "Compare receivable entries with invoice balances",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts := make([]id.AccountID, 0, len(args))
		for _, arg := range args {
			acct, err := id.ParseAccountID(arg)
			if err != nil {
				return err
			}
			accounts = append(accounts, acct)
		}
		a, err := setup(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		unbalanced := 0
		for _, acct := range accounts {
			rec, err := a.engine.Reconcile(cmd.Context(), acct)
			if err != nil {
				return err
			}
			if rec.Balanced() {
				cmd.Printf("%s balanced\n", acct)
				continue
			}
			unbalanced++
			cmd.Printf("%s UNBALANCED ledger=%v invoices=%v mismatched=%v\n", acct, rec.Ledger, rec.Invoices, rec.Mismatched)
		}
		if unbalanced > 0 {
			return fmt.Errorf("%d of %d accounts unbalanced", unbalanced, len(accounts))
		}
		return nil
	},
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance <account-id> <currency>",
	Short: "Print an account's receivable balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		acct, err := id.ParseAccountID(args[0])
		if err != nil {
			return err
		}
		a, err := setup(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		bal, err := a.engine.Ledger().Balance(cmd.Context(), acct, strings.ToUpper(args[1]))
		if err != nil {
			return err
		}
		cmd.Println(bal.String())
		return nil
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerReconcileCmd, ledgerBalanceCmd)
}
