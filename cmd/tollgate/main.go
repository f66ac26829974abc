// Command tollgate runs the billing workers and the operator tooling
// around them: migrations, dead-letter handling, ledger reconciliation
// and dunning case control.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "tollgate",
	Short:         "Tollgate - event-driven billing core for access networks",
	Long:          `Tollgate dispatches billing events into the ledger, runs dunning and enforces service over RADIUS.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./tollgate.yaml)")
	pf.String("store", "", "store driver: postgres or sqlite")
	pf.String("dsn", "", "store DSN or sqlite path")
	pf.String("log-format", "", "log format: text or json")
	pf.String("log-level", "", "log level: debug, info, warn, error")

	for key, flag := range map[string]string{
		"store.driver": "store",
		"store.dsn":    "dsn",
		"log.format":   "log-format",
		"log.level":    "log-level",
	} {
		if err := v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(workerCmd, migrateCmd, eventsCmd, ledgerCmd, dunningCmd, versionCmd)
}

func initConfig() {
	if err := setupViper(v, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("tollgate %s (%s)\n", Version, GitCommit)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
