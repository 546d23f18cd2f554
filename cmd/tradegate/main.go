// TradeGate is a human-in-the-loop oversight engine for trading decisions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradegate",
	Short: "TradeGate: human oversight engine for high-risk trading actions.",
	Long: `TradeGate gates high-risk trading actions behind human approval. Proposed
actions are evaluated against configurable risk policies; actions that trip a
trigger are held in an oversight request until approvers reach quorum, a veto
lands, or the approval window times out and the escalation policy takes over.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
