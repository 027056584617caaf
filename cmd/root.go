package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pos-agent",
	Short: "Receipt capture agent for ESC/POS printer streams",
	Long: `pos-agent sits between the till software and a thermal receipt printer,
decodes the ESC/POS byte stream into transactions, stores them locally and
forwards them to the central collection endpoint.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
