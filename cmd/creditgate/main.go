package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "creditgate",
	Short: "Creditgate, a metered agent gateway",
	Long:  "Creditgate fronts agent capabilities with JSON-RPC and SSE streaming, authorizes every call against a credit ledger and settles what it used.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
