package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "payment-switch"

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "paymentswitch",
		Short:        "Payment switch routing intents across connector accounts",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
