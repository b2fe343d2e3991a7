package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ackflow",
		Short: "Ackflow - acknowledgement-aware broker relay",
		Long:  "Relays messages from Kafka, SQS, RabbitMQ or Redis Streams to a sink,\ncommitting broker positions only after downstream delivery succeeded.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env overrides)")

	rootCmd.AddCommand(
		relayCmd(),
		validateCmd(),
		initCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const version = "0.3.1"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ackflow version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ackflow", version)
		},
	}
}
