package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile    string
	consumersFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "spectrumreader",
		Short: "Spectrum Reader RDMA ingest daemon",
		Long:  "Run the Spectrum Reader data plane via the run subcommand",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to JSON config file")
	rootCmd.PersistentFlags().StringVar(&consumersFile, "consumers", "", "Path to consumer filter-dispatch YAML file (required)")
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
