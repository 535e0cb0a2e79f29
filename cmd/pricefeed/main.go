// Command pricefeed runs the price-feed aggregation service: either the
// read/write API server (serve) or one exchange's edge collector
// (collect), via a cobra root command with per-command RunE functions.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const appName = "pricefeed"

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	root := &cobra.Command{
		Use:     appName,
		Short:   "Multi-exchange price feed aggregation service",
		Version: "0.1.0",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCollectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
