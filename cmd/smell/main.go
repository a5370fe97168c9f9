// Command smell records readings from the gas sensor board into rotating
// CSV batch files and inspects what has been recorded.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/smell.report/internal/config"
	"github.com/banshee-data/smell.report/internal/monitoring"
)

type globalOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "smell",
		Short: "Gas sensor acquisition and batch file tools",
		Long: `smell reads delimited sensor lines from a serial port and appends them to
rotating CSV files (BACKGROUNDdata_<N>.csv) on an output volume. The other
commands inspect the files and the run catalog.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			monitoring.SetLogger(log.Printf)
			monitoring.SetVerbose(g.verbose)
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML or JSON config file (see "+config.ExampleConfigPath+")")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log every record written")

	root.AddCommand(
		newAcquireCmd(g),
		newSummaryCmd(g),
		newPlotCmd(g),
		newFilesCmd(g),
		newPortsCmd(),
		newCatalogCmd(g),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the --config file, or returns an empty config that
// resolves to defaults.
func (g *globalOptions) loadConfig() (*config.AcquireConfig, error) {
	if g.configPath == "" {
		return &config.AcquireConfig{}, nil
	}
	return config.Load(g.configPath)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
