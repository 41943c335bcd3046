// Command dopplerctl is a local CLI front end for the doppler engine,
// grounded on the teacher's cmd.NewCLI: cobra subcommands, a
// tablewriter listing, and plain stdout progress lines in place of
// the teacher's terminal progress bars (this engine runs headless,
// with no registry auth or multi-runner scheduling to drive).
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/dreamer-doppler/doppler/device"
	"github.com/dreamer-doppler/doppler/envconfig"
	"github.com/dreamer-doppler/doppler/store"
)

func newCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "dopplerctl",
		Short:         "Inspect and drive a local doppler model store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newPullCmd(),
		newListCmd(),
		newRmCmd(),
		newRunCmd(),
		newServeCmd(),
	)

	return rootCmd
}

// openStore opens the on-disk shard store rooted at
// envconfig.ModelsDir, creating it on first use.
func openStore() (*store.Disk, error) {
	dir := envconfig.ModelsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	return store.Open(dir)
}

func openCheckpoint() (*store.Checkpoint, error) {
	dir := envconfig.ModelsDir()
	return store.OpenCheckpoint(dir)
}

var _ device.Probe = device.CPUProbe{}

func main() {
	if err := newCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
