package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/daemon"
	"github.com/tapeworks/shelf/pkg/log"
	"github.com/tapeworks/shelf/pkg/xerr"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// pidfileEnv names the mandatory pidfile location for daemonized runs
const pidfileEnv = "DAEMON_PID_FILEPATH"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit codes: 17 for a
// duplicate instance, ENXIO when no device is available, 1 otherwise.
func exitCode(err error) int {
	switch {
	case errors.Is(err, xerr.EEXIST):
		return int(xerr.EEXIST)
	case errors.Is(err, xerr.ENXIO):
		return int(xerr.ENXIO)
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "shelfd",
	Short: "Shelf - local resource scheduler for removable media",
	Long: `Shelfd brokers a pool of physical drives among concurrent clients:
it mounts and unmounts removable media (LTFS tape cartridges, POSIX
directories), orders client I/O onto the available transports, and
persists device, media and lock state in the DSS metadata store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"shelfd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	runCmd.Flags().BoolP("interactive", "i", false, "Run in the foreground without a pidfile")
	runCmd.Flags().CountP("verbose", "v", "Raise log verbosity (-v info, -vv debug)")
	runCmd.Flags().StringP("config", "c", "", "Configuration file")

	configInitCmd.Flags().StringP("output", "o", "shelfd.yaml", "Where to write the default configuration")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler daemon",
	Long: `Start one scheduler per configured media family. Daemonized runs
require the ` + pidfileEnv + ` environment variable naming the pidfile;
interactive runs (-i) skip it and log to the terminal.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive, _ := cmd.Flags().GetBool("interactive")
		verbosity, _ := cmd.Flags().GetCount("verbose")
		cfgPath, _ := cmd.Flags().GetString("config")

		log.Init(log.Config{
			Level:      log.LevelFromVerbosity(verbosity),
			JSONOutput: !interactive,
		})

		var pidfile string
		if !interactive {
			pidfile = os.Getenv(pidfileEnv)
			if pidfile == "" {
				return fmt.Errorf("%s must name the pidfile for a daemonized start", pidfileEnv)
			}
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		d, err := daemon.New(cfg, Version, pidfile)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		return d.Run(ctx)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the daemon configuration",
}

var configInitCmd = &cobra.Command{
	Use:          "init",
	Short:        "Write the default configuration file",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if err := config.WriteDefault(output); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", output)
		return nil
	},
}
