// Package cli provides the command-line interface for locate.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"locate-go/config"
	"locate-go/fusion"
	"locate-go/logging"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configPath string
	logLevel   string
	logFile    string

	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "locate",
	Short: "BLE RSSI indoor localization engine",
	Long: `Locate estimates 2D positions of BLE devices from RSSI readings reported by
fixed anchors over MQTT or NATS, and serves them over HTTP and websocket.

Configuration comes from an optional YAML file, then LOCATE_* environment
variables, then flags.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-file") {
			cfg.LogFile = logFile
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, closeLog = logging.Setup(cfg.LogFile, logging.ParseLevel(cfg.LogLevel))
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(fuseCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(anchorsCmd)
}

// newEngine builds an engine from the loaded configuration. now may be nil.
func newEngine(c config.Config, log *slog.Logger, now func() time.Time) (*fusion.Engine, error) {
	solver, err := fusion.SolverByName(c.Engine.Solver)
	if err != nil {
		return nil, err
	}
	opts := fusion.DefaultOptions()
	opts.Staleness = c.Engine.Staleness
	opts.Inactivity = c.Engine.Inactivity
	opts.Solver = solver
	opts.Params = c.PathLoss()
	opts.Floors = fusion.NewFloors(c.Engine.Floors)
	opts.Logger = log
	if now != nil {
		opts.Now = now
	}
	return fusion.NewEngine(opts), nil
}
