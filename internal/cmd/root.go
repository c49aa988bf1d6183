package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/uploadtopi/uploadtopi/internal/config"
	"github.com/uploadtopi/uploadtopi/internal/transport"
)

var (
	cfgFile string
	debug   bool
	logger  = log.NewWithOptions(os.Stderr, log.Options{Level: log.ErrorLevel})
)

// Debug prints a message if debug mode is enabled
func Debug(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

var rootCmd = &cobra.Command{
	Use:   "uploadtopi",
	Short: "uploadtopi - deploy exported sketches to a Raspberry Pi",
	Long: `uploadtopi copies an exported application to a Raspberry Pi over SSH,
registers it to start with the desktop session and runs it, streaming its
output back to your terminal.

Deploy the project in the current directory:
  uploadtopi run

Redeploy whenever the project changes:
  uploadtopi run --watch

Stop what was started and inspect past runs:
  uploadtopi stop
  uploadtopi ps
  uploadtopi prune`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError ends the process with code without printing anything further.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

func init() {
	cobra.OnInitialize(initLogging)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.uploadtopi/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initLogging() {
	if debug {
		logger.SetLevel(log.DebugLevel)
		logger.SetReportTimestamp(true)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	Debug("Config loaded from %s", cfg.Path())
	return cfg, nil
}

func newDialer(cfg *config.Config) *transport.Dialer {
	return &transport.Dialer{
		KnownHostsPath: cfg.SSH.KnownHosts,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		KeepAlive:      cfg.SSH.KeepAlive,
		Logger:         logger,
	}
}
