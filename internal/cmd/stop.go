package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/uploadtopi/uploadtopi/internal/console"
	"github.com/uploadtopi/uploadtopi/internal/deploy"
)

var (
	stopHost           hostFlags
	stopPurgeAutostart bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop applications started by uploadtopi on the Pi",
	Long: `Stop every process uploadtopi started on the Pi, then sync its disks.

With --purge-autostart the autostart entries are removed as well, so nothing
comes back after a reboot.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopHost.register(stopCmd, false)
	stopCmd.Flags().BoolVar(&stopPurgeAutostart, "purge-autostart", false, "also remove autostart entries")

	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	hc := stopHost.hostConfig(cmd, cfg)
	term := console.New(os.Stdout, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	term.StatusNotice(fmt.Sprintf("Connecting to %s ...", hc.Hostname))
	conn, err := dialTrusted(ctx, newDialer(cfg), hc, confirmHostKey(stopHost.acceptHostKey, os.Stdin, os.Stderr))
	if err != nil {
		deploy.Report(term, deploy.Artifact{Name: "uploadtopi"}, hc, deploy.Failed(err))
		return &exitError{code: 1}
	}
	defer conn.Close()

	seq := deploy.NewSequencer(conn, hc, deploy.Artifact{}, cfg.Bounds(), term, logger)
	if err := stopManaged(ctx, seq, stopPurgeAutostart); err != nil {
		return err
	}
	term.StatusNotice(fmt.Sprintf("Stopped managed processes on %s", hc.Hostname))
	return nil
}

// stopManaged kills managed processes, optionally purges autostart entries
// and syncs disks. Cancellation ends the command like an interrupted run.
func stopManaged(ctx context.Context, seq *deploy.Sequencer, purge bool) error {
	err := seq.StopManaged(ctx)
	if err == nil && purge {
		err = seq.RemoveAutostart(ctx)
	}
	if err == nil {
		err = seq.SyncDisks(ctx)
	}
	if errors.Is(err, deploy.ErrCancelled) {
		return &exitError{code: exitCancelled}
	}
	return err
}
