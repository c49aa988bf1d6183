package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/uploadtopi/uploadtopi/internal/config"
	"github.com/uploadtopi/uploadtopi/internal/console"
	"github.com/uploadtopi/uploadtopi/internal/deploy"
	"github.com/uploadtopi/uploadtopi/internal/export"
	"github.com/uploadtopi/uploadtopi/internal/runs"
	"github.com/uploadtopi/uploadtopi/internal/watch"
)

// exitCancelled mirrors a shell's exit code for SIGINT.
const exitCancelled = 130

var (
	runHost  hostFlags
	runName  string
	runWatch bool
)

var runCmd = &cobra.Command{
	Use:   "run [project]",
	Short: "Deploy a project to the Pi and run it",
	Long: `Deploy the exported application of a project to the Pi and run it.

The previously started instance is stopped, the application is uploaded,
registered with the desktop autostart and launched. Its output is streamed
until it exits or you press Ctrl-C.

Examples:
  uploadtopi run                          # uses current directory
  uploadtopi run ~/sketchbook/sketchA
  uploadtopi run --host 10.0.0.5 --persistent=false
  uploadtopi run --watch`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runHost.register(runCmd, true)
	runCmd.Flags().StringVarP(&runName, "name", "n", "", "artifact name (default: project directory name)")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "redeploy whenever the project changes")

	rootCmd.AddCommand(runCmd)
}

// session bundles what one invocation of run needs.
type session struct {
	orch     *deploy.Orchestrator
	exporter *export.Exporter
	console  *console.Terminal
	store    *runs.Store
	host     deploy.HostConfig
	project  string

	// trackers persist the outcome of every started run
	trackers conc.WaitGroup
}

func runRun(cmd *cobra.Command, args []string) error {
	projectDir := "."
	if len(args) == 1 {
		projectDir = args[0]
	}
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("failed to resolve project directory: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := newSession(cmd, cfg, projectDir)
	if err != nil {
		return err
	}
	defer s.trackers.Wait()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runWatch {
		return s.watch(ctx, cfg)
	}

	run, outcome := s.start(ctx)
	if run != nil {
		outcome = run.Wait()
	}
	return exitFor(outcome)
}

func newSession(cmd *cobra.Command, cfg *config.Config, projectDir string) (*session, error) {
	term := console.New(os.Stdout, os.Stderr)

	orch, err := deploy.New(deploy.Options{
		Transport:     newDialer(cfg),
		Console:       term,
		Logger:        logger,
		Bounds:        cfg.Bounds(),
		AcceptHostKey: confirmHostKey(runHost.acceptHostKey, os.Stdin, os.Stderr),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	store, err := runs.NewStore()
	if err != nil {
		logger.Warn("run history disabled", "err", err)
		store = nil
	}

	return &session{
		orch: orch,
		exporter: &export.Exporter{
			Dir:     cfg.Export.Dir,
			Command: cfg.Export.Command,
			Stdout:  term.Stdout(),
			Stderr:  term.Stderr(),
			Logger:  logger,
		},
		console: term,
		store:   store,
		host:    runHost.hostConfig(cmd, cfg),
		project: projectDir,
	}, nil
}

// start exports the project and starts a deployment, superseding any active
// one. A nil run comes with the outcome that prevented it.
func (s *session) start(ctx context.Context) (*deploy.Run, deploy.Outcome) {
	artifact, err := s.exporter.Export(ctx, s.project, runName)
	if err != nil {
		name := runName
		if name == "" {
			name = filepath.Base(s.project)
		}
		outcome := deploy.Failed(err)
		deploy.Report(s.console, deploy.Artifact{LocalPath: s.project, Name: name}, s.host, outcome)
		return nil, outcome
	}
	Debug("Exported %s from %s", artifact.Name, artifact.LocalPath)

	run, err := s.orch.Start(ctx, artifact, s.host)
	if err != nil {
		outcome := deploy.Failed(err)
		deploy.Report(s.console, artifact, s.host, outcome)
		return nil, outcome
	}
	s.track(run)
	return run, deploy.Outcome{}
}

func (s *session) track(run *deploy.Run) {
	if s.store == nil {
		return
	}
	record := runs.NewRecord(run)
	if err := s.store.Save(record); err != nil {
		logger.Warn("failed to record run", "run", run.ID(), "err", err)
		return
	}
	s.trackers.Go(func() {
		record.Finish(run.Wait(), time.Now())
		if err := s.store.Save(record); err != nil {
			logger.Warn("failed to record run", "run", run.ID(), "err", err)
		}
	})
}

// watch deploys now and again after every change to the project until ctx
// is cancelled.
func (s *session) watch(ctx context.Context, cfg *config.Config) error {
	ignore := []string{cfg.Export.Dir}
	if !filepath.IsAbs(cfg.Export.Dir) {
		ignore[0] = filepath.Join(s.project, cfg.Export.Dir)
	}
	w, err := watch.New(s.project, watch.DefaultDebounce, ignore, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	changes := make(chan struct{}, 1)
	var watcher conc.WaitGroup
	watchCtx, stopWatching := context.WithCancel(ctx)
	watcher.Go(func() {
		if err := w.Run(watchCtx, func(batch []watch.Change) {
			Debug("%d path(s) changed, first %s", len(batch), batch[0].Path)
			select {
			case changes <- struct{}{}:
			default:
			}
		}); err != nil {
			logger.Warn("watcher stopped", "err", err)
		}
	})
	defer watcher.Wait()
	defer stopWatching()

	s.console.StatusNotice(fmt.Sprintf("Watching %s for changes", s.project))
	s.start(ctx)
	for {
		select {
		case <-ctx.Done():
			s.orch.Cancel()
			if run := s.orch.Current(); run != nil {
				run.Wait()
			}
			return &exitError{code: exitCancelled}
		case <-changes:
			s.start(ctx)
		}
	}
}

func exitFor(o deploy.Outcome) error {
	switch o.Result {
	case deploy.ResultSuccess:
		return nil
	case deploy.ResultCancelled:
		return &exitError{code: exitCancelled}
	default:
		return &exitError{code: 1}
	}
}
