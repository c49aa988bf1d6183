package deploy

import (
	"context"
	"errors"
	"io"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc"
)

type waitResult struct {
	status int
	err    error
}

// relay copies the process output to stdout and stderr until the process
// exits or ctx is cancelled. On cancellation the process is interrupted and
// whatever error its Wait reports is swallowed in favour of ErrCancelled.
func relay(ctx context.Context, proc Process, stdout, stderr io.Writer, logger *log.Logger) (int, error) {
	var copiers conc.WaitGroup
	copiers.Go(func() { copyStream(proc.Stdout(), stdout, "stdout", logger) })
	copiers.Go(func() { copyStream(proc.Stderr(), stderr, "stderr", logger) })

	waitCh := make(chan waitResult, 1)
	go func() {
		status, err := proc.Wait()
		waitCh <- waitResult{status: status, err: err}
	}()

	select {
	case res := <-waitCh:
		// Exit status arrives after the streams reach EOF on a clean exit,
		// but drain the copiers before reporting so no output is lost.
		copiers.Wait()
		return res.status, res.err
	case <-ctx.Done():
		logger.Debug("interrupting remote process")
		if err := proc.Interrupt(); err != nil {
			logger.Debug("interrupt failed", "err", err)
		}
		res := <-waitCh
		if res.err != nil {
			logger.Debug("wait returned after interrupt", "err", res.err)
		}
		copiers.Wait()
		return -1, ErrCancelled
	}
}

func copyStream(src io.Reader, dst io.Writer, name string, logger *log.Logger) {
	if src == nil {
		return
	}
	if dst == nil {
		dst = io.Discard
	}
	if _, err := io.Copy(dst, src); err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("relay stopped", "stream", name, "err", err)
	}
}
