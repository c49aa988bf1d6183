package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

// clearScreen moves the cursor home and erases the display.
const clearScreen = "\x1b[H\x1b[2J"

// Terminal shows deployment status and relayed program output in a terminal.
// Status lines go to stderr so stdout carries only the program's output.
type Terminal struct {
	stdout io.Writer
	stderr io.Writer
	status *log.Logger
	tty    bool
}

// New builds a Terminal writing to stdout and stderr.
func New(stdout, stderr io.Writer) *Terminal {
	out := &lockedWriter{w: stdout}
	errOut := &lockedWriter{w: stderr}
	return &Terminal{
		stdout: out,
		stderr: errOut,
		status: log.NewWithOptions(errOut, log.Options{Prefix: "uploadtopi"}),
		tty:    isTerminal(stdout),
	}
}

// StatusNotice shows a progress message.
func (t *Terminal) StatusNotice(msg string) { t.status.Info(msg) }

// StatusError shows a failure headline.
func (t *Terminal) StatusError(msg string) { t.status.Error(msg) }

func (t *Terminal) Stdout() io.Writer { return t.stdout }
func (t *Terminal) Stderr() io.Writer { return t.stderr }

// Clear wipes the terminal before a new run. It does nothing when stdout is
// redirected.
func (t *Terminal) Clear() {
	if t.tty {
		fmt.Fprint(t.stdout, clearScreen)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// lockedWriter serializes writes from the relay goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
