package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/uploadtopi/uploadtopi/internal/deploy"
)

// BuildHint follows a build command that exited non-zero.
const BuildHint = "Check the build output above for syntax errors and try again."

// Exporter produces an Artifact from a project directory.
type Exporter struct {
	// Dir is the exported tree, relative to the project unless absolute.
	Dir string
	// Command, when set, is run through sh in the project directory first.
	Command string

	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger
}

// Export builds the project if a command is configured and locates the
// exported tree. name defaults to the project directory's base name. Every
// failure is an *deploy.ExportError.
func (e *Exporter) Export(ctx context.Context, projectDir, name string) (deploy.Artifact, error) {
	projectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return deploy.Artifact{}, &deploy.ExportError{Err: err}
	}
	if name == "" {
		name = filepath.Base(projectDir)
	}

	if e.Command != "" {
		if err := e.build(ctx, projectDir); err != nil {
			return deploy.Artifact{}, &deploy.ExportError{Err: err}
		}
	}

	dir := e.Dir
	if dir == "" {
		dir = "."
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(projectDir, dir)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return deploy.Artifact{}, &deploy.ExportError{Err: fmt.Errorf("no exported application at %s: %w", dir, err)}
	}
	if !info.IsDir() {
		return deploy.Artifact{}, &deploy.ExportError{Err: fmt.Errorf("%s is not a directory", dir)}
	}
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		return deploy.Artifact{}, &deploy.ExportError{Err: fmt.Errorf("executable %s missing from %s", name, dir)}
	}

	artifact := deploy.Artifact{LocalPath: dir, Name: name}
	if err := artifact.Validate(); err != nil {
		return deploy.Artifact{}, &deploy.ExportError{Err: err}
	}
	return artifact, nil
}

func (e *Exporter) build(ctx context.Context, projectDir string) error {
	logger := e.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger.Debug("running build command", "command", e.Command, "dir", projectDir)

	cmd := exec.CommandContext(ctx, "sh", "-c", e.Command)
	cmd.Dir = projectDir
	cmd.Stdout = orDiscard(e.Stdout)
	cmd.Stderr = orDiscard(e.Stderr)

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(cmd.Stderr, BuildHint)
		return fmt.Errorf("build command exited with status %d", exitErr.ExitCode())
	}
	return fmt.Errorf("failed to run build command: %w", err)
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
