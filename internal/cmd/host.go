package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/uploadtopi/uploadtopi/internal/config"
	"github.com/uploadtopi/uploadtopi/internal/deploy"
	"golang.org/x/term"
)

// hostFlags override the configured host for one invocation.
type hostFlags struct {
	host          string
	user          string
	port          int
	persistent    bool
	autostart     bool
	logging       bool
	stream        bool
	acceptHostKey bool
}

func (f *hostFlags) register(cmd *cobra.Command, deployment bool) {
	cmd.Flags().StringVarP(&f.host, "host", "H", "", "hostname or address of the Pi (default from config)")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "SSH username (default from config)")
	cmd.Flags().IntVarP(&f.port, "port", "P", deploy.DefaultPort, "SSH port")
	cmd.Flags().BoolVar(&f.acceptHostKey, "accept-host-key", false, "trust an unknown host key without asking")
	cmd.Flags().BoolVar(&f.persistent, "persistent", true, "deploy under the home directory instead of /tmp")
	if !deployment {
		return
	}
	cmd.Flags().BoolVar(&f.autostart, "autostart", true, "start the application with the desktop session")
	cmd.Flags().BoolVar(&f.logging, "logging", true, "write autostart output to a log file next to the executable")
	cmd.Flags().BoolVar(&f.stream, "stream", true, "show the application's output")
}

// hostConfig resolves cfg and applies the flags the user actually set.
func (f *hostFlags) hostConfig(cmd *cobra.Command, cfg *config.Config) deploy.HostConfig {
	hc := cfg.HostConfig()
	flags := cmd.Flags()

	if flags.Changed("host") {
		hc.Hostname = f.host
	}
	if flags.Changed("user") {
		hc.Username = f.user
	}
	if flags.Changed("host") || flags.Changed("user") {
		hc.Secret = cfg.SecretFor(hc.Username, hc.Hostname)
	}
	if flags.Changed("port") {
		hc.Port = f.port
	}
	if flags.Changed("persistent") {
		hc.Persistent = f.persistent
	}
	if flags.Changed("autostart") {
		hc.Autostart = f.autostart
	}
	if flags.Changed("logging") {
		hc.Logging = f.logging
	}
	if flags.Changed("stream") {
		hc.StreamOutput = f.stream
	}
	return hc
}

// confirmHostKey accepts unknown host keys when forced, otherwise asks on an
// interactive terminal. Changed keys are never accepted.
func confirmHostKey(force bool, in *os.File, out io.Writer) deploy.HostKeyDecision {
	return func(ctx context.Context, err *deploy.ConnectError) bool {
		if err.Reason != deploy.ReasonUnknownHostKey {
			return false
		}
		if force {
			return true
		}
		if !term.IsTerminal(int(in.Fd())) {
			fmt.Fprintf(out, "Host key for %s is not known. Re-run with --accept-host-key to trust %s\n", err.Host, err.Fingerprint)
			return false
		}
		return askHostKey(ctx, in, out, err)
	}
}

// askHostKey prompts on out and reads the answer from in. A cancelled ctx
// counts as no.
func askHostKey(ctx context.Context, in io.Reader, out io.Writer, err *deploy.ConnectError) bool {
	fmt.Fprintf(out, "The authenticity of host %s can't be established.\n", err.Host)
	fmt.Fprintf(out, "Key fingerprint is %s.\n", err.Fingerprint)
	fmt.Fprint(out, "Are you sure you want to continue connecting (yes/no)? ")

	answers := make(chan string, 1)
	go func() {
		answer, readErr := bufio.NewReader(in).ReadString('\n')
		if readErr != nil && answer == "" {
			close(answers)
			return
		}
		answers <- answer
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(out)
		return false
	case answer := <-answers:
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	}
}

// dialTrusted dials hc and retries once after the user accepts an unknown
// host key.
func dialTrusted(ctx context.Context, transport deploy.Transport, hc deploy.HostConfig, decide deploy.HostKeyDecision) (deploy.Conn, error) {
	conn, err := transport.Dial(ctx, hc)
	if err == nil {
		return conn, nil
	}
	var connErr *deploy.ConnectError
	if !errors.As(err, &connErr) || connErr.Reason != deploy.ReasonUnknownHostKey || !decide(ctx, connErr) {
		return nil, err
	}
	hc.AcceptedFingerprint = connErr.Fingerprint
	return transport.Dial(ctx, hc)
}
