package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/uploadtopi/uploadtopi/internal/config"
	"golang.org/x/term"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and edit preferences",
	Long: `Show and edit the preferences stored in ~/.uploadtopi/config.yaml.

Examples:
  uploadtopi config show
  uploadtopi config set host.hostname 10.0.0.5
  uploadtopi config set host.persistent false
  uploadtopi config set-secret`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every preference",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one preference",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret",
	Short: "Store the SSH password in the OS keyring",
	Long: `Store the SSH password for the configured user and host in the OS keyring.
The keyring entry takes precedence over host.secret in the config file.`,
	Args: cobra.NoArgs,
	RunE: runConfigSetSecret,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", cfg.Path())
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, key := range cfg.Keys() {
		value, _ := cfg.Get(key)
		if key == config.SecretKey {
			value = "********"
		}
		_, _ = fmt.Fprintf(w, "%s\t%v\n", key, value)
	}
	return w.Flush()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Set(args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
	return nil
}

func runConfigSetSecret(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	prompt := fmt.Sprintf("Password for %s@%s: ", cfg.Host.Username, cfg.Host.Hostname)
	secret, err := readSecret(os.Stdin, cmd.ErrOrStderr(), prompt)
	if err != nil {
		return err
	}
	if secret == "" {
		return errors.New("empty password, nothing stored")
	}

	if err := cfg.SetSecret(secret); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Password for %s@%s stored in the keyring.\n", cfg.Host.Username, cfg.Host.Hostname)
	return nil
}

// readSecret reads a password without echo on a terminal, or one line from a
// pipe.
func readSecret(in *os.File, out io.Writer, prompt string) (string, error) {
	if term.IsTerminal(int(in.Fd())) {
		fmt.Fprint(out, prompt)
		data, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(data), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
