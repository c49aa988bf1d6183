package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/uploadtopi/uploadtopi/internal/deploy"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// hostKeyCheck verifies host keys against known_hosts. Keys that are not
// listed are refused with an UnknownHostKey error carrying the fingerprint,
// unless the caller already accepted that fingerprint, in which case the key
// is trusted and appended to known_hosts.
type hostKeyCheck struct {
	knownHostsPath string
	accepted       string

	// failure records why the last callback refused a key, since
	// ssh.NewClientConn wraps callback errors in plain text.
	failure *deploy.ConnectError
}

func (h *hostKeyCheck) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)

	known, err := h.knownHosts()
	if err != nil {
		return err
	}
	if known != nil {
		err := known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			h.failure = &deploy.ConnectError{
				Reason:      deploy.ReasonHostKeyMismatch,
				Fingerprint: fingerprint,
				Err:         err,
			}
			return h.failure
		}
	}

	if h.accepted != "" && h.accepted == fingerprint {
		if err := h.remember(hostname, key); err != nil {
			return fmt.Errorf("failed to record host key: %w", err)
		}
		return nil
	}

	h.failure = &deploy.ConnectError{
		Reason:      deploy.ReasonUnknownHostKey,
		Fingerprint: fingerprint,
	}
	return h.failure
}

// knownHosts returns nil when there is no known_hosts file yet.
func (h *hostKeyCheck) knownHosts() (ssh.HostKeyCallback, error) {
	if h.knownHostsPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(h.knownHostsPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	callback, err := knownhosts.New(h.knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", h.knownHostsPath, err)
	}
	return callback, nil
}

func (h *hostKeyCheck) remember(hostname string, key ssh.PublicKey) error {
	if h.knownHostsPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.knownHostsPath), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(h.knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return err
	}
	return f.Close()
}
