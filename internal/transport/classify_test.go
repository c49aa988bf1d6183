package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uploadtopi/uploadtopi/internal/deploy"
	"golang.org/x/crypto/ssh"
)

func TestReasonFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want deploy.ConnectReason
	}{
		{
			name: "dns",
			err:  &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "pi.invalid", IsNotFound: true}},
			want: deploy.ReasonUnknownHost,
		},
		{
			name: "dns timeout",
			err:  &net.DNSError{Err: "timeout", Name: "pi.local", IsTimeout: true},
			want: deploy.ReasonTimeout,
		},
		{
			name: "refused",
			err:  &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			want: deploy.ReasonConnectionRefused,
		},
		{
			name: "deadline",
			err:  fmt.Errorf("dial: %w", context.DeadlineExceeded),
			want: deploy.ReasonTimeout,
		},
		{
			name: "io timeout",
			err:  &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded},
			want: deploy.ReasonTimeout,
		},
		{
			name: "auth",
			err:  errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"),
			want: deploy.ReasonAuthRejected,
		},
		{
			name: "other",
			err:  errors.New("ssh: handshake failed: EOF"),
			want: deploy.ReasonOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reasonFor(tt.err))
		})
	}
}

func TestClassifyPrefersHostKeyFailure(t *testing.T) {
	hostKey := &deploy.ConnectError{Reason: deploy.ReasonUnknownHostKey, Fingerprint: "SHA256:abc"}
	cause := errors.New("ssh: handshake failed")

	got := classify("pi.local", cause, hostKey)

	assert.Equal(t, deploy.ReasonUnknownHostKey, got.Reason)
	assert.Equal(t, "pi.local", got.Host)
	assert.ErrorIs(t, got, cause)
}

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestHostKeyCheck(t *testing.T) {
	remote := &net.TCPAddr{IP: net.ParseIP("192.168.1.20"), Port: 22}
	hostname := "raspberrypi.local:22"
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	key := newHostKey(t)
	fingerprint := ssh.FingerprintSHA256(key)

	t.Run("unknown key is refused with its fingerprint", func(t *testing.T) {
		check := &hostKeyCheck{knownHostsPath: knownHosts}
		err := check.callback(hostname, remote, key)

		var connErr *deploy.ConnectError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, deploy.ReasonUnknownHostKey, connErr.Reason)
		assert.Equal(t, fingerprint, connErr.Fingerprint)
		assert.Same(t, connErr, check.failure)
	})

	t.Run("accepted fingerprint is recorded", func(t *testing.T) {
		check := &hostKeyCheck{knownHostsPath: knownHosts, accepted: fingerprint}
		require.NoError(t, check.callback(hostname, remote, key))

		data, err := os.ReadFile(knownHosts)
		require.NoError(t, err)
		assert.Contains(t, string(data), "raspberrypi.local ssh-ed25519 ")
	})

	t.Run("recorded key is trusted", func(t *testing.T) {
		check := &hostKeyCheck{knownHostsPath: knownHosts}
		assert.NoError(t, check.callback(hostname, remote, key))
		assert.Nil(t, check.failure)
	})

	t.Run("changed key is a mismatch", func(t *testing.T) {
		other := newHostKey(t)
		check := &hostKeyCheck{knownHostsPath: knownHosts, accepted: ssh.FingerprintSHA256(other)}
		err := check.callback(hostname, remote, other)

		var connErr *deploy.ConnectError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, deploy.ReasonHostKeyMismatch, connErr.Reason)
	})

	t.Run("wrong accepted fingerprint is refused", func(t *testing.T) {
		check := &hostKeyCheck{knownHostsPath: filepath.Join(t.TempDir(), "known_hosts"), accepted: "SHA256:nope"}
		err := check.callback(hostname, remote, key)

		var connErr *deploy.ConnectError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, deploy.ReasonUnknownHostKey, connErr.Reason)
	})
}
