package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uploadtopi/uploadtopi/internal/config"
	"github.com/uploadtopi/uploadtopi/internal/deploy"
	"github.com/zalando/go-keyring"
)

func TestHostFlags(t *testing.T) {
	keyring.MockInit()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	require.NoError(t, keyring.Set(config.KeyringService, "kiosk@10.0.0.5", "s3cret"))

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, hc deploy.HostConfig)
	}{
		{
			name: "no flags keeps the configuration",
			args: nil,
			check: func(t *testing.T, hc deploy.HostConfig) {
				assert.Equal(t, cfg.HostConfig(), hc)
			},
		},
		{
			name: "host and user pick up the matching keyring secret",
			args: []string{"--host", "10.0.0.5", "--user", "kiosk"},
			check: func(t *testing.T, hc deploy.HostConfig) {
				assert.Equal(t, "10.0.0.5", hc.Hostname)
				assert.Equal(t, "kiosk", hc.Username)
				assert.Equal(t, "s3cret", hc.Secret)
			},
		},
		{
			name: "switches",
			args: []string{"--persistent=false", "--autostart=false", "--logging=false", "--stream=false", "-P", "2222"},
			check: func(t *testing.T, hc deploy.HostConfig) {
				assert.False(t, hc.Persistent)
				assert.False(t, hc.Autostart)
				assert.False(t, hc.Logging)
				assert.False(t, hc.StreamOutput)
				assert.Equal(t, 2222, hc.Port)
				assert.Equal(t, "raspberry", hc.Secret)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var flags hostFlags
			cmd := &cobra.Command{Use: "test"}
			flags.register(cmd, true)
			require.NoError(t, cmd.Flags().Parse(tt.args))

			tt.check(t, flags.hostConfig(cmd, cfg))
		})
	}
}

func TestConfirmHostKey(t *testing.T) {
	in, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer in.Close()

	unknown := &deploy.ConnectError{Reason: deploy.ReasonUnknownHostKey, Host: "pi", Fingerprint: "SHA256:abc"}
	mismatch := &deploy.ConnectError{Reason: deploy.ReasonHostKeyMismatch, Host: "pi", Fingerprint: "SHA256:abc"}

	var out bytes.Buffer
	assert.True(t, confirmHostKey(true, in, &out)(context.Background(), unknown))
	assert.False(t, confirmHostKey(true, in, &out)(context.Background(), mismatch))

	// Without a terminal nothing is accepted implicitly
	assert.False(t, confirmHostKey(false, in, &out)(context.Background(), unknown))
	assert.Contains(t, out.String(), "--accept-host-key")
}

func TestAskHostKey(t *testing.T) {
	unknown := &deploy.ConnectError{Reason: deploy.ReasonUnknownHostKey, Host: "pi", Fingerprint: "SHA256:abc"}

	tests := []struct {
		answer string
		want   bool
	}{
		{answer: "yes\n", want: true},
		{answer: "Y\n", want: true},
		{answer: "no\n", want: false},
		{answer: "", want: false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.answer), func(t *testing.T) {
			var out bytes.Buffer
			got := askHostKey(context.Background(), strings.NewReader(tt.answer), &out, unknown)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "SHA256:abc")
		})
	}
}

func TestAskHostKeyCancelled(t *testing.T) {
	unknown := &deploy.ConnectError{Reason: deploy.ReasonUnknownHostKey, Host: "pi", Fingerprint: "SHA256:abc"}

	// Nobody ever types an answer.
	in, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	answered := make(chan bool, 1)
	go func() { answered <- askHostKey(ctx, in, io.Discard, unknown) }()

	cancel()
	select {
	case ok := <-answered:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("prompt ignored cancellation")
	}
}

type keyTransport struct {
	fingerprint string
	dials       []string
}

func (k *keyTransport) Dial(ctx context.Context, cfg deploy.HostConfig) (deploy.Conn, error) {
	k.dials = append(k.dials, cfg.AcceptedFingerprint)
	if cfg.AcceptedFingerprint != k.fingerprint {
		return nil, &deploy.ConnectError{Reason: deploy.ReasonUnknownHostKey, Host: cfg.Hostname, Fingerprint: k.fingerprint}
	}
	return nil, nil
}

func TestDialTrusted(t *testing.T) {
	accept := func(context.Context, *deploy.ConnectError) bool { return true }
	reject := func(context.Context, *deploy.ConnectError) bool { return false }

	t.Run("accepted key is retried once", func(t *testing.T) {
		tr := &keyTransport{fingerprint: "SHA256:abc"}
		_, err := dialTrusted(context.Background(), tr, deploy.DefaultHostConfig(), accept)
		require.NoError(t, err)
		assert.Equal(t, []string{"", "SHA256:abc"}, tr.dials)
	})

	t.Run("rejected key fails", func(t *testing.T) {
		tr := &keyTransport{fingerprint: "SHA256:abc"}
		_, err := dialTrusted(context.Background(), tr, deploy.DefaultHostConfig(), reject)
		assert.Equal(t, deploy.KindConnectFailed, deploy.Kind(err))
		assert.Len(t, tr.dials, 1)
	})
}

func TestExitFor(t *testing.T) {
	assert.NoError(t, exitFor(deploy.Success(0)))

	var exit *exitError
	require.ErrorAs(t, exitFor(deploy.Cancelled()), &exit)
	assert.Equal(t, exitCancelled, exit.code)

	require.ErrorAs(t, exitFor(deploy.Failed(&deploy.ExitError{Status: 3})), &exit)
	assert.Equal(t, 1, exit.code)
}
