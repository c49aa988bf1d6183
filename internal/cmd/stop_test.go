package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uploadtopi/uploadtopi/internal/deploy"
)

func TestStopManaged(t *testing.T) {
	tests := []struct {
		name  string
		purge bool
		want  []string
	}{
		{
			name: "stop and sync",
			want: []string{"pkill", "sync"},
		},
		{
			name:  "purge autostart",
			purge: true,
			want:  []string{"pkill", "sed -i", "sync"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pi := newFakePi()
			conn, err := pi.Dial(context.Background(), deploy.DefaultHostConfig())
			require.NoError(t, err)
			seq := deploy.NewSequencer(conn, deploy.DefaultHostConfig(), deploy.Artifact{}, deploy.Bounds{}, nil, nil)

			require.NoError(t, stopManaged(context.Background(), seq, tt.purge))

			commands := pi.Commands()
			require.Len(t, commands, len(tt.want))
			for i, want := range tt.want {
				assert.Contains(t, commands[i], want)
			}
		})
	}
}

func TestStopManagedCancelled(t *testing.T) {
	pi := newFakePi()
	conn, err := pi.Dial(context.Background(), deploy.DefaultHostConfig())
	require.NoError(t, err)
	seq := deploy.NewSequencer(conn, deploy.DefaultHostConfig(), deploy.Artifact{}, deploy.Bounds{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var exit *exitError
	require.ErrorAs(t, stopManaged(ctx, seq, true), &exit)
	assert.Equal(t, exitCancelled, exit.code)
	assert.Empty(t, pi.Commands())
}
