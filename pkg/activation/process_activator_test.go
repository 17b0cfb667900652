package activation

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/hostingd/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestProcessBackend_ActivateAndObserveExit(t *testing.T) {
	b := NewProcessBackend()

	h, err := b.Activate(context.Background(), types.ProcessDescription{
		ExePath:   "/bin/sh",
		Arguments: []string{"-c", "exit 0"},
	})
	require.NoError(t, err)

	select {
	case ev := <-b.SubscribeExit(h):
		require.Equal(t, 0, ev.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestProcessBackend_DeactivateUnknownHandleIsNoop(t *testing.T) {
	b := NewProcessBackend()
	err := b.Deactivate(context.Background(), Handle{ID: "does-not-exist"}, time.Second)
	require.NoError(t, err)
}
