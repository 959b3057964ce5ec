package local

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/plugin"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func TestPTYLifecycle(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	rt := NewRuntime(newTestLogger())
	ctx := context.Background()

	handle, err := rt.Create(ctx, plugin.RuntimeSpec{
		Key:     "test-1",
		WorkDir: t.TempDir(),
		Command: []string{"cat"},
	})
	require.NoError(t, err)
	defer func() { _ = rt.Destroy(ctx, handle) }()

	assert.Equal(t, "test-1", handle.ID)
	assert.Equal(t, "local", handle.RuntimeName)
	assert.NotEmpty(t, handle.Data["pid"])
	require.True(t, rt.IsAlive(ctx, handle))

	require.NoError(t, rt.Send(ctx, handle, "hello fleet"))
	require.Eventually(t, func() bool {
		out, oerr := rt.Output(ctx, handle, 10)
		return oerr == nil && strings.Contains(out, "hello fleet")
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, rt.Destroy(ctx, handle))
	assert.False(t, rt.IsAlive(ctx, handle))

	// A second destroy is a no-op.
	require.NoError(t, rt.Destroy(ctx, handle))
}

func TestUnknownHandle(t *testing.T) {
	rt := NewRuntime(newTestLogger())
	ctx := context.Background()
	handle := plugin.Handle{ID: "ghost", RuntimeName: "local", Data: map[string]string{"pid": "2147483646"}}

	_, err := rt.Output(ctx, handle, 10)
	require.ErrorIs(t, err, ErrUnknownHandle)

	err = rt.Send(ctx, handle, "anyone there")
	require.ErrorIs(t, err, ErrUnknownHandle)

	assert.False(t, rt.IsAlive(ctx, handle))
	assert.NoError(t, rt.Destroy(ctx, handle))
}
