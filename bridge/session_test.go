package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/vmbridge/bridge"
)

func TestSession_Lifecycle(t *testing.T) {
	ctx := context.Background()
	sb := bridge.NewSandbox(workerOptions(t, "serve")...)
	assert.Equal(t, bridge.StateDisconnected, sb.State())
	assert.Zero(t, sb.PID())

	require.NoError(t, sb.Connect(ctx))
	assert.Equal(t, bridge.StateConnected, sb.State())
	assert.NotZero(t, sb.PID())

	require.NoError(t, sb.Close())
	assert.Equal(t, bridge.StateClosed, sb.State())
}

func TestSession_OperationsBeforeConnect(t *testing.T) {
	sb := bridge.NewSandbox(workerOptions(t, "serve")...)

	_, err := sb.Run(context.Background(), "1")
	assert.ErrorIs(t, err, bridge.ErrNotConnected)
}

func TestSession_ConnectTwice(t *testing.T) {
	ctx := context.Background()
	sb := bridge.NewSandbox(workerOptions(t, "serve")...)
	require.NoError(t, sb.Connect(ctx))
	defer sb.Close()

	assert.ErrorIs(t, sb.Connect(ctx), bridge.ErrAlreadyConnected)

	// The live session is unaffected.
	v, err := sb.Run(ctx, "1 + 1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestSession_CloseTwice(t *testing.T) {
	// The hanging worker ignores the close action, so the first Close waits
	// out the shutdown timeout before killing it.
	const shutdown = 500 * time.Millisecond
	sb := bridge.NewSandbox(workerOptions(t, "hang", bridge.WithShutdownTimeout(shutdown))...)
	assert.Nil(t, sb.Done())
	require.NoError(t, sb.Connect(context.Background()))
	pid := sb.PID()

	start := time.Now()
	require.NoError(t, sb.Close())
	assert.GreaterOrEqual(t, time.Since(start), shutdown)

	select {
	case <-sb.Done():
	default:
		t.Fatal("worker still running after Close")
	}

	start = time.Now()
	require.NoError(t, sb.Close())
	assert.Less(t, time.Since(start), shutdown/2, "second Close must not terminate again")
	assert.Equal(t, pid, sb.PID())
	assert.Equal(t, bridge.StateClosed, sb.State())
}

func TestSession_CloseWithoutConnect(t *testing.T) {
	sb := bridge.NewSandbox(workerOptions(t, "serve")...)
	require.NoError(t, sb.Close())
	assert.Equal(t, bridge.StateClosed, sb.State())
}

func TestSession_UseAfterClose(t *testing.T) {
	ctx := context.Background()
	sb := bridge.NewSandbox(workerOptions(t, "serve")...)
	require.NoError(t, sb.Connect(ctx))
	require.NoError(t, sb.Close())

	_, err := sb.Run(ctx, "1")
	assert.ErrorIs(t, err, bridge.ErrClosed)

	_, err = sb.Call(ctx, "f")
	assert.ErrorIs(t, err, bridge.ErrClosed)

	assert.ErrorIs(t, sb.Connect(ctx), bridge.ErrClosed)
}

func TestSession_SpawnError(t *testing.T) {
	sb := bridge.NewSandbox(bridge.WithExecutable("non-exists-executable-vmbridge"))

	err := sb.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, bridge.IsSpawnError(err))

	var spawnErr *bridge.SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "non-exists-executable-vmbridge", spawnErr.Executable)

	assert.Equal(t, bridge.StateClosed, sb.State())
}

func TestSession_InvalidConfig(t *testing.T) {
	sb := bridge.NewSandbox(workerOptions(t, "serve", bridge.WithReadTimeout(-time.Second))...)
	err := sb.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read_timeout")
}

func TestSession_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		mode string
	}{
		{"invalid json", "garbage"},
		{"missing status", "nostatus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := bridge.NewSandbox(workerOptions(t, tt.mode)...)

			err := sb.Connect(context.Background())
			require.Error(t, err)
			assert.True(t, bridge.IsProtocolError(err), "got %v", err)
			assert.False(t, bridge.IsScriptError(err))
			assert.Equal(t, bridge.StateClosed, sb.State())
		})
	}
}

func TestSession_WorkerExitMidRequest(t *testing.T) {
	ctx := context.Background()
	sb := bridge.NewSandbox(workerOptions(t, "crash")...)
	require.NoError(t, sb.Connect(ctx))

	_, err := sb.Run(ctx, "1")
	require.Error(t, err)
	assert.True(t, bridge.IsProtocolError(err), "got %v", err)

	// The session refuses further work until closed.
	_, err = sb.Run(ctx, "1")
	assert.ErrorIs(t, err, bridge.ErrBroken)

	require.NoError(t, sb.Close())
	assert.Equal(t, bridge.StateClosed, sb.State())
}

func TestSession_ReadTimeout(t *testing.T) {
	ctx := context.Background()
	sb := bridge.NewSandbox(workerOptions(t, "hang", bridge.WithReadTimeout(200*time.Millisecond))...)
	require.NoError(t, sb.Connect(ctx))

	start := time.Now()
	_, err := sb.Run(ctx, "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrTimeout)
	assert.True(t, bridge.IsProtocolError(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	require.NoError(t, sb.Close())
}

func TestSession_ContextCancel(t *testing.T) {
	sb := bridge.NewSandbox(workerOptions(t, "hang")...)
	require.NoError(t, sb.Connect(context.Background()))
	defer sb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := sb.Run(ctx, "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, bridge.IsProtocolError(err))
}

func TestSession_CancelledContextSendsNothing(t *testing.T) {
	sb := bridge.NewSandbox(workerOptions(t, "serve")...)
	require.NoError(t, sb.Connect(context.Background()))
	defer sb.Close()

	_, err := sb.Run(context.Background(), "var count = 0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = sb.Run(ctx, "count++")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, bridge.IsProtocolError(err))
	assert.Equal(t, bridge.StateConnected, sb.State())

	// The worker is alive and the script never ran.
	v, err := sb.Run(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestSession_KillUnblocksRequest(t *testing.T) {
	sb := bridge.NewSandbox(workerOptions(t, "hang")...)
	require.NoError(t, sb.Connect(context.Background()))
	defer sb.Close()

	time.AfterFunc(100*time.Millisecond, sb.Kill)

	_, err := sb.Run(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, bridge.IsProtocolError(err))
}

func TestSession_ScriptErrorKeepsSessionUsable(t *testing.T) {
	ctx := context.Background()
	sb := bridge.NewSandbox(workerOptions(t, "serve")...)
	require.NoError(t, sb.Connect(ctx))
	defer sb.Close()

	_, err := sb.Run(ctx, "throw new Error('boom')")
	require.Error(t, err)
	assert.True(t, bridge.IsScriptError(err))

	v, err := sb.Run(ctx, "'still alive'")
	require.NoError(t, err)
	assert.Equal(t, "still alive", v)
}

func TestSession_InitCodeErrorClosesSession(t *testing.T) {
	sb := bridge.NewSandbox(workerOptions(t, "serve", bridge.WithCode("throw 'bad init'"))...)

	err := sb.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, bridge.IsScriptError(err))
	assert.Contains(t, err.Error(), "bad init")
	assert.Equal(t, bridge.StateClosed, sb.State())
}
