package provider

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/agentd/api/schemas"
)

// helperModeEnv switches the test binary into a stdio MCP provider.
const (
	helperModeEnv    = "AGENTD_TEST_PROVIDER_MODE"
	helperPidFileEnv = "AGENTD_TEST_PROVIDER_PID_FILE"
)

// TestProviderHelperProcess is not a real test. It is re-executed by the
// tests below as a provider subprocess speaking MCP over stdin/stdout.
func TestProviderHelperProcess(t *testing.T) {
	mode := os.Getenv(helperModeEnv)
	if mode == "" {
		return
	}
	if mode == "spawner" {
		// A long-lived helper sharing our stderr, like the ones sh or npx leave behind.
		child := exec.Command("sleep", "30")
		child.Stderr = os.Stderr
		if err := child.Start(); err == nil {
			_ = os.WriteFile(os.Getenv(helperPidFileEnv), []byte(strconv.Itoa(child.Process.Pid)), 0o600)
		}
	}
	_ = server.ServeStdio(newTestServer())
	if mode == "stubborn" {
		// Ignores stdin closing and never exits on its own.
		time.Sleep(time.Hour)
	}
	os.Exit(0)
}

func helperSpec(name, mode string, env map[string]string) Spec {
	merged := map[string]string{helperModeEnv: mode}
	for k, v := range env {
		merged[k] = v
	}
	return Spec{
		Name:         name,
		Command:      os.Args[0],
		Args:         []string{"-test.run=^TestProviderHelperProcess$"},
		Env:          merged,
		StartTimeout: 10 * time.Second,
	}
}

func TestManager_StdioProviderRoundTrip(t *testing.T) {
	m := setupManager(t, WithGracePeriod(2*time.Second))
	h, err := m.Start(context.Background(), helperSpec("stdio", "serve", nil))
	require.NoError(t, err)
	require.NotNil(t, h.proc)
	assert.Equal(t, "test-provider", h.ServerInfo().Name)

	res, err := m.InvokeQualified(context.Background(), "stdio.echo", map[string]interface{}{"text": "over pipes"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "over pipes", res.Text)

	_, err = m.Invoke(context.Background(), h, "slow", nil, 100*time.Millisecond)
	var toolErr *schemas.ToolInvocationError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, 100*time.Millisecond, toolErr.Timeout)

	require.NoError(t, m.Stop(h))
	require.NotNil(t, h.proc.cmd.ProcessState, "provider process must be reaped by Stop")
}

func TestManager_StopKillsUnresponsiveProvider(t *testing.T) {
	grace := 100 * time.Millisecond
	m := setupManager(t, WithGracePeriod(grace))
	h, err := m.Start(context.Background(), helperSpec("stubborn", "stubborn", nil))
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, m.Stop(h))
	elapsed := time.Since(started)

	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, grace+killWait, "stop must not wait past one grace period plus the kill")
	require.NotNil(t, h.proc.cmd.ProcessState)
	assert.False(t, h.proc.cmd.ProcessState.Success())
}

func TestManager_StopAllRespectsContext(t *testing.T) {
	f := &fakeClient{closeBlock: make(chan struct{})}
	defer close(f.closeBlock)
	m := setupManager(t, withConnector(fakeConnector(f)), WithGracePeriod(time.Minute))
	_, err := m.Start(context.Background(), Spec{Name: "wedged"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	m.StopAll(ctx)
	assert.Less(t, time.Since(started), time.Second)
	assert.Empty(t, m.Names())
}
