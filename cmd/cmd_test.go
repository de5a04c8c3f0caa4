// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/config"
	"github.com/xkilldash9x/agentd/internal/transport/local"
)

// executeCommandNoPreRun is for testing argument and flag validation without
// triggering the config loading in PersistentPreRunE.
func executeCommandNoPreRun(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.PersistentPreRunE = nil
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// createTempConfig helper
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func findCommand(root *cobra.Command, name string) *cobra.Command {
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// captureConfig replaces the RunE of the named subcommand with one that
// records the loaded configuration.
func captureConfig(t *testing.T, root *cobra.Command, name string) **config.Config {
	t.Helper()
	sub := findCommand(root, name)
	require.NotNil(t, sub)
	var captured *config.Config
	sub.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfigFromContext(cmd.Context())
		captured = cfg
		return err
	}
	return &captured
}

func TestRootCmd_VersionFlag(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, "agentd version "+Version+"\n", out.String())
}

func TestRunCmd_RequiredArgs(t *testing.T) {
	output, err := executeCommandNoPreRun(t, "run")
	require.Error(t, err)
	assert.Contains(t, output, "requires at least 1 arg(s), only received 0")
}

func TestServeCmd_RejectsArgs(t *testing.T) {
	_, err := executeCommandNoPreRun(t, "serve", "extra")
	assert.Error(t, err)
}

func TestConfigFileAndEnvOverride(t *testing.T) {
	t.Setenv("AGENTD_MODEL_API_KEY", "from-env")
	t.Setenv("AGENTD_AGENT_MAX_LOOPS", "7")
	configFile := createTempConfig(t, `
model:
  provider: openai
  name: ui-tars
  base_url: http://localhost:8000/v1
operator:
  kind: computer
server:
  addr: 127.0.0.1:9999
`)

	root := NewRootCommand()
	captured := captureConfig(t, root, "serve")
	root.SetArgs([]string{"--config", configFile, "--log-level", "debug", "serve"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	cfg := *captured
	require.NotNil(t, cfg)
	assert.Equal(t, "ui-tars", cfg.Model.Name)
	assert.Equal(t, "from-env", cfg.Model.APIKey)
	assert.Equal(t, 7, cfg.Agent.MaxLoops)
	assert.Equal(t, config.OperatorComputer, cfg.Operator.Kind)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestConfigValidationFailure(t *testing.T) {
	configFile := createTempConfig(t, `
operator:
  kind: teleporter
`)
	root := NewRootCommand()
	captureConfig(t, root, "serve")
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"--config", configFile, "serve"})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleporter")
}

func TestMissingExplicitConfigFile(t *testing.T) {
	root := NewRootCommand()
	captureConfig(t, root, "serve")
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "serve"})

	err := root.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "error reading config file")
}

func TestGetConfigFromContext_Missing(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)
}

type runnerFunc func(ctx context.Context, sessionID, input string) (*schemas.RunResult, error)

func (f runnerFunc) RunQuery(ctx context.Context, sessionID, input string) (*schemas.RunResult, error) {
	return f(ctx, sessionID, input)
}

func TestRunInstruction(t *testing.T) {
	ctx := context.Background()

	t.Run("completed", func(t *testing.T) {
		res, err := runInstruction(ctx, runnerFunc(func(_ context.Context, id, input string) (*schemas.RunResult, error) {
			assert.Equal(t, "open settings", input)
			return &schemas.RunResult{SessionID: id, Status: schemas.StatusEnd, Iterations: 2}, nil
		}), "s1", "open settings")
		require.NoError(t, err)
		assert.Equal(t, 2, res.Iterations)
	})

	t.Run("abort is not an error", func(t *testing.T) {
		res, err := runInstruction(ctx, runnerFunc(func(_ context.Context, id, _ string) (*schemas.RunResult, error) {
			return &schemas.RunResult{SessionID: id, Status: schemas.StatusEnd, Err: &schemas.AbortedError{}}, nil
		}), "s1", "x")
		require.NoError(t, err)
		assert.NoError(t, res.Err)
	})

	t.Run("failed run keeps its error", func(t *testing.T) {
		boom := errors.New("boom")
		res, err := runInstruction(ctx, runnerFunc(func(_ context.Context, id, _ string) (*schemas.RunResult, error) {
			return &schemas.RunResult{SessionID: id, Status: schemas.StatusError, Err: boom}, nil
		}), "s1", "x")
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err, boom)
	})

	t.Run("busy", func(t *testing.T) {
		_, err := runInstruction(ctx, runnerFunc(func(_ context.Context, id, _ string) (*schemas.RunResult, error) {
			return &schemas.RunResult{SessionID: id, Busy: true}, nil
		}), "s1", "x")
		assert.ErrorIs(t, err, schemas.ErrSessionBusy)
	})

	t.Run("refused", func(t *testing.T) {
		_, err := runInstruction(ctx, runnerFunc(func(context.Context, string, string) (*schemas.RunResult, error) {
			return nil, &schemas.PermissionError{Missing: []string{"accessibility"}}
		}), "s1", "x")
		var permErr *schemas.PermissionError
		assert.ErrorAs(t, err, &permErr)
	})
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   schemas.Event
		want string
	}{
		{"status", schemas.Event{Payload: schemas.StatusPayload{Status: schemas.StatusRunning, Previous: schemas.StatusInit}}, "[status] INIT -> RUNNING"},
		{"thinking", schemas.Event{Payload: schemas.ThinkingPayload{Iteration: 1, Action: schemas.Action{Type: "type", Inputs: map[string]interface{}{"text": "hi"}}}}, `[1] type {"text":"hi"}`},
		{"thinking without inputs", schemas.Event{Payload: schemas.ThinkingPayload{Iteration: 1, Action: schemas.Action{Type: "finished"}}}, "[1] finished "},
		{"failed action", schemas.Event{Payload: schemas.ActionResultPayload{Iteration: 2, Action: schemas.Action{Type: "click"}, Result: schemas.ActionResult{Status: schemas.ResultFailed, ErrorCode: "TIMEOUT", ErrorMessage: "too slow"}}}, "[2] click failed: TIMEOUT too slow"},
		{"successful action", schemas.Event{Payload: schemas.ActionResultPayload{Result: schemas.ActionResult{Status: schemas.ResultSuccess}}}, ""},
		{"progress", schemas.Event{Payload: schemas.ProgressPayload{Iteration: 3, MaxLoops: 10}}, "[progress] 3/10"},
		{"aborted", schemas.Event{Payload: schemas.AbortPayload{Iteration: 4}}, "[aborted] during iteration 4"},
		{"error entry", schemas.Event{Payload: schemas.HistoryPayload{Entry: schemas.ConversationEntry{Error: &schemas.EntryError{Code: "MODEL_ERROR", Message: "down"}}}}, "[error] MODEL_ERROR: down"},
		{"plain entry", schemas.Event{Payload: schemas.HistoryPayload{}}, ""},
		{"no payload", schemas.Event{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.ev))
		})
	}
}

func TestPrintDeltas_FiltersOtherSessions(t *testing.T) {
	deltas := make(chan local.StateDelta, 3)
	deltas <- local.StateDelta{Event: schemas.Event{SessionID: "other", Payload: schemas.ProgressPayload{Iteration: 9, MaxLoops: 9}}}
	deltas <- local.StateDelta{Event: schemas.Event{SessionID: "s1", Payload: schemas.ProgressPayload{Iteration: 1, MaxLoops: 5}}}
	deltas <- local.StateDelta{Event: schemas.Event{SessionID: "s1", Payload: schemas.HistoryPayload{}}}
	close(deltas)

	var out bytes.Buffer
	printDeltas(&out, "s1", deltas)
	assert.Equal(t, "[progress] 1/5", strings.TrimSpace(out.String()))
}

func TestHostPermissions(t *testing.T) {
	checker := hostPermissions(nil)
	var permErr *schemas.PermissionError
	require.ErrorAs(t, checker.Check(context.Background(), config.OperatorComputer), &permErr)
	assert.Contains(t, permErr.Missing, "accessibility")
	assert.NoError(t, checker.Check(context.Background(), config.OperatorBrowser))
}
