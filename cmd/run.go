// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/observability"
	"github.com/xkilldash9x/agentd/internal/session"
	"github.com/xkilldash9x/agentd/internal/transport/local"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newRunCmd creates the `run` command: a single in-process run whose progress
// is printed from the local state store.
func newRunCmd() *cobra.Command {
	var (
		sessionID    string
		operatorKind string
		quiet        bool
	)
	runCmd := &cobra.Command{
		Use:   "run [instruction...]",
		Short: "Runs one instruction to completion in a local session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := shutdownContext(cfg)
				defer cancel()
				comps.Shutdown(shutdownCtx)
			}()

			if operatorKind != "" {
				if _, err := comps.Manager.CreateSession(ctx, sessionID, session.Options{OperatorKind: operatorKind}); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			state := local.NewStore(logger, comps.Manager, comps.Bridge)
			defer state.Close()

			var wg sync.WaitGroup
			if !quiet {
				watchCtx, stopWatching := context.WithCancel(context.Background())
				deltas := state.Subscribe(watchCtx)
				wg.Add(1)
				go func() {
					defer wg.Done()
					printDeltas(out, sessionID, deltas)
				}()
				defer func() {
					stopWatching()
					wg.Wait()
				}()
			}

			res, err := runInstruction(ctx, comps.Manager, sessionID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "session %s finished: %s after %d iteration(s)\n", res.SessionID, res.Status, res.Iterations)
			return res.Err
		},
	}
	runCmd.Flags().StringVar(&sessionID, "session", "", "session id (default: a new random id)")
	runCmd.Flags().StringVar(&operatorKind, "operator", "", "operator kind for the session (computer or browser)")
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the final result")
	return runCmd
}

// queryRunner is the part of the session manager the run command needs.
type queryRunner interface {
	RunQuery(ctx context.Context, sessionID, input string) (*schemas.RunResult, error)
}

// runInstruction executes the run and turns its outcome into a command
// result. An interrupted run is not an error.
func runInstruction(ctx context.Context, runner queryRunner, sessionID, instruction string) (*schemas.RunResult, error) {
	res, err := runner.RunQuery(ctx, sessionID, instruction)
	if err != nil {
		return nil, err
	}
	if res.Busy {
		return nil, schemas.ErrSessionBusy
	}
	var aborted *schemas.AbortedError
	if errors.As(res.Err, &aborted) {
		res.Err = nil
	}
	return res, nil
}

func printDeltas(w io.Writer, sessionID string, deltas <-chan local.StateDelta) {
	for d := range deltas {
		if d.Event.SessionID != sessionID {
			continue
		}
		if line := formatEvent(d.Event); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}

// formatEvent renders one event as a single line, or "" for events not worth
// printing.
func formatEvent(ev schemas.Event) string {
	switch p := ev.Payload.(type) {
	case schemas.StatusPayload:
		return fmt.Sprintf("[status] %s -> %s", p.Previous, p.Status)
	case schemas.ThinkingPayload:
		return fmt.Sprintf("[%d] %s %s", p.Iteration, p.Action.Type, formatInputs(p.Action.Inputs))
	case schemas.ActionResultPayload:
		if p.Result.Failed() {
			return fmt.Sprintf("[%d] %s failed: %s %s", p.Iteration, p.Action.Type, p.Result.ErrorCode, p.Result.ErrorMessage)
		}
		return ""
	case schemas.ProgressPayload:
		return fmt.Sprintf("[progress] %d/%d", p.Iteration, p.MaxLoops)
	case schemas.AbortPayload:
		return fmt.Sprintf("[aborted] during iteration %d", p.Iteration)
	case schemas.HistoryPayload:
		if p.Entry.IsError() {
			return fmt.Sprintf("[error] %s: %s", p.Entry.Error.Code, p.Entry.Error.Message)
		}
		return ""
	}
	return ""
}

func formatInputs(inputs map[string]interface{}) string {
	if len(inputs) == 0 {
		return ""
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return ""
	}
	return string(raw)
}
