// File: internal/provider/process.go
package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"
)

// killWait bounds how long teardown waits for a killed provider to be reaped.
const killWait = 2 * time.Second

// process tracks the OS process behind a stdio provider. The mcp-go stdio
// transport owns the pipes and reaps the child; process only adds the ability
// to kill the provider's whole process group.
type process struct {
	cmd *exec.Cmd
}

// kill terminates the provider and every process it spawned.
func (p *process) kill() {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	killTree(p.cmd)
}

// logStderr forwards a provider's stderr to the logger line by line until it closes.
func logStderr(r io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("provider stderr", zap.String("line", scanner.Text()))
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// connect is the production connector. In-process specs attach directly to the
// server; everything else is launched through the mcp-go stdio client.
// waitDelay bounds how long reaping a dead provider may wait on its pipes.
func connect(logger *zap.Logger, waitDelay time.Duration) connector {
	return func(ctx context.Context, spec Spec) (mcpClient, *process, error) {
		if spec.InProcess != nil {
			c, err := client.NewInProcessClient(spec.InProcess)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create in-process client: %w", err)
			}
			if err := c.Start(ctx); err != nil {
				_ = c.Close()
				return nil, nil, fmt.Errorf("failed to start in-process client: %w", err)
			}
			return c, nil, nil
		}

		if strings.TrimSpace(spec.Command) == "" {
			return nil, nil, fmt.Errorf("no command configured")
		}

		proc := &process{}
		// The process must outlive the startup context, so it is not bound to ctx.
		build := func(_ context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.Command(command, args...)
			cmd.Env = append(os.Environ(), env...)
			cmd.WaitDelay = waitDelay
			configureCommand(cmd)
			proc.cmd = cmd
			return cmd, nil
		}
		c, err := client.NewStdioMCPClientWithOptions(spec.Command, envList(spec.Env), spec.Args, transport.WithCommandFunc(build))
		if err != nil {
			proc.kill()
			return nil, nil, fmt.Errorf("failed to start %q: %w", spec.Command, err)
		}
		if stderr, ok := client.GetStderr(c); ok && stderr != nil {
			go logStderr(stderr, logger.With(zap.String("provider", spec.Name)))
		}
		return c, proc, nil
	}
}
