// File: cmd/serve.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/agentd/internal/observability"
	"github.com/xkilldash9x/agentd/internal/transport/ws"
)

// newServeCmd creates the `serve` command, which exposes sessions over the
// socket server until the process is interrupted.
func newServeCmd() *cobra.Command {
	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves sessions over WebSocket and HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
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

			server := ws.NewServer(logger, cfg.Server, comps.Manager, comps.Bridge)
			if err := server.Serve(ctx); err != nil {
				return fmt.Errorf("socket server failed: %w", err)
			}
			return nil
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return serveCmd
}
