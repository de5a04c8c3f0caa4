// File: cmd/app.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/config"
	"github.com/xkilldash9x/agentd/internal/events"
	"github.com/xkilldash9x/agentd/internal/humanoid"
	"github.com/xkilldash9x/agentd/internal/llmclient"
	"github.com/xkilldash9x/agentd/internal/operator"
	"github.com/xkilldash9x/agentd/internal/session"
	"github.com/xkilldash9x/agentd/internal/store"
)

// components holds everything a command needs to drive sessions.
type components struct {
	Config  *config.Config
	Logger  *zap.Logger
	Bridge  *events.Bridge
	Manager *session.Manager

	pool *pgxpool.Pool
}

// hostDriver returns the native input driver of this host. None is bundled;
// computer sessions report missing permissions until one is supplied.
var hostDriver = func() (humanoid.Executor, operator.Screen) { return nil, operator.Screen{} }

// initializeComponents wires the runtime from cfg. The returned components
// must be released with Shutdown.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{Config: cfg, Logger: logger}
	c.Bridge = events.NewBridge(logger, cfg.Events.SubscriberBuffer)

	var transcripts session.TranscriptStore
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			c.Bridge.Close()
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		s, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			c.Bridge.Close()
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			c.Bridge.Close()
			return nil, err
		}
		c.pool = pool
		transcripts = s
		logger.Info("Transcript persistence enabled.")
	}

	driver, screen := hostDriver()
	rt := &session.Runtime{
		Config:      cfg,
		Logger:      logger,
		Bridge:      c.Bridge,
		Models:      llmclient.NewModel,
		Operators:   session.DefaultOperators(cfg, driver, screen),
		Permissions: hostPermissions(driver),
		Transcripts: transcripts,
	}
	mgr, err := session.NewManager(rt)
	if err != nil {
		c.release()
		return nil, err
	}
	c.Manager = mgr
	return c, nil
}

// hostPermissions refuses computer sessions when no input driver is present.
func hostPermissions(driver humanoid.Executor) session.PermissionChecker {
	return session.PermissionCheckerFunc(func(ctx context.Context, kind string) error {
		if kind == config.OperatorComputer && driver == nil {
			return &schemas.PermissionError{Missing: []string{"accessibility", "screen_capture"}}
		}
		return nil
	})
}

// Shutdown stops every session, then the bridge and the database pool.
func (c *components) Shutdown(ctx context.Context) {
	if c.Manager != nil {
		if err := c.Manager.Shutdown(ctx); err != nil {
			c.Logger.Warn("Session shutdown incomplete.", zap.Error(err))
		}
	}
	c.release()
}

func (c *components) release() {
	c.Bridge.Close()
	if c.pool != nil {
		c.pool.Close()
	}
}

func shutdownContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
