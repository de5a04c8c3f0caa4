// File: internal/provider/manager.go
package provider

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/agentd/api/schemas"
)

const (
	defaultStartTimeout = 30 * time.Second
	defaultGracePeriod  = 3 * time.Second
	clientName          = "agentd"
)

var (
	// ErrProviderStopped is wrapped by invocations on a stopped handle.
	ErrProviderStopped = errors.New("provider stopped")
	// ErrUnknownProvider is wrapped when a qualified tool names no live provider.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Spec declares how to reach one capability provider.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	// InProcess serves the provider from this process instead of launching Command.
	InProcess    *server.MCPServer
	Required     bool
	StartTimeout time.Duration
}

// mcpClient is the slice of the MCP client the manager relies on.
type mcpClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// connector launches a provider and returns a started, not yet initialized client.
type connector func(ctx context.Context, spec Spec) (mcpClient, *process, error)

// Handle is a live, initialized provider. It is only ever handed out after the
// handshake and tool discovery both succeeded.
type Handle struct {
	spec       Spec
	client     mcpClient
	proc       *process
	tools      []schemas.ToolDescriptor
	toolNames  map[string]struct{}
	serverInfo mcp.Implementation
	startedAt  time.Time
	stopped    atomic.Bool
}

// Name returns the provider name tools are namespaced under.
func (h *Handle) Name() string { return h.spec.Name }

// Required reports whether a failed start of this provider fails the run.
func (h *Handle) Required() bool { return h.spec.Required }

// ServerInfo returns the implementation info reported during the handshake.
func (h *Handle) ServerInfo() mcp.Implementation { return h.serverInfo }

// Stopped reports whether Stop has been called for this handle.
func (h *Handle) Stopped() bool { return h.stopped.Load() }

// ToolResult is the successful outcome of a tool invocation.
type ToolResult struct {
	Provider   string      `json:"provider"`
	Tool       string      `json:"tool"`
	Text       string      `json:"text,omitempty"`
	Structured interface{} `json:"structured,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithGracePeriod sets how long Stop waits for a provider to exit before killing it.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

func withConnector(c connector) Option {
	return func(m *Manager) { m.connect = c }
}

// Manager owns the lifecycle of capability providers for one session.
// Start and Stop are serialized per provider name; invocations run concurrently.
type Manager struct {
	logger  *zap.Logger
	connect connector
	grace   time.Duration

	mu        sync.RWMutex
	providers map[string]*Handle
	locks     map[string]*sync.Mutex
}

// NewManager creates an empty provider manager.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:    logger.Named("providers"),
		grace:     defaultGracePeriod,
		providers: make(map[string]*Handle),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.connect == nil {
		m.connect = connect(m.logger, m.grace)
	}
	return m
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Start launches spec, performs the MCP handshake and discovers its tools.
// A provider that is already live is returned as is. On any failure the
// partially started provider is torn down and a *schemas.ProviderStartupError
// is returned.
func (m *Manager) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Name == "" || strings.Contains(spec.Name, ".") {
		return nil, &schemas.ProviderStartupError{Provider: spec.Name, Stage: "launch", Err: fmt.Errorf("invalid provider name")}
	}
	l := m.lockFor(spec.Name)
	l.Lock()
	defer l.Unlock()

	if h, ok := m.Lookup(spec.Name); ok {
		return h, nil
	}

	timeout := spec.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := m.logger.With(zap.String("provider", spec.Name))
	logger.Debug("Starting provider.", zap.String("command", spec.Command), zap.Bool("in_process", spec.InProcess != nil))

	cli, proc, err := m.connect(startCtx, spec)
	if err != nil {
		return nil, &schemas.ProviderStartupError{Provider: spec.Name, Stage: "launch", Err: err}
	}
	h := &Handle{spec: spec, client: cli, proc: proc, toolNames: make(map[string]struct{})}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: "1"}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initRes, err := await(startCtx, func(c context.Context) (*mcp.InitializeResult, error) {
		return cli.Initialize(c, initReq)
	})
	if err == nil && initRes == nil {
		err = errors.New("empty initialize result")
	}
	if err != nil {
		m.teardown(h)
		return nil, &schemas.ProviderStartupError{Provider: spec.Name, Stage: "handshake", Err: err}
	}
	h.serverInfo = initRes.ServerInfo

	if err := m.discover(startCtx, h); err != nil {
		m.teardown(h)
		return nil, &schemas.ProviderStartupError{Provider: spec.Name, Stage: "discovery", Err: err}
	}

	h.startedAt = time.Now()
	m.mu.Lock()
	m.providers[spec.Name] = h
	m.mu.Unlock()

	logger.Info("Provider ready.",
		zap.String("server", h.serverInfo.Name),
		zap.Int("tools", len(h.tools)))
	return h, nil
}

// discover pages through tools/list and records the descriptors on h.
func (m *Manager) discover(ctx context.Context, h *Handle) error {
	var cursor mcp.Cursor
	for page := 0; ; page++ {
		req := mcp.ListToolsRequest{}
		req.Params.Cursor = cursor
		res, err := await(ctx, func(c context.Context) (*mcp.ListToolsResult, error) {
			return h.client.ListTools(c, req)
		})
		if err != nil {
			return err
		}
		if res == nil {
			return errors.New("empty tools/list result")
		}
		for _, tool := range res.Tools {
			if _, dup := h.toolNames[tool.Name]; dup {
				continue
			}
			h.toolNames[tool.Name] = struct{}{}
			h.tools = append(h.tools, describe(h.spec.Name, tool))
		}
		if res.NextCursor == "" || res.NextCursor == cursor || page > 100 {
			return nil
		}
		cursor = res.NextCursor
	}
}

func describe(provider string, tool mcp.Tool) schemas.ToolDescriptor {
	schema := tool.RawInputSchema
	if len(schema) == 0 {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			schema = raw
		}
	}
	return schemas.ToolDescriptor{
		Provider:      provider,
		Name:          tool.Name,
		QualifiedName: provider + "." + tool.Name,
		Description:   tool.Description,
		InputSchema:   schema,
	}
}

// StartReport summarizes StartAll.
type StartReport struct {
	Started  []*Handle
	Failures []*schemas.ProviderStartupError
	// Required lists the failures of providers marked required.
	Required []*schemas.ProviderStartupError
}

// Err returns the first required-provider failure, if any.
func (r StartReport) Err() error {
	if len(r.Required) == 0 {
		return nil
	}
	return r.Required[0]
}

// StartAll starts every spec concurrently and reports which ones failed.
func (m *Manager) StartAll(ctx context.Context, specs []Spec) StartReport {
	var (
		report StartReport
		mu     sync.Mutex
		g      errgroup.Group
	)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			h, err := m.Start(ctx, spec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var startErr *schemas.ProviderStartupError
				if !errors.As(err, &startErr) {
					startErr = &schemas.ProviderStartupError{Provider: spec.Name, Stage: "launch", Err: err}
				}
				report.Failures = append(report.Failures, startErr)
				if spec.Required {
					report.Required = append(report.Required, startErr)
				}
				m.logger.Warn("Provider failed to start.", zap.String("provider", spec.Name), zap.Bool("required", spec.Required), zap.Error(err))
				return nil
			}
			report.Started = append(report.Started, h)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// Lookup returns the live handle for name.
func (m *Manager) Lookup(name string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.providers[name]
	return h, ok
}

// Names returns the names of all live providers, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTools returns the tools discovered for h.
func (m *Manager) ListTools(h *Handle) ([]schemas.ToolDescriptor, error) {
	if h == nil || h.Stopped() {
		return nil, ErrProviderStopped
	}
	out := make([]schemas.ToolDescriptor, len(h.tools))
	copy(out, h.tools)
	return out, nil
}

// Tools returns the tools of every live provider, ordered by qualified name.
func (m *Manager) Tools() []schemas.ToolDescriptor {
	m.mu.RLock()
	var out []schemas.ToolDescriptor
	for _, h := range m.providers {
		out = append(out, h.tools...)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}

// Invoke calls tool on h. The timeout is enforced here, so a provider that
// never answers still yields a *schemas.ToolInvocationError once it elapses.
func (m *Manager) Invoke(ctx context.Context, h *Handle, tool string, args map[string]interface{}, timeout time.Duration) (*ToolResult, error) {
	if h == nil {
		return nil, &schemas.ToolInvocationError{Tool: tool, Err: ErrUnknownProvider}
	}
	name := h.spec.Name
	if h.Stopped() {
		return nil, &schemas.ToolInvocationError{Provider: name, Tool: tool, Err: ErrProviderStopped}
	}
	if _, ok := h.toolNames[tool]; !ok {
		return nil, &schemas.ToolInvocationError{Provider: name, Tool: tool, Message: "tool not offered by provider"}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	started := time.Now()
	res, err := await(callCtx, func(c context.Context) (*mcp.CallToolResult, error) {
		return h.client.CallTool(c, req)
	})
	logger := m.logger.With(zap.String("provider", name), zap.String("tool", tool), zap.Duration("elapsed", time.Since(started)))

	switch {
	case err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		logger.Warn("Tool invocation timed out.", zap.Duration("timeout", timeout))
		return nil, &schemas.ToolInvocationError{Provider: name, Tool: tool, Timeout: timeout, Err: err}
	case err != nil:
		return nil, &schemas.ToolInvocationError{Provider: name, Tool: tool, Err: err}
	case res == nil:
		return nil, &schemas.ToolInvocationError{Provider: name, Tool: tool, Message: "malformed result: empty response"}
	}

	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "provider reported an error"
		}
		logger.Debug("Tool reported an error.", zap.String("message", text))
		return nil, &schemas.ToolInvocationError{Provider: name, Tool: tool, Message: text}
	}
	if text == "" && res.StructuredContent == nil && len(res.Content) > 0 {
		return nil, &schemas.ToolInvocationError{Provider: name, Tool: tool, Message: "malformed result: no usable content"}
	}
	return &ToolResult{Provider: name, Tool: tool, Text: text, Structured: res.StructuredContent}, nil
}

// InvokeQualified resolves "provider.tool" and invokes it.
func (m *Manager) InvokeQualified(ctx context.Context, qualified string, args map[string]interface{}, timeout time.Duration) (*ToolResult, error) {
	providerName, tool, ok := strings.Cut(qualified, ".")
	if !ok || providerName == "" || tool == "" {
		return nil, &schemas.ToolInvocationError{Tool: qualified, Message: "tool name must be qualified as provider.tool"}
	}
	h, found := m.Lookup(providerName)
	if !found {
		return nil, &schemas.ToolInvocationError{Provider: providerName, Tool: tool, Err: ErrUnknownProvider}
	}
	return m.Invoke(ctx, h, tool, args, timeout)
}

func contentText(contents []mcp.Content) string {
	var parts []string
	for _, c := range contents {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Stop shuts h down. It is idempotent: stopping an already stopped handle is a no-op.
func (m *Manager) Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	l := m.lockFor(h.spec.Name)
	l.Lock()
	defer l.Unlock()

	if h.stopped.Swap(true) {
		return nil
	}
	m.mu.Lock()
	if cur, ok := m.providers[h.spec.Name]; ok && cur == h {
		delete(m.providers, h.spec.Name)
	}
	m.mu.Unlock()

	err := m.teardown(h)
	m.logger.Info("Provider stopped.", zap.String("provider", h.spec.Name), zap.Error(err))
	return err
}

// teardown closes the client and gives the provider one grace period to exit.
// A provider still running at the deadline has its process group killed.
func (m *Manager) teardown(h *Handle) error {
	logger := m.logger.With(zap.String("provider", h.spec.Name))
	closed := make(chan error, 1)
	go func() { closed <- h.client.Close() }()

	timer := time.NewTimer(m.grace)
	defer timer.Stop()

	var closeErr error
	select {
	case closeErr = <-closed:
		// Helpers left behind by a launcher die with the provider.
		h.proc.kill()
	case <-timer.C:
		h.proc.kill()
		logger.Warn("Provider did not exit within grace period; killed.")
		select {
		case <-closed:
		case <-time.After(killWait):
			logger.Error("Provider was not reaped after kill.")
		}
		return nil
	}

	var exitErr *exec.ExitError
	if closeErr != nil && !errors.As(closeErr, &exitErr) {
		return fmt.Errorf("failed to close provider %q: %w", h.spec.Name, closeErr)
	}
	return nil
}

// StopAll stops every live provider concurrently. Failures are logged, not
// returned. It returns when every provider is down or ctx ends, whichever is first.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.providers))
	for _, h := range m.providers {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if err := m.Stop(h); err != nil {
				m.logger.Error("Failed to stop provider.", zap.String("provider", h.spec.Name), zap.Error(err))
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Stopping providers interrupted; some may still be shutting down.", zap.Error(ctx.Err()))
	}
}

// await runs fn and returns early with ctx's error if ctx ends first.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
