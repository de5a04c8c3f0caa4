// internal/operator/browser.go
package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/config"
	"github.com/xkilldash9x/agentd/internal/humanoid"
)

// ErrBrowserNotStarted is returned when the browser operator is used before Start.
var ErrBrowserNotStarted = errors.New("browser operator not started")

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
	inputEventTimeout     = 10 * time.Second
)

// BrowserOperator drives a Chrome tab over the DevTools protocol. Pointer and
// keyboard actions reuse the computer operator's handlers on top of a CDP
// input executor; navigation is handled here. It also observes the tab.
type BrowserOperator struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
	hcfg   config.HumanoidConfig
	screen Screen

	mu          sync.Mutex
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	computer    *ComputerOperator
}

var _ Actuator = (*BrowserOperator)(nil)

// NewBrowserOperator creates a browser operator. The browser is launched by Start.
func NewBrowserOperator(logger *zap.Logger, cfg config.BrowserConfig, hcfg config.HumanoidConfig) *BrowserOperator {
	width, height := cfg.Viewport["width"], cfg.Viewport["height"]
	if width <= 0 {
		width = defaultViewportWidth
	}
	if height <= 0 {
		height = defaultViewportHeight
	}
	return &BrowserOperator{
		logger: logger.Named("browser_operator"),
		cfg:    cfg,
		hcfg:   hcfg,
		screen: Screen{Width: float64(width), Height: float64(height)},
	}
}

// Types lists the action types this operator handles.
func (b *BrowserOperator) Types() []string {
	// The handler set does not depend on a live tab.
	probe := NewComputerOperator(zap.NewNop(), nil, b.screen, b.hcfg)
	return append(probe.Types(), schemas.ActionNavigate, "go_back")
}

// Start launches the browser and opens the start URL. Calling it again is a no-op.
func (b *BrowserOperator) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tabCtx != nil {
		return nil
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.WindowSize(int(b.screen.Width), int(b.screen.Height)),
	)
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	for _, arg := range b.cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	// The browser lives as long as the operator, not the caller's context.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(b.logger.Sugar().Debugf))

	startURL := b.cfg.StartURL
	if startURL == "" {
		startURL = "about:blank"
	}
	// The first Run allocates the browser and must use the tab context itself.
	err := chromedp.Run(tabCtx)
	if err == nil {
		err = b.runIn(ctx, tabCtx, chromedp.Navigate(startURL))
	}
	if err != nil {
		cancelTab()
		cancelAlloc()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	b.tabCtx, b.cancelTab, b.cancelAlloc = tabCtx, cancelTab, cancelAlloc
	b.computer = NewComputerOperator(b.logger, &cdpExecutor{op: b}, b.screen, b.hcfg)
	b.logger.Info("Browser started.", zap.String("start_url", startURL), zap.Bool("headless", b.cfg.Headless))
	return nil
}

// Close shuts the browser down.
func (b *BrowserOperator) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tabCtx == nil {
		return nil
	}
	b.cancelTab()
	b.cancelAlloc()
	b.tabCtx, b.computer = nil, nil
	return nil
}

func (b *BrowserOperator) tab() (context.Context, *ComputerOperator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tabCtx == nil {
		return nil, nil, ErrBrowserNotStarted
	}
	return b.tabCtx, b.computer, nil
}

// runIn runs actions in the tab while honoring cancellation of ctx. The tab
// itself is not closed when ctx ends.
func (b *BrowserOperator) runIn(ctx context.Context, tabCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *BrowserOperator) run(ctx context.Context, actions ...chromedp.Action) error {
	tabCtx, _, err := b.tab()
	if err != nil {
		return err
	}
	return b.runIn(ctx, tabCtx, actions...)
}

// Execute performs a browser action.
func (b *BrowserOperator) Execute(ctx context.Context, action schemas.Action) (*schemas.ActionResult, error) {
	_, computer, err := b.tab()
	if err != nil {
		return nil, err
	}
	switch action.Type {
	case schemas.ActionNavigate:
		url, err := stringInput(action.Inputs, "url")
		if err != nil {
			return nil, err
		}
		navCtx := ctx
		if b.cfg.NavigationTimeout > 0 {
			var cancel context.CancelFunc
			navCtx, cancel = context.WithTimeout(ctx, b.cfg.NavigationTimeout)
			defer cancel()
		}
		if err := b.run(navCtx, chromedp.Navigate(url)); err != nil {
			return nil, fmt.Errorf("navigate to %s failed: %w", url, err)
		}
		return &schemas.ActionResult{Status: schemas.ResultSuccess, Output: map[string]interface{}{"url": url}}, nil
	case "go_back":
		if err := b.run(ctx, chromedp.NavigateBack()); err != nil {
			return nil, err
		}
		return &schemas.ActionResult{Status: schemas.ResultSuccess}, nil
	default:
		res, err := computer.Execute(ctx, action)
		var unsup *schemas.UnsupportedActionError
		if errors.As(err, &unsup) {
			unsup.Operator = config.OperatorBrowser
		}
		return res, err
	}
}

// Observe captures a screenshot of the current tab.
func (b *BrowserOperator) Observe(ctx context.Context) (*schemas.Observation, error) {
	var (
		shot []byte
		url  string
	)
	if err := b.run(ctx, chromedp.CaptureScreenshot(&shot), chromedp.Location(&url)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return &schemas.Observation{
		ID:         uuid.NewString(),
		MimeType:   "image/png",
		Data:       shot,
		Width:      int(b.screen.Width),
		Height:     int(b.screen.Height),
		URL:        url,
		CapturedAt: time.Now().UTC(),
	}, nil
}

// cdpExecutor implements humanoid.Executor with DevTools input events.
type cdpExecutor struct {
	op *BrowserOperator
}

var _ humanoid.Executor = (*cdpExecutor)(nil)

func (e *cdpExecutor) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *cdpExecutor) DispatchMouseEvent(ctx context.Context, data humanoid.MouseEventData) error {
	p := input.DispatchMouseEvent(input.MouseType(data.Type), data.X, data.Y).
		WithButton(input.MouseButton(data.Button)).
		WithButtons(data.Buttons).
		WithClickCount(int64(data.ClickCount))
	if data.Type == humanoid.MouseWheel {
		p = p.WithDeltaX(data.DeltaX).WithDeltaY(data.DeltaY)
	}
	opCtx, cancel := context.WithTimeout(ctx, inputEventTimeout)
	defer cancel()
	return e.op.run(opCtx, p)
}

func (e *cdpExecutor) SendKeys(ctx context.Context, text string) error {
	opCtx, cancel := context.WithTimeout(ctx, inputEventTimeout)
	defer cancel()
	return e.op.run(opCtx, chromedp.KeyEvent(text))
}

func (e *cdpExecutor) DispatchKey(ctx context.Context, data humanoid.KeyEventData) error {
	var mods input.Modifier
	if data.Modifiers&humanoid.ModAlt != 0 {
		mods |= input.ModifierAlt
	}
	if data.Modifiers&humanoid.ModCtrl != 0 {
		mods |= input.ModifierCtrl
	}
	if data.Modifiers&humanoid.ModMeta != 0 {
		mods |= input.ModifierMeta
	}
	if data.Modifiers&humanoid.ModShift != 0 {
		mods |= input.ModifierShift
	}
	opCtx, cancel := context.WithTimeout(ctx, inputEventTimeout)
	defer cancel()
	return e.op.run(opCtx, chromedp.KeyEvent(data.Key, chromedp.KeyModifiers(mods)))
}
