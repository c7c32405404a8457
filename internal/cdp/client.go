package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/tabhost/internal/engine"
)

// Client implements engine.Engine on top of a Chromium reached over CDP.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	pages   map[engine.PageID]*pageContext
	pagesMu sync.RWMutex
}

var _ engine.Engine = (*Client)(nil)

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		pages:       make(map[engine.PageID]*pageContext),
	}
}

// Connect attaches to the browser behind the CDP endpoint.
func (c *Client) Connect(ctx context.Context) error {
	_ = ctx
	slog.Info("Connecting to Chromium", "url", c.cdpURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)
	c.browserCtx, c.browserCancel = chromedp.NewContext(c.allocCtx)

	if err := chromedp.Run(c.browserCtx); err != nil {
		c.browserCancel()
		c.allocCancel()
		c.browserCtx = nil
		return engine.NewError(engine.CodeCDPUnavailable, "failed to connect to browser", err)
	}

	slog.Info("Connected to Chromium", "url", c.cdpURL)
	return nil
}

// Close releases every page context and the browser connection.
func (c *Client) Close() error {
	c.pagesMu.Lock()
	for id, pc := range c.pages {
		pc.retireAll()
		pc.cancel()
		delete(c.pages, id)
	}
	c.pagesMu.Unlock()

	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}

	slog.Info("CDP client closed")
	return nil
}

// BrowserVersion returns the product string of the connected browser.
func (c *Client) BrowserVersion(ctx context.Context) (string, error) {
	execCtx, err := c.browserExec(ctx)
	if err != nil {
		return "", err
	}
	_, product, _, _, _, err := browser.GetVersion().Do(execCtx)
	if err != nil {
		return "", engine.NewError(engine.CodeCDPUnavailable, "browser version query failed", err)
	}
	return product, nil
}

// PageCount returns the number of pages opened through this client.
func (c *Client) PageCount() int {
	c.pagesMu.RLock()
	defer c.pagesMu.RUnlock()
	return len(c.pages)
}

func (c *Client) browserExec(ctx context.Context) (context.Context, error) {
	if c.browserCtx == nil {
		return nil, engine.NewError(engine.CodeCDPUnavailable, "CDP client not connected", nil)
	}
	b := chromedp.FromContext(c.browserCtx).Browser
	if b == nil {
		return nil, engine.NewError(engine.CodeCDPUnavailable, "browser handle unavailable", nil)
	}
	return cdproto.WithExecutor(ctx, b), nil
}

func (c *Client) lookup(pid engine.PageID) (*pageContext, error) {
	c.pagesMu.RLock()
	defer c.pagesMu.RUnlock()
	pc, ok := c.pages[pid]
	if !ok {
		return nil, fmt.Errorf("page %s not attached", pid)
	}
	return pc, nil
}

// runOnPage runs actions on the page, bounded by both ctx and timeout.
func (c *Client) runOnPage(ctx context.Context, pid engine.PageID, timeout time.Duration, actions ...chromedp.Action) error {
	pc, err := c.lookup(pid)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(pc.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (c *Client) CreateBrowserContext(ctx context.Context) (engine.ContextID, error) {
	execCtx, err := c.browserExec(ctx)
	if err != nil {
		return "", err
	}
	id, err := target.CreateBrowserContext().Do(execCtx)
	if err != nil {
		return "", fmt.Errorf("create browser context: %w", err)
	}
	return engine.ContextID(id), nil
}

func (c *Client) DisposeBrowserContext(ctx context.Context, id engine.ContextID) error {
	execCtx, err := c.browserExec(ctx)
	if err != nil {
		return err
	}
	if err := target.DisposeBrowserContext(cdproto.BrowserContextID(id)).Do(execCtx); err != nil {
		return fmt.Errorf("dispose browser context: %w", err)
	}
	return nil
}

func (c *Client) ClearBrowserContextData(ctx context.Context, id engine.ContextID) error {
	execCtx, err := c.browserExec(ctx)
	if err != nil {
		return err
	}
	if err := storage.ClearCookies().WithBrowserContextID(cdproto.BrowserContextID(id)).Do(execCtx); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	return nil
}

func (c *Client) SetPermission(ctx context.Context, id engine.ContextID, origin, permission string, setting engine.PermissionSetting) error {
	execCtx, err := c.browserExec(ctx)
	if err != nil {
		return err
	}
	p := browser.SetPermission(&browser.PermissionDescriptor{Name: permission}, browser.PermissionSetting(setting)).
		WithBrowserContextID(cdproto.BrowserContextID(id))
	if origin != "" {
		p = p.WithOrigin(origin)
	}
	if err := p.Do(execCtx); err != nil {
		return fmt.Errorf("set permission %s=%s: %w", permission, setting, err)
	}
	return nil
}

func (c *Client) SetCookies(ctx context.Context, id engine.ContextID, cookies []engine.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	execCtx, err := c.browserExec(ctx)
	if err != nil {
		return err
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, ck := range cookies {
		params = append(params, toCookieParam(ck))
	}
	if err := storage.SetCookies(params).WithBrowserContextID(cdproto.BrowserContextID(id)).Do(execCtx); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (c *Client) Cookies(ctx context.Context, id engine.ContextID) ([]engine.Cookie, error) {
	execCtx, err := c.browserExec(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := storage.GetCookies().WithBrowserContextID(cdproto.BrowserContextID(id)).Do(execCtx)
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]engine.Cookie, 0, len(raw))
	for _, ck := range raw {
		if ck == nil {
			continue
		}
		out = append(out, fromNetworkCookie(ck))
	}
	return out, nil
}

func (c *Client) CreatePage(ctx context.Context, id engine.ContextID) (engine.PageID, error) {
	if c.browserCtx == nil {
		return "", engine.NewError(engine.CodeCDPUnavailable, "CDP client not connected", nil)
	}

	pageCtx, pageCancel := chromedp.NewContext(c.browserCtx, chromedp.WithExistingBrowserContext(cdproto.BrowserContextID(id)))
	pc := newPageContext(pageCtx, pageCancel, id)
	chromedp.ListenTarget(pageCtx, pc.handleEvent)

	if err := chromedp.Run(pageCtx, network.Enable(), page.Enable()); err != nil {
		pageCancel()
		return "", fmt.Errorf("open page: %w", err)
	}

	t := chromedp.FromContext(pageCtx).Target
	if t == nil {
		pageCancel()
		return "", fmt.Errorf("open page: no target attached")
	}
	pc.id = engine.PageID(t.TargetID)

	c.pagesMu.Lock()
	c.pages[pc.id] = pc
	c.pagesMu.Unlock()

	slog.Info("Opened page", "page_id", pc.id, "context_id", id)
	return pc.id, nil
}

func (c *Client) ClosePage(ctx context.Context, pid engine.PageID) error {
	c.pagesMu.Lock()
	pc, ok := c.pages[pid]
	delete(c.pages, pid)
	c.pagesMu.Unlock()
	if !ok {
		return fmt.Errorf("page %s not attached", pid)
	}

	pc.retireAll()
	if err := chromedp.Cancel(pc.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close page: %w", err)
	}
	slog.Info("Closed page", "page_id", pid)
	return nil
}

func (c *Client) windowFor(ctx context.Context, pid engine.PageID) (context.Context, browser.WindowID, *browser.Bounds, error) {
	execCtx, err := c.browserExec(ctx)
	if err != nil {
		return nil, 0, nil, err
	}
	windowID, bounds, err := browser.GetWindowForTarget().WithTargetID(target.ID(pid)).Do(execCtx)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("get window for target: %w", err)
	}
	return execCtx, windowID, bounds, nil
}

func (c *Client) WindowBounds(ctx context.Context, pid engine.PageID) (engine.Rect, error) {
	_, _, b, err := c.windowFor(ctx, pid)
	if err != nil {
		return engine.Rect{}, err
	}
	if b == nil {
		return engine.Rect{}, fmt.Errorf("window bounds unavailable for %s", pid)
	}
	return engine.Rect{Left: int(b.Left), Top: int(b.Top), Width: int(b.Width), Height: int(b.Height)}, nil
}

func (c *Client) SetWindowBounds(ctx context.Context, pid engine.PageID, r engine.Rect) error {
	execCtx, windowID, _, err := c.windowFor(ctx, pid)
	if err != nil {
		return err
	}
	bounds := &browser.Bounds{
		Left:   int64(r.Left),
		Top:    int64(r.Top),
		Width:  int64(r.Width),
		Height: int64(r.Height),
	}
	if err := browser.SetWindowBounds(windowID, bounds).Do(execCtx); err != nil {
		return fmt.Errorf("set window bounds: %w", err)
	}
	return nil
}

func (c *Client) FocusPage(ctx context.Context, pid engine.PageID) error {
	execCtx, err := c.browserExec(ctx)
	if err != nil {
		return err
	}
	if err := target.ActivateTarget(target.ID(pid)).Do(execCtx); err != nil {
		return fmt.Errorf("activate target: %w", err)
	}
	return c.runOnPage(ctx, pid, c.evalTimeout, page.BringToFront())
}

func (c *Client) SetBlockedURLs(ctx context.Context, pid engine.PageID, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	return c.runOnPage(ctx, pid, c.evalTimeout, network.SetBlockedURLS(patterns))
}

func (c *Client) Evaluate(ctx context.Context, pid engine.PageID, expression string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.runOnPage(ctx, pid, c.evalTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.Evaluate(expression).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return scriptError(exc)
		}
		if res == nil || len(res.Value) == 0 {
			raw = json.RawMessage("null")
			return nil
		}
		raw = json.RawMessage(res.Value)
		return nil
	}))
	if err != nil {
		var se *engine.ScriptError
		if errors.As(err, &se) {
			return nil, se
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, engine.NewError(engine.CodeScriptTimeout, "evaluation timed out", err)
		}
		return nil, engine.NewError(engine.CodeScriptFailure, "evaluation failed", err)
	}
	return raw, nil
}

// Navigate loads url and returns once the browser reports the load settled.
func (c *Client) Navigate(ctx context.Context, pid engine.PageID, url string) error {
	pc, err := c.lookup(pid)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(pc.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, chromedp.Navigate(url))
}

func (c *Client) CurrentURL(ctx context.Context, pid engine.PageID) (string, error) {
	var loc string
	if err := c.runOnPage(ctx, pid, c.evalTimeout, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (c *Client) Subscribe(pid engine.PageID) (<-chan engine.Event, func()) {
	pc, err := c.lookup(pid)
	if err != nil {
		ch := make(chan engine.Event)
		close(ch)
		return ch, func() {}
	}
	return pc.subscribe()
}

func (c *Client) SetFileInputFiles(ctx context.Context, pid engine.PageID, selector string, paths []string) error {
	return c.runOnPage(ctx, pid, c.evalTimeout, chromedp.SetUploadFiles(selector, paths, chromedp.ByQuery))
}

func scriptError(exc *runtime.ExceptionDetails) *engine.ScriptError {
	text := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		text = exc.Exception.Description
	}
	return &engine.ScriptError{Text: text, Line: int(exc.LineNumber), Column: int(exc.ColumnNumber)}
}
