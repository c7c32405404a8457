// Package surface multiplexes page windows onto the single visible content
// region.
package surface

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabhost/internal/engine"
)

// Offscreen is where detached surfaces are parked. Parked pages keep running.
var Offscreen = engine.Rect{Left: -32000, Top: -32000, Width: 1280, Height: 800}

// Layout describes the visible window and the chrome reserved at its top.
type Layout struct {
	Window       engine.Rect
	HeaderHeight int
	SettleDelay  time.Duration
}

// ContentRegion is the window minus the reserved header.
func (l Layout) ContentRegion() engine.Rect {
	return engine.Rect{
		Left:   l.Window.Left,
		Top:    l.Window.Top + l.HeaderHeight,
		Width:  l.Window.Width,
		Height: l.Window.Height - l.HeaderHeight,
	}
}

// Pool owns the pages bound to browser contexts and tracks which one is
// attached to the visible region.
type Pool struct {
	eng         engine.PageController
	blockedURLs []string
	sleep       func(context.Context, time.Duration) error

	mu       sync.Mutex
	layout   Layout
	attached engine.PageID
	pages    map[engine.PageID]engine.ContextID
}

func NewPool(eng engine.PageController, layout Layout, blockedURLs []string) *Pool {
	return &Pool{
		eng:         eng,
		layout:      layout,
		blockedURLs: blockedURLs,
		pages:       make(map[engine.PageID]engine.ContextID),
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Create opens a page in the context and parks it off-screen.
func (p *Pool) Create(ctx context.Context, contextID engine.ContextID) (engine.PageID, error) {
	pid, err := p.eng.CreatePage(ctx, contextID)
	if err != nil {
		return "", fmt.Errorf("create surface: %w", err)
	}
	if err := p.eng.SetBlockedURLs(ctx, pid, p.blockedURLs); err != nil {
		p.closeQuietly(ctx, pid)
		return "", fmt.Errorf("apply blocked urls: %w", err)
	}
	if err := p.eng.SetWindowBounds(ctx, pid, Offscreen); err != nil {
		slog.Warn("park new surface failed", "page_id", pid, "error", err)
	}

	p.mu.Lock()
	p.pages[pid] = contextID
	p.mu.Unlock()
	return pid, nil
}

// Attach parks the previously attached surface and places pid in the content
// region. Attaching the already attached surface only refreshes its bounds.
func (p *Pool) Attach(ctx context.Context, pid engine.PageID) error {
	p.mu.Lock()
	if _, ok := p.pages[pid]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("surface %s not in pool", pid)
	}
	prev := p.attached
	p.mu.Unlock()

	if prev != "" && prev != pid {
		if err := p.eng.SetWindowBounds(ctx, prev, Offscreen); err != nil {
			slog.Warn("park previous surface failed", "page_id", prev, "error", err)
		}
	}

	if err := p.place(ctx, pid); err != nil {
		p.restore(ctx, prev, pid)
		return err
	}
	if err := p.eng.FocusPage(ctx, pid); err != nil {
		slog.Warn("focus surface failed", "page_id", pid, "error", err)
	}

	p.mu.Lock()
	p.attached = pid
	p.mu.Unlock()
	return nil
}

// restore puts prev back after pid failed to attach. When prev cannot be
// shown again nothing is attached.
func (p *Pool) restore(ctx context.Context, prev, failed engine.PageID) {
	if err := p.eng.SetWindowBounds(ctx, failed, Offscreen); err != nil {
		slog.Debug("park failed surface failed", "page_id", failed, "error", err)
	}
	if prev == "" || prev == failed {
		p.mu.Lock()
		if p.attached == failed {
			p.attached = ""
		}
		p.mu.Unlock()
		return
	}
	if err := p.place(ctx, prev); err != nil {
		slog.Warn("restore previous surface failed", "page_id", prev, "error", err)
		p.mu.Lock()
		if p.attached == prev {
			p.attached = ""
		}
		p.mu.Unlock()
	}
}

// place moves pid into the content region, then re-measures after the settle
// delay and pushes it below the header if the window manager moved it up.
func (p *Pool) place(ctx context.Context, pid engine.PageID) error {
	p.mu.Lock()
	layout := p.layout
	p.mu.Unlock()
	region := layout.ContentRegion()

	if err := p.eng.SetWindowBounds(ctx, pid, region); err != nil {
		return fmt.Errorf("attach surface: %w", err)
	}
	if err := p.sleep(ctx, layout.SettleDelay); err != nil {
		return err
	}

	got, err := p.eng.WindowBounds(ctx, pid)
	if err != nil {
		slog.Warn("re-measure surface failed", "page_id", pid, "error", err)
		return nil
	}
	minTop := layout.Window.Top + layout.HeaderHeight
	if got.Top >= minTop {
		return nil
	}
	fixed := got
	fixed.Top = minTop
	if bottom := layout.Window.Top + layout.Window.Height; fixed.Top+fixed.Height > bottom {
		fixed.Height = bottom - fixed.Top
	}
	slog.Debug("clamping surface below header", "page_id", pid, "top", got.Top, "min_top", minTop)
	if err := p.eng.SetWindowBounds(ctx, pid, fixed); err != nil {
		return fmt.Errorf("clamp surface: %w", err)
	}
	return nil
}

// Resize applies a new window layout and re-places the attached surface.
func (p *Pool) Resize(ctx context.Context, window engine.Rect) error {
	p.mu.Lock()
	if p.layout.HeaderHeight >= window.Height {
		p.mu.Unlock()
		return engine.NewError(engine.CodeValidation, "window shorter than header", nil)
	}
	p.layout.Window = window
	attached := p.attached
	p.mu.Unlock()

	if attached == "" {
		return nil
	}
	return p.place(ctx, attached)
}

// Detach parks pid if it is attached, leaving no surface visible.
func (p *Pool) Detach(ctx context.Context, pid engine.PageID) {
	p.mu.Lock()
	if p.attached != pid {
		p.mu.Unlock()
		return
	}
	p.attached = ""
	p.mu.Unlock()

	if err := p.eng.SetWindowBounds(ctx, pid, Offscreen); err != nil {
		slog.Warn("park surface failed", "page_id", pid, "error", err)
	}
}

// DetachAndDestroy removes pid from the screen and closes its page.
func (p *Pool) DetachAndDestroy(ctx context.Context, pid engine.PageID) error {
	p.Detach(ctx, pid)

	p.mu.Lock()
	delete(p.pages, pid)
	p.mu.Unlock()

	if err := p.eng.ClosePage(ctx, pid); err != nil {
		return fmt.Errorf("destroy surface: %w", err)
	}
	return nil
}

// Attached returns the attached surface, or "" when none is.
func (p *Pool) Attached() engine.PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// Layout returns the current window layout.
func (p *Pool) Layout() Layout {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.layout
}

func (p *Pool) closeQuietly(ctx context.Context, pid engine.PageID) {
	if err := p.eng.ClosePage(ctx, pid); err != nil {
		slog.Warn("close surface failed", "page_id", pid, "error", err)
	}
}
