package surface

import (
	"context"
	"errors"
	"testing"

	"github.com/dgnsrekt/tabhost/internal/engine"
	"github.com/dgnsrekt/tabhost/internal/engine/enginetest"
)

func newTestPool(t *testing.T) (*Pool, *enginetest.Engine, engine.ContextID) {
	t.Helper()
	eng := enginetest.New()
	id, err := eng.CreateBrowserContext(context.Background())
	if err != nil {
		t.Fatalf("CreateBrowserContext: %v", err)
	}
	layout := Layout{Window: engine.Rect{Left: 0, Top: 0, Width: 1280, Height: 800}, HeaderHeight: 96}
	return NewPool(eng, layout, []string{"*://ads.example/*"}), eng, id
}

func TestCreateParksOffscreen(t *testing.T) {
	p, eng, id := newTestPool(t)
	pid, err := p.Create(context.Background(), id)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := eng.Bounds(pid); got != Offscreen {
		t.Fatalf("new surface bounds = %+v; want offscreen", got)
	}
	if got := eng.Blocked(pid); len(got) != 1 {
		t.Fatalf("blocked urls = %v", got)
	}
	if p.Attached() != "" {
		t.Fatalf("Attached() = %s; want none", p.Attached())
	}
}

func TestAttachSwapsSurfaces(t *testing.T) {
	p, eng, id := newTestPool(t)
	ctx := context.Background()
	a, _ := p.Create(ctx, id)
	b, _ := p.Create(ctx, id)

	if err := p.Attach(ctx, a); err != nil {
		t.Fatalf("Attach(a) error = %v", err)
	}
	want := engine.Rect{Left: 0, Top: 96, Width: 1280, Height: 704}
	if got := eng.Bounds(a); got != want {
		t.Fatalf("attached bounds = %+v; want %+v", got, want)
	}

	if err := p.Attach(ctx, b); err != nil {
		t.Fatalf("Attach(b) error = %v", err)
	}
	if eng.Bounds(a) != Offscreen {
		t.Fatalf("previous surface not parked: %+v", eng.Bounds(a))
	}
	if eng.PageClosed(a) {
		t.Fatal("previous surface destroyed; want parked")
	}
	if p.Attached() != b {
		t.Fatalf("Attached() = %s; want %s", p.Attached(), b)
	}
	focused := eng.Focused()
	if len(focused) != 2 || focused[1] != b {
		t.Fatalf("focused = %v", focused)
	}
}

// placeFailEngine refuses to move one page into view.
type placeFailEngine struct {
	*enginetest.Engine
	page engine.PageID
}

func (f *placeFailEngine) SetWindowBounds(ctx context.Context, pid engine.PageID, r engine.Rect) error {
	if pid == f.page && r != Offscreen {
		return errors.New("window gone")
	}
	return f.Engine.SetWindowBounds(ctx, pid, r)
}

func TestAttachFailureRestoresPrevious(t *testing.T) {
	base := enginetest.New()
	ctx := context.Background()
	id, _ := base.CreateBrowserContext(ctx)
	eng := &placeFailEngine{Engine: base}
	p := NewPool(eng, Layout{Window: engine.Rect{Width: 1280, Height: 800}, HeaderHeight: 96}, nil)
	a, _ := p.Create(ctx, id)
	b, _ := p.Create(ctx, id)
	if err := p.Attach(ctx, a); err != nil {
		t.Fatalf("Attach(a) error = %v", err)
	}

	eng.page = b
	if err := p.Attach(ctx, b); err == nil {
		t.Fatal("Attach(b) = nil error")
	}
	if p.Attached() != a {
		t.Fatalf("Attached() = %q; want %q restored", p.Attached(), a)
	}
	if got := base.Bounds(a); got == Offscreen {
		t.Fatal("previous surface left parked")
	}
	if base.Bounds(b) != Offscreen {
		t.Fatalf("failed surface bounds = %+v; want offscreen", base.Bounds(b))
	}
}

func TestAttachFailureWithoutRestoreClearsAttached(t *testing.T) {
	p, eng, id := newTestPool(t)
	ctx := context.Background()
	a, _ := p.Create(ctx, id)
	b, _ := p.Create(ctx, id)
	if err := p.Attach(ctx, a); err != nil {
		t.Fatalf("Attach(a) error = %v", err)
	}

	eng.SetFail("SetWindowBounds", errors.New("browser gone"))
	if err := p.Attach(ctx, b); err == nil {
		t.Fatal("Attach(b) = nil error")
	}
	if p.Attached() != "" {
		t.Fatalf("Attached() = %q; want none", p.Attached())
	}
}

// clampingEngine reports a window that crept above the header.
type clampingEngine struct {
	*enginetest.Engine
	reported engine.Rect
}

func (c *clampingEngine) WindowBounds(ctx context.Context, pid engine.PageID) (engine.Rect, error) {
	return c.reported, nil
}

func TestAttachClampsTopBelowHeader(t *testing.T) {
	base := enginetest.New()
	eng := &clampingEngine{Engine: base, reported: engine.Rect{Left: 0, Top: 40, Width: 1280, Height: 760}}
	id, _ := base.CreateBrowserContext(context.Background())
	p := NewPool(eng, Layout{Window: engine.Rect{Width: 1280, Height: 800}, HeaderHeight: 96}, nil)
	pid, _ := p.Create(context.Background(), id)

	if err := p.Attach(context.Background(), pid); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	got := base.Bounds(pid)
	if got.Top != 96 || got.Top+got.Height != 800 {
		t.Fatalf("clamped bounds = %+v; want top 96 bottom 800", got)
	}
}

func TestResizeRecomputesAttached(t *testing.T) {
	p, eng, id := newTestPool(t)
	ctx := context.Background()
	pid, _ := p.Create(ctx, id)
	_ = p.Attach(ctx, pid)

	if err := p.Resize(ctx, engine.Rect{Left: 10, Top: 10, Width: 1600, Height: 1000}); err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	want := engine.Rect{Left: 10, Top: 106, Width: 1600, Height: 904}
	if got := eng.Bounds(pid); got != want {
		t.Fatalf("bounds after resize = %+v; want %+v", got, want)
	}
	if err := p.Resize(ctx, engine.Rect{Width: 100, Height: 50}); err == nil {
		t.Fatal("Resize() with window shorter than header = nil error")
	}
}

func TestDetachAndDestroy(t *testing.T) {
	p, eng, id := newTestPool(t)
	ctx := context.Background()
	pid, _ := p.Create(ctx, id)
	_ = p.Attach(ctx, pid)

	if err := p.DetachAndDestroy(ctx, pid); err != nil {
		t.Fatalf("DetachAndDestroy() error = %v", err)
	}
	if p.Attached() != "" || !eng.PageClosed(pid) {
		t.Fatalf("surface still attached or open: attached=%q closed=%v", p.Attached(), eng.PageClosed(pid))
	}
	if err := p.Attach(ctx, pid); err == nil {
		t.Fatal("Attach() destroyed surface = nil error")
	}
	if err := p.DetachAndDestroy(ctx, pid); err == nil {
		t.Fatal("DetachAndDestroy() twice = nil error; want engine error")
	}
}
