// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgnsrekt/tabhost/internal/engine"
)

// EvalCall records one Evaluate invocation.
type EvalCall struct {
	Page       engine.PageID
	Expression string
}

// PermissionCall records one SetPermission invocation.
type PermissionCall struct {
	Context    engine.ContextID
	Origin     string
	Permission string
	Setting    engine.PermissionSetting
}

type page struct {
	context engine.ContextID
	url     string
	bounds  engine.Rect
	blocked []string
	subs    map[int]chan engine.Event
}

// Engine is a thread-safe fake of every engine interface.
type Engine struct {
	mu sync.Mutex

	nextID   int
	contexts map[engine.ContextID]bool
	disposed map[engine.ContextID]bool
	cleared  map[engine.ContextID]int
	pages    map[engine.PageID]*page
	closed   map[engine.PageID]bool
	cookies  map[engine.ContextID][]engine.Cookie

	evals       []EvalCall
	permissions []PermissionCall
	focused     []engine.PageID
	fileInputs  map[engine.PageID][]string
	navigations []string

	// Fail injects errors by method name (e.g. "CreatePage").
	Fail map[string]error
	// EvalFunc answers Evaluate; nil returns JSON null.
	EvalFunc func(page engine.PageID, expr string) (json.RawMessage, error)
	// NavigateFunc replaces the default navigation behaviour, which commits the
	// URL and emits navigated + load_finished.
	NavigateFunc func(e *Engine, page engine.PageID, url string) error
}

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		contexts:   make(map[engine.ContextID]bool),
		disposed:   make(map[engine.ContextID]bool),
		cleared:    make(map[engine.ContextID]int),
		pages:      make(map[engine.PageID]*page),
		closed:     make(map[engine.PageID]bool),
		cookies:    make(map[engine.ContextID][]engine.Cookie),
		fileInputs: make(map[engine.PageID][]string),
		Fail:       make(map[string]error),
	}
}

func (e *Engine) failure(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Fail[method]
}

// SetFail sets or clears (err == nil) an injected failure.
func (e *Engine) SetFail(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.Fail, method)
		return
	}
	e.Fail[method] = err
}

func (e *Engine) CreateBrowserContext(ctx context.Context) (engine.ContextID, error) {
	if err := e.failure("CreateBrowserContext"); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := engine.ContextID(fmt.Sprintf("ctx-%d", e.nextID))
	e.contexts[id] = true
	return id, nil
}

func (e *Engine) DisposeBrowserContext(ctx context.Context, id engine.ContextID) error {
	if err := e.failure("DisposeBrowserContext"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, id)
	delete(e.cookies, id)
	e.disposed[id] = true
	return nil
}

func (e *Engine) ClearBrowserContextData(ctx context.Context, id engine.ContextID) error {
	if err := e.failure("ClearBrowserContextData"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cookies, id)
	e.cleared[id]++
	return nil
}

func (e *Engine) SetPermission(ctx context.Context, id engine.ContextID, origin, permission string, setting engine.PermissionSetting) error {
	if err := e.failure("SetPermission"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.permissions = append(e.permissions, PermissionCall{Context: id, Origin: origin, Permission: permission, Setting: setting})
	return nil
}

func (e *Engine) SetCookies(ctx context.Context, id engine.ContextID, cookies []engine.Cookie) error {
	if err := e.failure("SetCookies"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cookies[id] = append(e.cookies[id], cookies...)
	return nil
}

func (e *Engine) Cookies(ctx context.Context, id engine.ContextID) ([]engine.Cookie, error) {
	if err := e.failure("Cookies"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.Cookie, len(e.cookies[id]))
	copy(out, e.cookies[id])
	return out, nil
}

func (e *Engine) CreatePage(ctx context.Context, id engine.ContextID) (engine.PageID, error) {
	if err := e.failure("CreatePage"); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	pid := engine.PageID(fmt.Sprintf("page-%d", e.nextID))
	e.pages[pid] = &page{context: id, url: "about:blank", subs: make(map[int]chan engine.Event)}
	return pid, nil
}

func (e *Engine) ClosePage(ctx context.Context, pid engine.PageID) error {
	if err := e.failure("ClosePage"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pages[pid]
	if !ok {
		return fmt.Errorf("page %s not found", pid)
	}
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	delete(e.pages, pid)
	e.closed[pid] = true
	return nil
}

func (e *Engine) WindowBounds(ctx context.Context, pid engine.PageID) (engine.Rect, error) {
	if err := e.failure("WindowBounds"); err != nil {
		return engine.Rect{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pages[pid]
	if !ok {
		return engine.Rect{}, fmt.Errorf("page %s not found", pid)
	}
	return p.bounds, nil
}

func (e *Engine) SetWindowBounds(ctx context.Context, pid engine.PageID, r engine.Rect) error {
	if err := e.failure("SetWindowBounds"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pages[pid]
	if !ok {
		return fmt.Errorf("page %s not found", pid)
	}
	p.bounds = r
	return nil
}

func (e *Engine) FocusPage(ctx context.Context, pid engine.PageID) error {
	if err := e.failure("FocusPage"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focused = append(e.focused, pid)
	return nil
}

func (e *Engine) SetBlockedURLs(ctx context.Context, pid engine.PageID, patterns []string) error {
	if err := e.failure("SetBlockedURLs"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pages[pid]; ok {
		p.blocked = append([]string(nil), patterns...)
	}
	return nil
}

func (e *Engine) Evaluate(ctx context.Context, pid engine.PageID, expr string) (json.RawMessage, error) {
	if err := e.failure("Evaluate"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.evals = append(e.evals, EvalCall{Page: pid, Expression: expr})
	fn := e.EvalFunc
	e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return json.RawMessage("null"), nil
	}
	return fn(pid, expr)
}

func (e *Engine) Navigate(ctx context.Context, pid engine.PageID, url string) error {
	if err := e.failure("Navigate"); err != nil {
		return err
	}
	e.mu.Lock()
	e.navigations = append(e.navigations, url)
	fn := e.NavigateFunc
	e.mu.Unlock()
	if fn != nil {
		return fn(e, pid, url)
	}
	e.SetURL(pid, url)
	e.Emit(pid, engine.Event{Kind: engine.EventNavigated, URL: url})
	e.Emit(pid, engine.Event{Kind: engine.EventLoadFinished, URL: url})
	return nil
}

func (e *Engine) CurrentURL(ctx context.Context, pid engine.PageID) (string, error) {
	if err := e.failure("CurrentURL"); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pages[pid]
	if !ok {
		return "", fmt.Errorf("page %s not found", pid)
	}
	return p.url, nil
}

func (e *Engine) Subscribe(pid engine.PageID) (<-chan engine.Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan engine.Event, 64)
	p, ok := e.pages[pid]
	if !ok {
		close(ch)
		return ch, func() {}
	}
	e.nextID++
	id := e.nextID
	p.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if p, ok := e.pages[pid]; ok {
			if c, ok := p.subs[id]; ok {
				close(c)
				delete(p.subs, id)
			}
		}
	}
}

func (e *Engine) SetFileInputFiles(ctx context.Context, pid engine.PageID, selector string, paths []string) error {
	if err := e.failure("SetFileInputFiles"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fileInputs[pid] = append([]string(nil), paths...)
	return nil
}

// Emit delivers ev to every subscriber of page without blocking.
func (e *Engine) Emit(pid engine.PageID, ev engine.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pages[pid]
	if !ok {
		return
	}
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SetURL changes the committed URL of page.
func (e *Engine) SetURL(pid engine.PageID, url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pages[pid]; ok {
		p.url = url
	}
}

// Evals returns a copy of recorded Evaluate calls.
func (e *Engine) Evals() []EvalCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EvalCall(nil), e.evals...)
}

// ResetEvals clears the recorded Evaluate calls.
func (e *Engine) ResetEvals() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evals = nil
}

// Permissions returns a copy of recorded SetPermission calls.
func (e *Engine) Permissions() []PermissionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PermissionCall(nil), e.permissions...)
}

// Focused returns the pages focused so far, in order.
func (e *Engine) Focused() []engine.PageID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.PageID(nil), e.focused...)
}

// Navigations returns every URL passed to Navigate.
func (e *Engine) Navigations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.navigations...)
}

// FileInputs returns the paths last assigned to a file input on page.
func (e *Engine) FileInputs(pid engine.PageID) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.fileInputs[pid]...)
}

// Bounds returns the current window rectangle of page.
func (e *Engine) Bounds(pid engine.PageID) engine.Rect {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pages[pid]; ok {
		return p.bounds
	}
	return engine.Rect{}
}

// Blocked returns the blocked URL patterns applied to page.
func (e *Engine) Blocked(pid engine.PageID) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pages[pid]; ok {
		return append([]string(nil), p.blocked...)
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions on page.
func (e *Engine) SubscriberCount(pid engine.PageID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pages[pid]; ok {
		return len(p.subs)
	}
	return 0
}

// HasContext reports whether a browser context is live.
func (e *Engine) HasContext(id engine.ContextID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contexts[id]
}

// Disposed reports whether a browser context was disposed.
func (e *Engine) Disposed(id engine.ContextID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed[id]
}

// PageClosed reports whether page was closed.
func (e *Engine) PageClosed(pid engine.PageID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed[pid]
}

// PageContext returns the browser context page belongs to.
func (e *Engine) PageContext(pid engine.PageID) engine.ContextID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pages[pid]; ok {
		return p.context
	}
	return ""
}

// ContextCookies returns the cookies stored for a context.
func (e *Engine) ContextCookies(id engine.ContextID) []engine.Cookie {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Cookie(nil), e.cookies[id]...)
}
