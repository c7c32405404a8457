// Package tabs is the facade over isolation, surfaces, navigation, scripts
// and uploads. It owns the tab registry and the single active tab.
package tabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tabhost/internal/cookies"
	"github.com/dgnsrekt/tabhost/internal/engine"
	"github.com/dgnsrekt/tabhost/internal/events"
	"github.com/dgnsrekt/tabhost/internal/isolation"
	"github.com/dgnsrekt/tabhost/internal/navigation"
	"github.com/dgnsrekt/tabhost/internal/scripts"
	"github.com/dgnsrekt/tabhost/internal/surface"
	"github.com/dgnsrekt/tabhost/internal/upload"
)

// Deps wires the manager to its components.
type Deps struct {
	Isolation  *isolation.Provider
	Surfaces   *surface.Pool
	Navigation *navigation.Tracker
	Scripts    *scripts.Pipeline
	Uploads    *upload.Injector
	Eval       engine.Evaluator
	Storage    engine.ContextController
	// Broker is optional.
	Broker          *events.Broker
	Probes          map[string]LoginProbe
	PlatformScripts map[string][]string
	WaitURLTimeout  time.Duration
}

// Manager owns every tab. Callers serialise operations per tab id.
type Manager struct {
	deps Deps
	now  func() time.Time

	mu     sync.RWMutex
	tabs   map[string]*Tab
	order  []string
	active string

	// switchMu funnels every attach and detach so two surfaces are never
	// shown together.
	switchMu sync.Mutex
}

func NewManager(deps Deps) *Manager {
	if deps.WaitURLTimeout <= 0 {
		deps.WaitURLTimeout = 10 * time.Second
	}
	return &Manager{
		deps: deps,
		now:  time.Now,
		tabs: make(map[string]*Tab),
	}
}

func requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return engine.NewError(engine.CodeValidation, fieldName+" is required", nil)
	}
	return nil
}

func notFound(id string) error {
	return engine.NewError(engine.CodeTabNotFound, "tab not found: "+id, nil)
}

func (m *Manager) publish(kind, tabID string, data any) {
	if m.deps.Broker == nil {
		return
	}
	m.deps.Broker.Publish(events.Event{Type: kind, TabID: tabID, Data: data})
}

// get returns a snapshot of a live tab.
func (m *Manager) get(id string) (Tab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tabs[id]
	if !ok || t.State == StateClosing || t.State == StateClosed || t.State == StateCreating {
		return Tab{}, notFound(id)
	}
	return *t, nil
}

func (m *Manager) update(id string, fn func(t *Tab)) (Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	if !ok {
		return Tab{}, false
	}
	fn(t)
	return *t, true
}

// reserve registers a Creating tab under a unique id.
func (m *Manager) reserve(account, platform string, opts CreateOptions) *Tab {
	base := fmt.Sprintf("%s_%s_%d", orDefault(slug(platform), "platform"), orDefault(slug(account), "account"), m.now().UnixMilli())

	m.mu.Lock()
	defer m.mu.Unlock()
	id := base
	for n := 2; m.tabs[id] != nil; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	t := &Tab{
		ID:          id,
		Account:     strings.TrimSpace(account),
		Platform:    strings.TrimSpace(platform),
		ContextKey:  isolation.Key(platform, account),
		URL:         "about:blank",
		LoginStatus: Unknown,
		Headless:    opts.Headless,
		State:       StateCreating,
		CreatedAt:   m.now().UTC(),
	}
	m.tabs[id] = t
	m.order = append(m.order, id)
	return t
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tabs, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.active == id {
		m.active = ""
	}
}

// contextShared reports whether another live tab uses key.
func (m *Manager) contextShared(key, except string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, t := range m.tabs {
		if id != except && t.ContextKey == key && t.State != StateClosed {
			return true
		}
	}
	return false
}

// CreateTab allocates an isolated context and a surface for the account. A
// visible tab becomes active; an initial URL is loaded before returning.
func (m *Manager) CreateTab(ctx context.Context, account, platform string, opts CreateOptions) (Tab, error) {
	if err := requireNonEmpty(account, "accountName"); err != nil {
		return Tab{}, err
	}
	if err := requireNonEmpty(platform, "platform"); err != nil {
		return Tab{}, err
	}

	t := m.reserve(account, platform, opts)
	id, key := t.ID, t.ContextKey
	slog.Info("Creating tab", "tab_id", id, "account", account, "platform", platform, "headless", opts.Headless)

	contextID, err := m.deps.Isolation.CreateContext(ctx, key)
	if err != nil {
		m.forget(id)
		return Tab{}, err
	}

	pid, err := m.deps.Surfaces.Create(ctx, contextID)
	if err != nil {
		if !m.contextShared(key, id) {
			if derr := m.deps.Isolation.DeleteContext(ctx, key); derr != nil {
				slog.Warn("release context after surface failure", "tab_id", id, "error", derr)
			}
		}
		m.forget(id)
		return Tab{}, engine.NewError(engine.CodeIsolationFailure, "create surface for "+id, err)
	}

	m.deps.Scripts.Attach(pid)
	for i, s := range m.deps.PlatformScripts[strings.TrimSpace(platform)] {
		if _, err := m.deps.Scripts.Register(pid, s); err != nil {
			slog.Warn("register platform script failed", "tab_id", id, "index", i, "error", err)
		}
	}

	snap, _ := m.update(id, func(t *Tab) {
		t.ContextID = contextID
		t.PageID = pid
		t.State = StateReady
	})
	m.publish(events.TabCreated, id, snap)
	slog.Info("Tab ready", "tab_id", id, "context_id", contextID, "page_id", pid)

	if !opts.Headless {
		if s, err := m.SwitchTab(ctx, id); err != nil {
			slog.Warn("activate new tab failed", "tab_id", id, "error", err)
		} else {
			snap = s
		}
	}

	if u := strings.TrimSpace(opts.InitialURL); u != "" {
		if _, err := m.NavigateTab(ctx, id, u); err != nil {
			slog.Warn("initial navigation failed", "tab_id", id, "url", u, "error", err)
		}
	}

	if s, err := m.get(id); err == nil {
		snap = s
	}
	return snap, nil
}

// SwitchTab makes id the active tab, parking the previous one.
func (m *Manager) SwitchTab(ctx context.Context, id string) (Tab, error) {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	return m.switchLocked(ctx, id)
}

func (m *Manager) switchLocked(ctx context.Context, id string) (Tab, error) {
	t, err := m.get(id)
	if err != nil {
		return Tab{}, err
	}
	if t.Headless {
		return Tab{}, engine.NewError(engine.CodeValidation, "headless tab cannot be shown: "+id, nil)
	}

	m.mu.RLock()
	prev := m.active
	m.mu.RUnlock()
	if prev == id {
		return t, nil
	}

	if err := m.deps.Surfaces.Attach(ctx, t.PageID); err != nil {
		m.syncVisible()
		return Tab{}, engine.NewError(engine.CodeCDPUnavailable, "attach surface for "+id, err)
	}

	m.mu.Lock()
	if p, ok := m.tabs[prev]; ok {
		p.Visible = false
		if p.State == StateActive {
			p.State = StateBackground
		}
	}
	cur := m.tabs[id]
	cur.Visible = true
	cur.State = StateActive
	m.active = id
	snap := *cur
	m.mu.Unlock()

	m.publish(events.TabSwitched, id, map[string]string{"from": prev})
	slog.Info("Switched tab", "tab_id", id, "from", prev)
	return snap, nil
}

// syncVisible drops the active tab when the pool no longer shows its surface.
func (m *Manager) syncVisible() {
	attached := m.deps.Surfaces.Attached()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tabs[m.active]
	if !ok || cur.PageID == attached {
		return
	}
	slog.Warn("active tab lost its surface", "tab_id", cur.ID)
	cur.Visible = false
	if cur.State == StateActive {
		cur.State = StateBackground
	}
	m.active = ""
}

// CloseTab destroys id. Closing the active tab first promotes the earliest
// remaining visible tab. Cleanup keeps going past failures; a context
// teardown failure is returned after the tab is gone.
func (m *Manager) CloseTab(ctx context.Context, id string) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	t, err := m.get(id)
	if err != nil {
		return err
	}
	slog.Info("Closing tab", "tab_id", id)

	m.mu.Lock()
	m.tabs[id].State = StateClosing
	wasActive := m.active == id
	var replacement string
	if wasActive {
		for _, o := range m.order {
			c := m.tabs[o]
			if o == id || c.Headless || (c.State != StateReady && c.State != StateBackground) {
				continue
			}
			replacement = o
			break
		}
	}
	m.mu.Unlock()

	if wasActive {
		switched := false
		if replacement != "" {
			if _, err := m.switchLocked(ctx, replacement); err != nil {
				slog.Warn("promote replacement tab failed", "tab_id", id, "replacement", replacement, "error", err)
			} else {
				switched = true
			}
		}
		if !switched {
			m.deps.Surfaces.Detach(ctx, t.PageID)
			m.mu.Lock()
			m.active = ""
			m.mu.Unlock()
		}
	}

	m.deps.Navigation.Retire(t.PageID)
	m.deps.Uploads.Release(t.PageID)
	m.deps.Scripts.Detach(t.PageID)
	if err := m.deps.Surfaces.DetachAndDestroy(ctx, t.PageID); err != nil {
		slog.Warn("destroy surface failed", "tab_id", id, "page_id", t.PageID, "error", err)
	}

	var ctxErr error
	if !m.contextShared(t.ContextKey, id) {
		if err := m.deps.Isolation.DeleteContext(ctx, t.ContextKey); err != nil {
			ctxErr = err
		}
	}

	m.update(id, func(t *Tab) {
		t.State = StateClosed
		t.Visible = false
	})
	m.forget(id)
	m.publish(events.TabClosed, id, nil)
	slog.Info("Closed tab", "tab_id", id)
	return ctxErr
}

// CloseAll closes every tab, most recent first.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var errs []error
	for i := len(ids) - 1; i >= 0; i-- {
		if err := m.CloseTab(ctx, ids[i]); err != nil {
			var ce *engine.CodedError
			if errors.As(err, &ce) && ce.Code == engine.CodeTabNotFound {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NavigateTab loads url in id. The tab's URL is set before loading and
// replaced by the landed URL once the navigation settles.
func (m *Manager) NavigateTab(ctx context.Context, id, url string) (navigation.Result, error) {
	t, err := m.get(id)
	if err != nil {
		return navigation.Result{}, err
	}
	if err := requireNonEmpty(url, "url"); err != nil {
		return navigation.Result{}, err
	}
	url = strings.TrimSpace(url)
	m.update(id, func(t *Tab) { t.URL = url })

	res, err := m.deps.Navigation.Navigate(ctx, t.PageID, url)
	if err != nil {
		return res, err
	}
	if res.Outcome == navigation.OutcomeSuperseded {
		return res, nil
	}
	if res.Settled() && res.URL != "" {
		m.update(id, func(t *Tab) { t.URL = res.URL })
	}
	if res.Outcome == navigation.OutcomeFailed {
		slog.Warn("navigation failed", "tab_id", id, "url", url, "error", res.Error)
	}

	m.refreshLogin(ctx, id, t.Platform, t.PageID)
	m.publish(events.TabNavigated, id, res)
	return res, nil
}

func (m *Manager) refreshLogin(ctx context.Context, id, platform string, pid engine.PageID) {
	probe, ok := m.deps.Probes[platform]
	if !ok {
		return
	}
	status := probe.LoginStatus(ctx, pid)
	var changed bool
	m.update(id, func(t *Tab) {
		changed = t.LoginStatus != status
		t.LoginStatus = status
	})
	if changed {
		m.publish(events.TabLoginStatus, id, status)
	}
}

// ExecuteScript runs script in id and returns its completion value. Page
// exceptions come back as SCRIPT_FAILURE wrapping *engine.ScriptError.
func (m *Manager) ExecuteScript(ctx context.Context, id, script string) (json.RawMessage, error) {
	t, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if err := requireNonEmpty(script, "script"); err != nil {
		return nil, err
	}

	raw, err := m.deps.Eval.Evaluate(ctx, t.PageID, script)
	if err == nil {
		return raw, nil
	}
	slog.Warn("script execution failed", "tab_id", id, "error", err)

	var ce *engine.CodedError
	if errors.As(err, &ce) {
		return nil, err
	}
	var se *engine.ScriptError
	if errors.As(err, &se) {
		return nil, engine.NewError(engine.CodeScriptFailure, se.Text, se)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, engine.NewError(engine.CodeScriptTimeout, "script timed out", err)
	}
	return nil, engine.NewError(engine.CodeScriptFailure, "script execution failed", err)
}

// LoadCookies installs the cookies of file into id's context and reloads the
// page when it shows a real URL.
func (m *Manager) LoadCookies(ctx context.Context, id, file string) (CookieResult, error) {
	t, err := m.get(id)
	if err != nil {
		return CookieResult{}, err
	}
	if file = strings.TrimSpace(file); file == "" {
		file = t.CookieFile
	}
	if err := requireNonEmpty(file, "cookieFile"); err != nil {
		return CookieResult{}, err
	}

	records, err := cookies.Load(file)
	if err != nil {
		return CookieResult{}, engine.NewError(engine.CodeValidation, "load cookie file", err)
	}
	if err := m.deps.Storage.SetCookies(ctx, t.ContextID, records); err != nil {
		return CookieResult{}, engine.NewError(engine.CodeIsolationFailure, "install cookies", err)
	}
	m.update(id, func(t *Tab) { t.CookieFile = file })
	slog.Info("Loaded cookies", "tab_id", id, "count", len(records), "file", file)
	m.publish(events.CookiesLoaded, id, map[string]any{"count": len(records), "file": file})

	if !engine.IsBlankURL(t.URL) {
		if _, err := m.NavigateTab(ctx, id, t.URL); err != nil {
			slog.Warn("reload after cookie load failed", "tab_id", id, "error", err)
		}
	}
	return CookieResult{Count: len(records), File: file}, nil
}

// SaveCookies writes id's cookies to file, or to the tab's cookie file.
func (m *Manager) SaveCookies(ctx context.Context, id, file string) (CookieResult, error) {
	t, err := m.get(id)
	if err != nil {
		return CookieResult{}, err
	}
	if file = strings.TrimSpace(file); file == "" {
		file = t.CookieFile
	}
	if err := requireNonEmpty(file, "cookieFile"); err != nil {
		return CookieResult{}, err
	}

	records, err := m.deps.Storage.Cookies(ctx, t.ContextID)
	if err != nil {
		return CookieResult{}, engine.NewError(engine.CodeIsolationFailure, "read cookies", err)
	}
	n, err := cookies.Save(file, t.Account, records)
	if err != nil {
		return CookieResult{}, err
	}
	m.update(id, func(t *Tab) { t.CookieFile = file })
	slog.Info("Saved cookies", "tab_id", id, "count", n, "file", file)
	m.publish(events.CookiesSaved, id, map[string]any{"count": n, "file": file})
	return CookieResult{Count: n, File: file}, nil
}

// Upload delivers a host file into a file input of id.
func (m *Manager) Upload(ctx context.Context, id string, req upload.Request) (upload.Result, error) {
	t, err := m.get(id)
	if err != nil {
		return upload.Result{}, err
	}
	res, err := m.deps.Uploads.Upload(ctx, t.PageID, req)
	data := map[string]any{"success": err == nil, "result": res}
	if err != nil {
		slog.Warn("upload failed", "tab_id", id, "file", req.Path, "error", err)
		data["error"] = err.Error()
	}
	m.publish(events.UploadFinished, id, data)
	return res, err
}

// WaitForURLChange reports whether id leaves its current URL within timeout.
// A zero timeout uses the configured default.
func (m *Manager) WaitForURLChange(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	t, err := m.get(id)
	if err != nil {
		return false, err
	}
	if timeout <= 0 {
		timeout = m.deps.WaitURLTimeout
	}
	return m.deps.Navigation.WaitForURLChange(ctx, t.PageID, timeout)
}

// RegisterInitScript appends script to id's init scripts. It runs from the
// next page load on.
func (m *Manager) RegisterInitScript(id, script string) (int, error) {
	t, err := m.get(id)
	if err != nil {
		return 0, err
	}
	return m.deps.Scripts.Register(t.PageID, script)
}

// ListTabs returns every live tab in creation order.
func (m *Manager) ListTabs() []Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tab, 0, len(m.order))
	for _, id := range m.order {
		if t := m.tabs[id]; t != nil && t.State != StateCreating {
			out = append(out, *t)
		}
	}
	return out
}

// GetTab returns one tab.
func (m *Manager) GetTab(id string) (Tab, error) {
	return m.get(id)
}

// GetActiveTab returns the active tab, if any.
func (m *Manager) GetActiveTab() (Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return Tab{}, false
	}
	t, ok := m.tabs[m.active]
	if !ok {
		return Tab{}, false
	}
	return *t, true
}
