package tabs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tabhost/internal/config"
	"github.com/dgnsrekt/tabhost/internal/engine"
	"github.com/dgnsrekt/tabhost/internal/engine/enginetest"
	"github.com/dgnsrekt/tabhost/internal/events"
	"github.com/dgnsrekt/tabhost/internal/isolation"
	"github.com/dgnsrekt/tabhost/internal/navigation"
	"github.com/dgnsrekt/tabhost/internal/scripts"
	"github.com/dgnsrekt/tabhost/internal/surface"
	"github.com/dgnsrekt/tabhost/internal/upload"
)

type fixture struct {
	eng    *enginetest.Engine
	m      *Manager
	broker *events.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := enginetest.New()
	eng.EvalFunc = func(_ engine.PageID, expr string) (json.RawMessage, error) {
		if expr == "1+1" {
			return json.RawMessage("2"), nil
		}
		return json.RawMessage("null"), nil
	}
	broker := events.NewBroker()
	pipeline := scripts.NewPipeline(eng, eng, 0)
	layout := surface.Layout{Window: engine.Rect{Width: 1280, Height: 800}, HeaderHeight: 96}
	m := NewManager(Deps{
		Isolation:  isolation.NewProvider(eng, config.PermissionPolicy{}),
		Surfaces:   surface.NewPool(eng, layout, nil),
		Navigation: navigation.NewTracker(eng, navigation.Options{Timeout: time.Second, RedirectGrace: 100 * time.Millisecond, PollInterval: 20 * time.Millisecond}),
		Scripts:    pipeline,
		Uploads:    upload.NewInjector(eng, upload.Options{}),
		Eval:       eng,
		Storage:    eng,
		Broker:     broker,
	})
	t.Cleanup(func() {
		_ = m.CloseAll(context.Background())
		broker.Close()
	})
	return &fixture{eng: eng, m: m, broker: broker}
}

func (f *fixture) create(t *testing.T, account, platform string, opts CreateOptions) Tab {
	t.Helper()
	tab, err := f.m.CreateTab(context.Background(), account, platform, opts)
	if err != nil {
		t.Fatalf("CreateTab(%q, %q) error = %v", account, platform, err)
	}
	return tab
}

func activeCount(m *Manager) int {
	n := 0
	for _, tab := range m.ListTabs() {
		if tab.State == StateActive {
			n++
		}
	}
	return n
}

func codeOf(err error) string {
	var ce *engine.CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func TestCreateSwitchCloseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, "alice", "x", CreateOptions{})
	b := f.create(t, "bob", "y", CreateOptions{})

	active, ok := f.m.GetActiveTab()
	if !ok || active.ID != b.ID {
		t.Fatalf("active = %+v (%v); want %s", active, ok, b.ID)
	}
	if got, _ := f.m.GetTab(a.ID); got.State != StateBackground || got.Visible {
		t.Fatalf("first tab = %+v; want background and hidden", got)
	}
	if a.ContextKey == b.ContextKey || a.ContextID == b.ContextID {
		t.Fatalf("tabs share a context: %s / %s", a.ContextID, b.ContextID)
	}

	if err := f.m.CloseTab(ctx, b.ID); err != nil {
		t.Fatalf("CloseTab() error = %v", err)
	}
	active, ok = f.m.GetActiveTab()
	if !ok || active.ID != a.ID || !active.Visible {
		t.Fatalf("active after close = %+v (%v); want %s", active, ok, a.ID)
	}
	if !f.eng.Disposed(b.ContextID) {
		t.Fatal("closed tab's context not disposed")
	}
	if !f.eng.PageClosed(b.PageID) {
		t.Fatal("closed tab's page still open")
	}

	raw, err := f.m.ExecuteScript(ctx, a.ID, "1+1")
	if err != nil {
		t.Fatalf("ExecuteScript() error = %v", err)
	}
	if string(raw) != "2" {
		t.Fatalf("ExecuteScript() = %s; want 2", raw)
	}
}

func TestSingleActiveTabAcrossOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for _, acct := range []string{"a1", "a2", "a3"} {
		ids = append(ids, f.create(t, acct, "x", CreateOptions{}).ID)
		if n := activeCount(f.m); n != 1 {
			t.Fatalf("active tabs = %d after create; want 1", n)
		}
	}
	hidden := f.create(t, "bot", "x", CreateOptions{Headless: true})
	if hidden.Visible || hidden.State != StateReady {
		t.Fatalf("headless tab = %+v; want ready and hidden", hidden)
	}

	for _, id := range []string{ids[0], ids[2], ids[1], ids[1]} {
		if _, err := f.m.SwitchTab(ctx, id); err != nil {
			t.Fatalf("SwitchTab(%s) error = %v", id, err)
		}
		if n := activeCount(f.m); n != 1 {
			t.Fatalf("active tabs = %d; want 1", n)
		}
	}
	if _, err := f.m.SwitchTab(ctx, hidden.ID); codeOf(err) != engine.CodeValidation {
		t.Fatalf("SwitchTab(headless) error = %v; want VALIDATION", err)
	}

	if err := f.m.CloseTab(ctx, ids[1]); err != nil {
		t.Fatalf("CloseTab() error = %v", err)
	}
	active, _ := f.m.GetActiveTab()
	if active.ID != ids[0] {
		t.Fatalf("promoted %s; want earliest remaining %s", active.ID, ids[0])
	}
	if n := activeCount(f.m); n != 1 {
		t.Fatalf("active tabs = %d after close; want 1", n)
	}
}

func TestClosingLastVisibleTabLeavesNoneActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	only := f.create(t, "alice", "x", CreateOptions{})
	f.create(t, "bot", "x", CreateOptions{Headless: true})

	if err := f.m.CloseTab(ctx, only.ID); err != nil {
		t.Fatalf("CloseTab() error = %v", err)
	}
	if tab, ok := f.m.GetActiveTab(); ok {
		t.Fatalf("active = %+v; want none", tab)
	}
	if got := len(f.m.ListTabs()); got != 1 {
		t.Fatalf("ListTabs() = %d; want 1", got)
	}
}

func TestFailedSwitchDoesNotReportHiddenTabVisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "alice", "x", CreateOptions{})
	b := f.create(t, "bob", "x", CreateOptions{})

	f.eng.SetFail("SetWindowBounds", errors.New("browser gone"))
	_, err := f.m.SwitchTab(ctx, a.ID)
	f.eng.SetFail("SetWindowBounds", nil)
	if codeOf(err) != engine.CodeCDPUnavailable {
		t.Fatalf("SwitchTab() error = %v; want CDP_UNAVAILABLE", err)
	}

	if active, ok := f.m.GetActiveTab(); ok {
		t.Fatalf("active = %s; want none after a failed attach left nothing shown", active.ID)
	}
	if got, _ := f.m.GetTab(b.ID); got.Visible || got.State == StateActive {
		t.Fatalf("previous tab = %+v; want hidden", got)
	}

	if _, err := f.m.SwitchTab(ctx, a.ID); err != nil {
		t.Fatalf("SwitchTab() after recovery error = %v", err)
	}
	if n := activeCount(f.m); n != 1 {
		t.Fatalf("active tabs = %d; want 1", n)
	}
}

func TestUnknownTabFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checks := map[string]error{}
	_, checks["switch"] = f.m.SwitchTab(ctx, "nope")
	checks["close"] = f.m.CloseTab(ctx, "nope")
	_, checks["navigate"] = f.m.NavigateTab(ctx, "nope", "https://example.com")
	_, checks["execute"] = f.m.ExecuteScript(ctx, "nope", "1")
	_, checks["load"] = f.m.LoadCookies(ctx, "nope", "c.json")
	_, checks["save"] = f.m.SaveCookies(ctx, "nope", "c.json")
	_, checks["upload"] = f.m.Upload(ctx, "nope", upload.Request{Selector: "input", Path: "f"})
	_, checks["wait"] = f.m.WaitForURLChange(ctx, "nope", time.Millisecond)
	_, checks["register"] = f.m.RegisterInitScript("nope", "1")
	for op, err := range checks {
		if codeOf(err) != engine.CodeTabNotFound {
			t.Errorf("%s error = %v; want TAB_NOT_FOUND", op, err)
		}
	}
	if len(f.eng.Evals()) != 0 || len(f.eng.Navigations()) != 0 {
		t.Fatal("engine touched for an unknown tab")
	}
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture(t)
	if _, err := f.m.CreateTab(context.Background(), " ", "x", CreateOptions{}); codeOf(err) != engine.CodeValidation {
		t.Fatalf("blank account error = %v; want VALIDATION", err)
	}
	if _, err := f.m.CreateTab(context.Background(), "alice", "", CreateOptions{}); codeOf(err) != engine.CodeValidation {
		t.Fatalf("blank platform error = %v; want VALIDATION", err)
	}
	if len(f.m.ListTabs()) != 0 {
		t.Fatal("invalid create left a tab behind")
	}
}

func TestCreateFailureLeavesNoTab(t *testing.T) {
	f := newFixture(t)
	f.eng.SetFail("CreatePage", errors.New("target crashed"))
	_, err := f.m.CreateTab(context.Background(), "alice", "x", CreateOptions{})
	if codeOf(err) != engine.CodeIsolationFailure {
		t.Fatalf("error = %v; want ISOLATION_FAILURE", err)
	}
	if len(f.m.ListTabs()) != 0 {
		t.Fatal("failed create left a tab behind")
	}
	if f.m.deps.Isolation.Len() != 0 {
		t.Fatal("failed create left its context behind")
	}
}

func TestTabIDsAreUnique(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.m.now = func() time.Time { return fixed }

	a := f.create(t, "Alice Smith", "X", CreateOptions{Headless: true})
	b := f.create(t, "Alice Smith", "X", CreateOptions{Headless: true})
	if !strings.HasPrefix(a.ID, "x_alice-smith_") {
		t.Fatalf("id = %q", a.ID)
	}
	if a.ID == b.ID || b.ID != a.ID+"-2" {
		t.Fatalf("ids = %q, %q", a.ID, b.ID)
	}
	if a.ContextID != b.ContextID {
		t.Fatal("same account and platform should share a context")
	}

	if err := f.m.CloseTab(context.Background(), a.ID); err != nil {
		t.Fatalf("CloseTab() error = %v", err)
	}
	if f.eng.Disposed(b.ContextID) {
		t.Fatal("shared context disposed while another tab uses it")
	}
}

func TestNavigateUpdatesURLAndLoginStatus(t *testing.T) {
	f := newFixture(t)
	f.m.deps.Probes = map[string]LoginProbe{"x": ScriptProbe{Eval: f.eng, Expression: "document.cookie.includes('sid')"}}
	f.eng.EvalFunc = func(_ engine.PageID, expr string) (json.RawMessage, error) {
		if strings.Contains(expr, "document.cookie.includes") {
			return json.RawMessage("true"), nil
		}
		return json.RawMessage("null"), nil
	}
	_, ch := f.broker.Subscribe()

	tab := f.create(t, "alice", "x", CreateOptions{})
	res, err := f.m.NavigateTab(context.Background(), tab.ID, "https://x.example/home")
	if err != nil {
		t.Fatalf("NavigateTab() error = %v", err)
	}
	if res.Outcome != navigation.OutcomeLoaded {
		t.Fatalf("outcome = %s; want loaded", res.Outcome)
	}
	got, _ := f.m.GetTab(tab.ID)
	if got.URL != "https://x.example/home" || got.LoginStatus != LoggedIn {
		t.Fatalf("tab = %+v", got)
	}

	seen := map[string]bool{}
	for len(ch) > 0 {
		seen[(<-ch).Type] = true
	}
	for _, want := range []string{events.TabCreated, events.TabSwitched, events.TabNavigated, events.TabLoginStatus} {
		if !seen[want] {
			t.Errorf("event %s not published", want)
		}
	}
}

func TestInitialURLIsLoaded(t *testing.T) {
	f := newFixture(t)
	tab := f.create(t, "alice", "x", CreateOptions{InitialURL: "https://x.example/"})
	if tab.URL != "https://x.example/" {
		t.Fatalf("URL = %q", tab.URL)
	}
	if navs := f.eng.Navigations(); len(navs) != 1 {
		t.Fatalf("navigations = %v", navs)
	}
}

func TestExecuteScriptMapsExceptions(t *testing.T) {
	f := newFixture(t)
	tab := f.create(t, "alice", "x", CreateOptions{Headless: true})
	f.eng.EvalFunc = func(engine.PageID, string) (json.RawMessage, error) {
		return nil, &engine.ScriptError{Text: "ReferenceError: nope is not defined", Line: 1}
	}
	_, err := f.m.ExecuteScript(context.Background(), tab.ID, "nope()")
	if codeOf(err) != engine.CodeScriptFailure {
		t.Fatalf("error = %v; want SCRIPT_FAILURE", err)
	}
	var se *engine.ScriptError
	if !errors.As(err, &se) || se.Line != 1 {
		t.Fatalf("error does not carry the script exception: %v", err)
	}

	f.eng.EvalFunc = func(engine.PageID, string) (json.RawMessage, error) {
		return nil, engine.NewError(engine.CodeScriptTimeout, "evaluation timed out", context.DeadlineExceeded)
	}
	if _, err := f.m.ExecuteScript(context.Background(), tab.ID, "while(true){}"); codeOf(err) != engine.CodeScriptTimeout {
		t.Fatalf("error = %v; want SCRIPT_TIMEOUT", err)
	}
	if _, err := f.m.ExecuteScript(context.Background(), tab.ID, " "); codeOf(err) != engine.CodeValidation {
		t.Fatalf("blank script error = %v; want VALIDATION", err)
	}
}

func TestCookieLoadAndSave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	data := `[
		{"name":"sid","value":"1","domain":".x.example","path":"/"},
		{"name":"orphan","value":"2"}
	]`
	if err := os.WriteFile(in, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	tab := f.create(t, "alice", "x", CreateOptions{InitialURL: "https://x.example/"})
	loaded, err := f.m.LoadCookies(ctx, tab.ID, in)
	if err != nil {
		t.Fatalf("LoadCookies() error = %v", err)
	}
	if n := loaded.Count; n != 1 || len(f.eng.ContextCookies(tab.ContextID)) != 1 {
		t.Fatalf("loaded %d cookies; want 1 (orphan skipped)", n)
	}
	if loaded.File != in {
		t.Fatalf("LoadCookies() file = %q; want %q", loaded.File, in)
	}
	if navs := f.eng.Navigations(); len(navs) != 2 {
		t.Fatalf("navigations = %v; want reload after load", navs)
	}

	out := filepath.Join(dir, "out", "alice.json")
	f.eng.SetCookies(ctx, tab.ContextID, []engine.Cookie{{Name: "tmp", Value: "x"}})
	saved, err := f.m.SaveCookies(ctx, tab.ID, out)
	if err != nil {
		t.Fatalf("SaveCookies() error = %v", err)
	}
	if saved.Count != 1 || saved.File != out {
		t.Fatalf("SaveCookies() = %+v; want 1 cookie in %s", saved, out)
	}
	written, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if !strings.Contains(string(written), `"sid"`) || strings.Contains(string(written), `"tmp"`) {
		t.Fatalf("saved file = %s", written)
	}

	fallback, err := f.m.SaveCookies(ctx, tab.ID, "")
	if err != nil {
		t.Fatalf("SaveCookies() to tab file error = %v", err)
	}
	if fallback.File != out {
		t.Fatalf("SaveCookies() without file used %q; want the tab's %q", fallback.File, out)
	}
}

func TestCloseToleratesCleanupFailure(t *testing.T) {
	f := newFixture(t)
	tab := f.create(t, "alice", "x", CreateOptions{})
	f.eng.SetFail("ClosePage", errors.New("target gone"))
	f.eng.SetFail("ClearBrowserContextData", errors.New("storage busy"))

	err := f.m.CloseTab(context.Background(), tab.ID)
	if err == nil {
		t.Fatal("CloseTab() error = nil; want context teardown error")
	}
	if _, err := f.m.GetTab(tab.ID); codeOf(err) != engine.CodeTabNotFound {
		t.Fatalf("tab still registered after close: %v", err)
	}
	if !f.eng.Disposed(tab.ContextID) {
		t.Fatal("context not disposed after clear failure")
	}
}

func TestWaitForURLChangeUsesDefault(t *testing.T) {
	f := newFixture(t)
	f.m.deps.WaitURLTimeout = 50 * time.Millisecond
	tab := f.create(t, "alice", "x", CreateOptions{Headless: true})

	changed, err := f.m.WaitForURLChange(context.Background(), tab.ID, 0)
	if err != nil || changed {
		t.Fatalf("WaitForURLChange() = %v, %v; want false, nil", changed, err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.eng.SetURL(tab.PageID, "https://x.example/next")
	}()
	changed, err = f.m.WaitForURLChange(context.Background(), tab.ID, time.Second)
	if err != nil || !changed {
		t.Fatalf("WaitForURLChange() = %v, %v; want true, nil", changed, err)
	}
}

func TestRegisterInitScriptAndPlatformScripts(t *testing.T) {
	f := newFixture(t)
	f.m.deps.PlatformScripts = map[string][]string{"x": {"window.a = 1", "window.b = 2"}}
	tab := f.create(t, "alice", "x", CreateOptions{Headless: true})

	n, err := f.m.RegisterInitScript(tab.ID, "window.c = 3")
	if err != nil {
		t.Fatalf("RegisterInitScript() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("script count = %d; want 3", n)
	}
	if got := f.m.deps.Scripts.Scripts(tab.PageID); len(got) != 3 || got[0] != "window.a = 1" {
		t.Fatalf("scripts = %v", got)
	}
}
