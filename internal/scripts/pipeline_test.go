package scripts

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tabhost/internal/engine"
	"github.com/dgnsrekt/tabhost/internal/engine/enginetest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

func newPage(t *testing.T, eng *enginetest.Engine) engine.PageID {
	t.Helper()
	id, _ := eng.CreateBrowserContext(context.Background())
	pid, err := eng.CreatePage(context.Background(), id)
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	return pid
}

// scriptRuns returns, in order, which of the named markers each evaluated
// user script contained.
func scriptRuns(eng *enginetest.Engine, markers ...string) []string {
	var out []string
	for _, call := range eng.Evals() {
		for _, m := range markers {
			if strings.Contains(call.Expression, m) {
				out = append(out, m)
			}
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestReplayOrderAcrossNavigations(t *testing.T) {
	logs := captureLogs(t)
	eng := enginetest.New()
	pid := newPage(t, eng)

	var mu sync.Mutex
	s2Calls := 0
	eng.EvalFunc = func(page engine.PageID, expr string) (json.RawMessage, error) {
		if strings.Contains(expr, "markS2") {
			mu.Lock()
			s2Calls++
			first := s2Calls == 1
			mu.Unlock()
			if first {
				return nil, &engine.ScriptError{Text: "S2 exploded", Line: 1, Column: 7}
			}
		}
		return json.RawMessage(`null`), nil
	}

	p := NewPipeline(eng, eng, time.Millisecond)
	p.Attach(pid)
	defer p.Detach(pid)

	for _, s := range []string{"window.markS1 = 1", "window.markS2 = 1", "window.markS3 = 1"} {
		if _, err := p.Register(pid, s); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	if len(eng.Evals()) != 0 {
		t.Fatal("Register() executed scripts immediately")
	}

	eng.Emit(pid, engine.Event{Kind: engine.EventLoadFinished, URL: "https://a.example/"})
	waitFor(t, func() bool { return len(scriptRuns(eng, "markS1", "markS2", "markS3")) == 3 })
	eng.Emit(pid, engine.Event{Kind: engine.EventNavigated, URL: "https://a.example/next"})
	eng.Emit(pid, engine.Event{Kind: engine.EventLoadFinished, URL: "https://a.example/next"})
	waitFor(t, func() bool { return len(scriptRuns(eng, "markS1", "markS2", "markS3")) == 6 })

	got := strings.Join(scriptRuns(eng, "markS1", "markS2", "markS3"), ",")
	want := "markS1,markS2,markS3,markS1,markS2,markS3"
	if got != want {
		t.Fatalf("script order = %s; want %s", got, want)
	}
	if p.Replays(pid) != 2 {
		t.Fatalf("Replays() = %d; want 2", p.Replays(pid))
	}

	shims := 0
	for _, call := range eng.Evals() {
		if call.Expression == compatShim {
			shims++
		}
	}
	if shims != 2 {
		t.Fatalf("shim runs = %d; want 2", shims)
	}

	out := logs.String()
	if !strings.Contains(out, "init script failed") || !strings.Contains(out, "index=1") || !strings.Contains(out, "S2 exploded") || !strings.Contains(out, "column=7") {
		t.Fatalf("expected logged failure of script 1, got logs: %s", out)
	}
}

func TestReplaySurvivesEvaluateErrors(t *testing.T) {
	captureLogs(t)
	eng := enginetest.New()
	pid := newPage(t, eng)
	eng.EvalFunc = func(page engine.PageID, expr string) (json.RawMessage, error) {
		if strings.Contains(expr, "first") {
			return nil, &engine.ScriptError{Text: "SyntaxError", Line: 2, Column: 3}
		}
		return json.RawMessage(`not json`), nil
	}

	p := NewPipeline(eng, eng, 0)
	p.Attach(pid)
	defer p.Detach(pid)
	_, _ = p.Register(pid, "first(")
	_, _ = p.Register(pid, "second")

	p.Replay(context.Background(), pid)
	if got := scriptRuns(eng, "first", "second"); len(got) != 2 {
		t.Fatalf("runs = %v; want both scripts attempted", got)
	}
}

func TestRegisterValidation(t *testing.T) {
	eng := enginetest.New()
	p := NewPipeline(eng, eng, 0)
	if _, err := p.Register("missing", "1"); err == nil {
		t.Fatal("Register() on unattached page = nil error")
	}
	pid := newPage(t, eng)
	p.Attach(pid)
	p.Attach(pid)
	defer p.Detach(pid)
	if _, err := p.Register(pid, ""); err == nil {
		t.Fatal("Register() empty script = nil error")
	}
	if n, _ := p.Register(pid, "a"); n != 1 {
		t.Fatalf("Register() = %d; want 1", n)
	}
	if got := p.Scripts(pid); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Scripts() = %v", got)
	}
	if eng.SubscriberCount(pid) != 1 {
		t.Fatalf("SubscriberCount() = %d; want 1 after double attach", eng.SubscriberCount(pid))
	}
}

func TestDetachStopsWorker(t *testing.T) {
	eng := enginetest.New()
	pid := newPage(t, eng)
	p := NewPipeline(eng, eng, 0)
	p.Attach(pid)
	_, _ = p.Register(pid, "x")

	p.Detach(pid)
	p.Detach(pid)
	if eng.SubscriberCount(pid) != 0 {
		t.Fatalf("SubscriberCount() = %d after detach", eng.SubscriberCount(pid))
	}
	if p.Scripts(pid) != nil {
		t.Fatal("scripts kept after detach")
	}
}

func TestWorkerExitsWhenPageCloses(t *testing.T) {
	eng := enginetest.New()
	pid := newPage(t, eng)
	p := NewPipeline(eng, eng, 0)
	p.Attach(pid)

	if err := eng.ClosePage(context.Background(), pid); err != nil {
		t.Fatalf("ClosePage: %v", err)
	}
	p.Detach(pid)
}

func TestScriptsAreEvaluatedVerbatim(t *testing.T) {
	eng := enginetest.New()
	pid := newPage(t, eng)
	p := NewPipeline(eng, eng, 0)
	p.Attach(pid)
	defer p.Detach(pid)

	body := "console.log(\"`${x}`\")\n// end"
	if _, err := p.Register(pid, body); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	p.Replay(context.Background(), pid)

	var sent []string
	for _, call := range eng.Evals() {
		if call.Expression != compatShim {
			sent = append(sent, call.Expression)
		}
	}
	if len(sent) != 1 || sent[0] != body {
		t.Fatalf("evaluated = %q; want exactly %q", sent, body)
	}
	if strings.Contains(sent[0], "eval") {
		t.Fatalf("init script routed through eval: %s", sent[0])
	}
}
