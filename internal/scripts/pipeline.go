// Package scripts replays registered init scripts after every full page load.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabhost/internal/engine"
)

// EventSource is the subset of engine.Navigator the pipeline listens to.
type EventSource interface {
	Subscribe(page engine.PageID) (<-chan engine.Event, func())
}

// Pipeline owns the init-script set of every attached page.
type Pipeline struct {
	eval  engine.Evaluator
	src   EventSource
	delay time.Duration

	mu    sync.Mutex
	pages map[engine.PageID]*pageScripts
}

type pageScripts struct {
	scripts     []string
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
	replays     int
}

func NewPipeline(eval engine.Evaluator, src EventSource, delay time.Duration) *Pipeline {
	return &Pipeline{
		eval:  eval,
		src:   src,
		delay: delay,
		pages: make(map[engine.PageID]*pageScripts),
	}
}

// Attach starts replaying scripts on each load of page. Attaching twice is a
// no-op.
func (p *Pipeline) Attach(pid engine.PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pages[pid]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, unsubscribe := p.src.Subscribe(pid)
	ps := &pageScripts{cancel: cancel, unsubscribe: unsubscribe, done: make(chan struct{})}
	p.pages[pid] = ps

	go p.worker(ctx, pid, events, ps.done)
}

// Detach stops the worker of page and drops its scripts.
func (p *Pipeline) Detach(pid engine.PageID) {
	p.mu.Lock()
	ps, ok := p.pages[pid]
	delete(p.pages, pid)
	p.mu.Unlock()
	if !ok {
		return
	}
	ps.cancel()
	ps.unsubscribe()
	<-ps.done
}

// Register appends script to the init-script set of page. It does not run
// until the next load.
func (p *Pipeline) Register(pid engine.PageID, script string) (int, error) {
	if script == "" {
		return 0, engine.NewError(engine.CodeValidation, "script is required", nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.pages[pid]
	if !ok {
		return 0, engine.NewError(engine.CodeTabNotFound, fmt.Sprintf("no script set for page %s", pid), nil)
	}
	ps.scripts = append(ps.scripts, script)
	return len(ps.scripts), nil
}

// Scripts returns a copy of the init-script set of page.
func (p *Pipeline) Scripts(pid engine.PageID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.pages[pid]; ok {
		return append([]string(nil), ps.scripts...)
	}
	return nil
}

// Replays returns how many times the set of page has been replayed.
func (p *Pipeline) Replays(pid engine.PageID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.pages[pid]; ok {
		return ps.replays
	}
	return 0
}

func (p *Pipeline) worker(ctx context.Context, pid engine.PageID, events <-chan engine.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != engine.EventLoadFinished {
				continue
			}
			p.Replay(ctx, pid)
		}
	}
}

// Replay runs the shim and then every registered script of page in order.
// Failures are logged and never stop later scripts.
func (p *Pipeline) Replay(ctx context.Context, pid engine.PageID) {
	p.mu.Lock()
	ps, ok := p.pages[pid]
	if !ok {
		p.mu.Unlock()
		return
	}
	ps.replays++
	scripts := append([]string(nil), ps.scripts...)
	p.mu.Unlock()

	if _, err := p.eval.Evaluate(ctx, pid, compatShim); err != nil {
		slog.Warn("compat shim failed", "page_id", pid, "error", err)
	}

	for i, body := range scripts {
		if i > 0 && p.delay > 0 {
			t := time.NewTimer(p.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		p.runOne(ctx, pid, i, body)
	}
	if len(scripts) > 0 {
		slog.Debug("init scripts replayed", "page_id", pid, "count", len(scripts))
	}
}

func (p *Pipeline) runOne(ctx context.Context, pid engine.PageID, index int, body string) {
	if _, err := p.eval.Evaluate(ctx, pid, body); err != nil {
		var se *engine.ScriptError
		if errors.As(err, &se) {
			slog.Warn("init script failed", "page_id", pid, "index", index, "line", se.Line, "column", se.Column, "error", se.Text)
			return
		}
		slog.Warn("init script failed", "page_id", pid, "index", index, "error", err)
	}
}
