// Package navigation drives page loads to a single settlement point.
//
// A navigation settles on whichever signal arrives first: a load event from
// the engine, a URL change seen by polling, a load failure, or the deadline.
// The deadline is extended while a redirect is in flight. At most one
// navigation is pending per page; a newer one supersedes the older, whose
// listeners are retired before the new ones are installed.
package navigation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabhost/internal/engine"
)

// Outcome is how a navigation settled.
type Outcome string

const (
	OutcomeLoaded     Outcome = "loaded"
	OutcomePolled     Outcome = "polled"
	OutcomeFailed     Outcome = "failed"
	OutcomeTimedOut   Outcome = "timed_out"
	OutcomeSuperseded Outcome = "superseded"
)

// Result describes a settled navigation. Every outcome is a successful
// return from the caller's point of view.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	URL     string        `json:"url,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Settled reports whether the page reached the target or a new URL.
func (r Result) Settled() bool {
	return r.Outcome == OutcomeLoaded || r.Outcome == OutcomePolled
}

type Options struct {
	Timeout       time.Duration
	RedirectGrace time.Duration
	PollInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.RedirectGrace <= 0 {
		o.RedirectGrace = 3 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

type watcher struct {
	originalURL string
	deadline    time.Time
	cancel      context.CancelFunc
	superseded  atomic.Bool
	done        chan struct{}
}

// Tracker runs navigations against an engine.Navigator.
type Tracker struct {
	nav  engine.Navigator
	opts Options

	mu      sync.Mutex
	pending map[engine.PageID]*watcher
}

func NewTracker(nav engine.Navigator, opts Options) *Tracker {
	return &Tracker{
		nav:     nav,
		opts:    opts.withDefaults(),
		pending: make(map[engine.PageID]*watcher),
	}
}

// Navigate loads url in page and blocks until the navigation settles. The
// error is non-nil only for invalid input or a cancelled ctx.
func (t *Tracker) Navigate(ctx context.Context, pid engine.PageID, url string) (Result, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return Result{}, engine.NewError(engine.CodeValidation, "url is required", nil)
	}

	start := time.Now()
	wctx, cancel := context.WithCancel(ctx)
	w := t.install(pid, &watcher{
		originalURL: url,
		deadline:    start.Add(t.opts.Timeout),
		cancel:      cancel,
		done:        make(chan struct{}),
	})
	defer t.finish(pid, w)
	defer cancel()

	before, err := t.nav.CurrentURL(wctx, pid)
	if err != nil {
		slog.Debug("read url before navigate failed", "page_id", pid, "error", err)
	}

	events, unsubscribe := t.nav.Subscribe(pid)
	defer unsubscribe()

	navDone := make(chan error, 1)
	go func() {
		navDone <- t.nav.Navigate(wctx, pid, url)
	}()

	res := t.race(wctx, pid, raceSpec{
		before:  before,
		events:  events,
		navDone: navDone,
		timeout: t.opts.Timeout,
		grace:   t.opts.RedirectGrace,
	})
	res.Elapsed = time.Since(start)

	if res.Outcome == "" {
		if w.superseded.Load() {
			res.Outcome = OutcomeSuperseded
		} else {
			res.Outcome = OutcomeTimedOut
			slog.Info("Navigation settled", "page_id", pid, "url", url, "outcome", res.Outcome, "elapsed", res.Elapsed)
			return res, ctx.Err()
		}
	}

	slog.Info("Navigation settled", "page_id", pid, "url", url, "outcome", res.Outcome, "elapsed", res.Elapsed)
	return res, nil
}

// WaitForURLChange reports whether page leaves its current URL for a
// non-blank one within timeout.
func (t *Tracker) WaitForURLChange(ctx context.Context, pid engine.PageID, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return false, engine.NewError(engine.CodeValidation, "timeout must be positive", nil)
	}
	before, err := t.nav.CurrentURL(ctx, pid)
	if err != nil {
		return false, err
	}

	events, unsubscribe := t.nav.Subscribe(pid)
	defer unsubscribe()

	res := t.race(ctx, pid, raceSpec{
		before:  before,
		events:  events,
		timeout: timeout,
		urlOnly: true,
	})
	if res.Outcome == "" {
		return false, ctx.Err()
	}
	return res.Settled(), nil
}

// Retire cancels any pending navigation on page and waits for its
// listeners to be removed.
func (t *Tracker) Retire(pid engine.PageID) {
	t.mu.Lock()
	w := t.pending[pid]
	t.mu.Unlock()
	if w == nil {
		return
	}
	w.superseded.Store(true)
	w.cancel()
	<-w.done
}

// Pending reports whether page has an unsettled navigation.
func (t *Tracker) Pending(pid engine.PageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[pid] != nil
}

// install registers w for page after retiring the previous watcher.
func (t *Tracker) install(pid engine.PageID, w *watcher) *watcher {
	for {
		t.mu.Lock()
		old := t.pending[pid]
		if old == nil {
			t.pending[pid] = w
			t.mu.Unlock()
			return w
		}
		t.mu.Unlock()

		old.superseded.Store(true)
		old.cancel()
		<-old.done
	}
}

func (t *Tracker) finish(pid engine.PageID, w *watcher) {
	t.mu.Lock()
	if t.pending[pid] == w {
		delete(t.pending, pid)
	}
	t.mu.Unlock()
	close(w.done)
}

type raceSpec struct {
	before  string
	events  <-chan engine.Event
	navDone <-chan error
	timeout time.Duration
	grace   time.Duration
	// urlOnly settles only on a URL change, never on load events alone.
	urlOnly bool
}

// race is the single settlement point. An empty Outcome means ctx ended.
func (t *Tracker) race(ctx context.Context, pid engine.PageID, r raceSpec) Result {
	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()
	poll := time.NewTicker(t.opts.PollInterval)
	defer poll.Stop()

	var grace *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()
	expired := false

	changed := func(u string) bool {
		return !engine.IsBlankURL(u) && u != r.before
	}

	events := r.events
	navDone := r.navDone
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if r.urlOnly {
					events = nil
					continue
				}
				return Result{Outcome: OutcomeFailed, Error: "page closed"}
			}
			switch ev.Kind {
			case engine.EventLoadFinished:
				if !r.urlOnly {
					return Result{Outcome: OutcomeLoaded, URL: ev.URL}
				}
				if changed(ev.URL) {
					return Result{Outcome: OutcomeLoaded, URL: ev.URL}
				}
			case engine.EventNavigated, engine.EventNavigatedInPage:
				if r.urlOnly && changed(ev.URL) {
					return Result{Outcome: OutcomeLoaded, URL: ev.URL}
				}
			case engine.EventLoadFailed:
				if !r.urlOnly {
					return Result{Outcome: OutcomeFailed, URL: ev.URL, Error: ev.Error}
				}
			case engine.EventRedirect:
				if r.urlOnly || r.grace <= 0 {
					continue
				}
				if grace == nil {
					grace = time.NewTimer(r.grace)
				} else {
					if !grace.Stop() {
						select {
						case <-grace.C:
						default:
						}
					}
					grace.Reset(r.grace)
				}
				graceC = grace.C
				slog.Debug("redirect in flight", "page_id", pid, "url", ev.URL)
			}

		case err := <-navDone:
			navDone = nil
			if err != nil && ctx.Err() == nil {
				return Result{Outcome: OutcomeFailed, Error: err.Error()}
			}

		case <-poll.C:
			cur, err := t.nav.CurrentURL(ctx, pid)
			if err != nil {
				continue
			}
			if changed(cur) {
				return Result{Outcome: OutcomePolled, URL: cur}
			}

		case <-deadline.C:
			if graceC != nil {
				expired = true
				continue
			}
			return Result{Outcome: OutcomeTimedOut}

		case <-graceC:
			graceC = nil
			if expired {
				return Result{Outcome: OutcomeTimedOut}
			}

		case <-ctx.Done():
			return Result{}
		}
	}
}
