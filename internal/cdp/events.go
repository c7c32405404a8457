package cdp

import (
	"context"
	"sync"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/dgnsrekt/tabhost/internal/engine"
)

const subscriberBuffer = 64

// pageContext is one open page and its event fan-out.
type pageContext struct {
	id        engine.PageID
	contextID engine.ContextID
	ctx       context.Context
	cancel    context.CancelFunc

	mu          sync.Mutex
	subs        map[int]chan engine.Event
	nextSub     int
	mainFrame   cdproto.FrameID
	mainRequest network.RequestID
	url         string
}

func newPageContext(ctx context.Context, cancel context.CancelFunc, contextID engine.ContextID) *pageContext {
	return &pageContext{
		contextID: contextID,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[int]chan engine.Event),
	}
}

func (pc *pageContext) subscribe() (<-chan engine.Event, func()) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	id := pc.nextSub
	pc.nextSub++
	ch := make(chan engine.Event, subscriberBuffer)
	pc.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			pc.mu.Lock()
			defer pc.mu.Unlock()
			if c, ok := pc.subs[id]; ok {
				delete(pc.subs, id)
				close(c)
			}
		})
	}
}

// retireAll closes every subscriber channel.
func (pc *pageContext) retireAll() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for id, ch := range pc.subs {
		delete(pc.subs, id)
		close(ch)
	}
}

// publish never blocks; a subscriber with a full buffer misses the event.
func (pc *pageContext) publish(ev engine.Event) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, ch := range pc.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// handleEvent runs on chromedp's event goroutine and must stay short.
func (pc *pageContext) handleEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		pc.mu.Lock()
		pc.mainFrame = e.Frame.ID
		pc.url = e.Frame.URL
		pc.mu.Unlock()
		pc.publish(engine.Event{Kind: engine.EventNavigated, URL: e.Frame.URL})

	case *page.EventNavigatedWithinDocument:
		if !pc.isMainFrame(e.FrameID) {
			return
		}
		pc.mu.Lock()
		pc.url = e.URL
		pc.mu.Unlock()
		pc.publish(engine.Event{Kind: engine.EventNavigatedInPage, URL: e.URL})

	case *page.EventLoadEventFired:
		pc.mu.Lock()
		u := pc.url
		pc.mu.Unlock()
		pc.publish(engine.Event{Kind: engine.EventLoadFinished, URL: u})

	case *network.EventRequestWillBeSent:
		if e.Type != network.ResourceTypeDocument || !pc.isMainFrame(e.FrameID) {
			return
		}
		pc.mu.Lock()
		pc.mainRequest = e.RequestID
		pc.mu.Unlock()
		if e.RedirectResponse != nil && e.Request != nil {
			pc.publish(engine.Event{Kind: engine.EventRedirect, URL: e.Request.URL})
		}

	case *network.EventLoadingFailed:
		if e.Type != network.ResourceTypeDocument || e.Canceled {
			return
		}
		pc.mu.Lock()
		main := e.RequestID == pc.mainRequest
		u := pc.url
		pc.mu.Unlock()
		if main {
			pc.publish(engine.Event{Kind: engine.EventLoadFailed, URL: u, Error: e.ErrorText})
		}
	}
}

// isMainFrame treats an unknown main frame as a match so the first
// navigation of a fresh page is not dropped.
func (pc *pageContext) isMainFrame(id cdproto.FrameID) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.mainFrame == "" || pc.mainFrame == id
}
