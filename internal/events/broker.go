// Package events fans tab lifecycle events out to stream clients.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const subscriberBufSize = 256

// Event types published by the tab manager.
const (
	TabCreated     = "tab.created"
	TabSwitched    = "tab.switched"
	TabClosed      = "tab.closed"
	TabNavigated   = "tab.navigated"
	TabLoginStatus = "tab.login_status"
	CookiesLoaded  = "tab.cookies_loaded"
	CookiesSaved   = "tab.cookies_saved"
	UploadFinished = "tab.upload_finished"
)

// Event is one lifecycle notification.
type Event struct {
	ID    string    `json:"id"`
	Type  string    `json:"type"`
	TabID string    `json:"tabId,omitempty"`
	Data  any       `json:"data,omitempty"`
	Time  time.Time `json:"time"`
}

// Broker fans out events to every subscriber.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	published   atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a client. The channel is buffered; slow consumers
// have events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish stamps evt and sends it to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close unsubscribes every client, ending their streams.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Published returns the number of events published so far.
func (b *Broker) Published() int64 {
	return b.published.Load()
}
