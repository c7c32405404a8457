// Package notify forwards selected tab events to an ntfy-style endpoint as
// plain-text messages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/tabhost/internal/events"
)

const sendTimeout = 10 * time.Second

// Send posts message to endpoint. A non-empty title is sent as the Title
// header.
func Send(ctx context.Context, client *http.Client, endpoint, title, message string) error {
	if strings.TrimSpace(endpoint) == "" {
		return errors.New("notify endpoint is required")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	if title != "" {
		req.Header.Set("Title", title)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// Message renders evt as a one-line notification.
func Message(evt events.Event) string {
	switch evt.Type {
	case events.TabLoginStatus:
		return fmt.Sprintf("%s is now %v", evt.TabID, evt.Data)
	case events.UploadFinished:
		if m, ok := evt.Data.(map[string]any); ok {
			if e, ok := m["error"]; ok {
				return fmt.Sprintf("upload in %s failed: %v", evt.TabID, e)
			}
		}
		return fmt.Sprintf("upload in %s finished", evt.TabID)
	case events.TabClosed:
		return fmt.Sprintf("%s closed", evt.TabID)
	default:
		return fmt.Sprintf("%s: %s", evt.Type, evt.TabID)
	}
}

// Forwarder sends matching broker events to an endpoint, one at a time.
type Forwarder struct {
	client   *http.Client
	endpoint string
	types    map[string]bool

	broker Broker
	subID  int64
	done   chan struct{}
}

// Broker is the part of events.Broker the forwarder needs.
type Broker interface {
	Subscribe() (int64, <-chan events.Event)
	Unsubscribe(id int64)
}

// NewForwarder subscribes to broker and starts forwarding. An empty types
// list forwards everything.
func NewForwarder(broker Broker, client *http.Client, endpoint string, types []string) *Forwarder {
	f := &Forwarder{
		client:   client,
		endpoint: endpoint,
		broker:   broker,
		done:     make(chan struct{}),
	}
	if len(types) > 0 {
		f.types = make(map[string]bool, len(types))
		for _, t := range types {
			f.types[t] = true
		}
	}
	var ch <-chan events.Event
	f.subID, ch = broker.Subscribe()
	go f.loop(ch)
	return f
}

func (f *Forwarder) loop(ch <-chan events.Event) {
	defer close(f.done)
	for evt := range ch {
		if f.types != nil && !f.types[evt.Type] {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := Send(ctx, f.client, f.endpoint, "tabhost "+evt.Type, Message(evt)); err != nil {
			slog.Warn("notification failed", "type", evt.Type, "tab_id", evt.TabID, "error", err)
		}
		cancel()
	}
}

// Close stops forwarding after in-flight sends finish.
func (f *Forwarder) Close() {
	f.broker.Unsubscribe(f.subID)
	<-f.done
}
