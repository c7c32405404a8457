package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func TestBrokerPublishStampsAndFansOut(t *testing.T) {
	b := NewBroker()
	id1, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()
	if b.ClientCount() != 2 {
		t.Fatalf("ClientCount() = %d; want 2", b.ClientCount())
	}

	b.Publish(Event{Type: TabCreated, TabID: "x_alice_1"})
	for _, ch := range []<-chan Event{ch1, ch2} {
		evt := <-ch
		if evt.ID == "" || evt.Time.IsZero() || evt.Type != TabCreated {
			t.Fatalf("event = %+v; want stamped tab.created", evt)
		}
	}

	b.Unsubscribe(id1)
	b.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Fatal("channel open after Unsubscribe")
	}
	if b.Published() != 1 {
		t.Fatalf("Published() = %d; want 1", b.Published())
	}

	b.Close()
	if _, ok := <-ch2; ok {
		t.Fatal("channel open after Close")
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	_, ch := b.Subscribe()
	for i := 0; i < subscriberBufSize+10; i++ {
		b.Publish(Event{Type: TabNavigated})
	}
	if len(ch) != subscriberBufSize {
		t.Fatalf("buffered = %d; want %d", len(ch), subscriberBufSize)
	}
}

func TestSSEHandlerFiltersTypes(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?types=tab.closed", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	waitClients(t, b, 1)
	b.Publish(Event{Type: TabCreated, TabID: "a"})
	b.Publish(Event{Type: TabClosed, TabID: "b"})

	r := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for dataLine == "" {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	if eventLine != TabClosed {
		t.Fatalf("event = %q; want %q", eventLine, TabClosed)
	}
	var evt Event
	if err := json.Unmarshal([]byte(dataLine), &evt); err != nil || evt.TabID != "b" {
		t.Fatalf("data = %s (%v)", dataLine, err)
	}
}

func TestWebSocketHandlerStreamsJSON(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(WebSocketHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	defer conn.Close()

	waitClients(t, b, 1)
	b.Publish(Event{Type: TabSwitched, TabID: "y_bob_2", Data: map[string]string{"from": "x_alice_1"}})

	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("ReadServerText: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if evt.Type != TabSwitched || evt.TabID != "y_bob_2" {
		t.Fatalf("event = %+v", evt)
	}

	conn.Close()
	waitClients(t, b, 0)
}

func waitClients(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ClientCount() = %d; want %d", b.ClientCount(), n)
}
