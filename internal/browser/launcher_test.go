package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestArgsHeadlessAndWindow(t *testing.T) {
	l := NewLauncher(Options{CDPAddress: "127.0.0.1", CDPPort: 9333, ProfileDir: "/tmp/p", Headless: true, WindowLeft: 5, WindowTop: 6})
	args := strings.Join(l.Args(), " ")
	for _, want := range []string{
		"--remote-debugging-port=9333",
		"--user-data-dir=/tmp/p",
		"--window-size=1280,800",
		"--window-position=5,6",
		"--headless=new",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("Args() = %s; missing %s", args, want)
		}
	}

	headed := NewLauncher(Options{CDPPort: 1, WindowWidth: 800, WindowHeight: 600})
	if got := strings.Join(headed.Args(), " "); strings.Contains(got, "--headless") {
		t.Fatalf("headed Args() = %s; want no headless flag", got)
	}
}

func TestWaitReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome/140"}`))
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	l := NewLauncher(Options{CDPAddress: host, CDPPort: port, ReadyTimeout: 2 * time.Second})
	if err := l.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if l.Running() {
		t.Fatal("Running() = true without a launched process")
	}
	l.Stop()
}

func TestWaitReadyTimesOut(t *testing.T) {
	l := NewLauncher(Options{CDPAddress: "127.0.0.1", CDPPort: 1, ReadyTimeout: 300 * time.Millisecond})
	if err := l.WaitReady(context.Background()); err == nil {
		t.Fatal("WaitReady() = nil error; want timeout")
	}
}
