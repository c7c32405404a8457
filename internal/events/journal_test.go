package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setNow(j *Journal, ts time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.now = func() time.Time { return ts }
}

func waitWritten(t *testing.T, j *Journal, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j.Written() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Written() = %d; want %d", j.Written(), n)
}

func readJournal(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()
	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var evt Event
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		out = append(out, evt)
	}
	return out
}

func TestJournalWritesDatedJSONL(t *testing.T) {
	dir := t.TempDir()
	b := NewBroker()
	j, err := NewJournal(b, dir, 1)
	if err != nil {
		t.Fatalf("NewJournal() error = %v", err)
	}
	setNow(j, time.Date(2026, 10, 16, 23, 59, 0, 0, time.UTC))

	b.Publish(Event{Type: TabCreated, TabID: "x_alice_1"})
	b.Publish(Event{Type: TabSwitched, TabID: "x_alice_1"})
	waitWritten(t, j, 2)

	setNow(j, time.Date(2026, 10, 17, 0, 0, 1, 0, time.UTC))
	b.Publish(Event{Type: TabClosed, TabID: "x_alice_1"})
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	first := readJournal(t, filepath.Join(dir, "2026-10-16", "events.jsonl"))
	if len(first) != 2 || first[0].Type != TabCreated || first[1].Type != TabSwitched {
		t.Fatalf("first day = %+v", first)
	}
	second := readJournal(t, filepath.Join(dir, "2026-10-17", "events.jsonl"))
	if len(second) != 1 || second[0].Type != TabClosed || second[0].ID == "" {
		t.Fatalf("second day = %+v", second)
	}
	if b.ClientCount() != 0 {
		t.Fatal("journal still subscribed after Close")
	}
}

func TestJournalStopsWhenBrokerCloses(t *testing.T) {
	b := NewBroker()
	j, err := NewJournal(b, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewJournal() error = %v", err)
	}
	b.Close()
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if j.Written() != 0 {
		t.Fatalf("Written() = %d; want 0", j.Written())
	}
}
