package vxsdr

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestMonitorBroadcastsToConnectedObserver(t *testing.T) {
	mon := NewMonitor(NewLogger(LevelOff))
	srv := httptest.NewServer(mon)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial monitor websocket: %v", err)
	}
	defer conn.Close()

	// Give ServeHTTP's registration goroutine a moment to run before the
	// first broadcast, otherwise it may race the observer's registration.
	time.Sleep(20 * time.Millisecond)

	want := Snapshot{ThrottleState: ThrottleNormal, FillPercent: 42}
	mon.Broadcast(want)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Snapshot
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("reading broadcast snapshot: %v", err)
	}
	if got.ThrottleState != want.ThrottleState || got.FillPercent != want.FillPercent {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMonitorBroadcastDropsForSlowObserver(t *testing.T) {
	mon := NewMonitor(NewLogger(LevelOff))
	srv := httptest.NewServer(mon)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial monitor websocket: %v", err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	// Flood well past the observer's 30-slot write channel without ever
	// reading; Broadcast must not block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			mon.Broadcast(Snapshot{FillPercent: uint32(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast should never block on a slow/unread observer")
	}
}
