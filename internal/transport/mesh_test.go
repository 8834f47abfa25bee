package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/metrics"
	"github.com/scribesync/scribesync/internal/room"
)

// ICE gathering over loopback is quick but not instant, so mesh tests
// get a longer leash than the in-memory ones.
func waitMesh(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newMesh(t *testing.T, url, roomID string) (*WebRTCMesh, <-chan PeerChannel) {
	t.Helper()
	m := NewWebRTCMesh(MeshOptions{
		ServerURL:  url,
		RoomID:     roomID,
		ICEServers: []string{}, // loopback only, no STUN
		Log:        zerolog.Nop(),
	})
	channels := make(chan PeerChannel, 4)
	m.OnChannel(func(ch PeerChannel) { channels <- ch })
	t.Cleanup(m.Close)
	return m, channels
}

func TestMeshPairExchangesData(t *testing.T) {
	url := newRelay(t, room.Options{})

	first, firstChannels := newMesh(t, url, "pair")
	if err := first.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	second, secondChannels := newMesh(t, url, "pair")
	if err := second.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var toSecond, toFirst PeerChannel
	waitMesh(t, "channels on both sides", func() bool {
		select {
		case ch := <-firstChannels:
			toSecond = ch
		case ch := <-secondChannels:
			toFirst = ch
		default:
		}
		return toSecond != nil && toFirst != nil
	})

	fromFirst := make(chan []byte, 1)
	fromSecond := make(chan []byte, 1)
	toFirst.OnMessage(func(p []byte) { fromFirst <- p })
	toSecond.OnMessage(func(p []byte) { fromSecond <- p })

	if err := toSecond.Send([]byte("ping from first")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recv(t, fromFirst, "first's payload"); string(got) != "ping from first" {
		t.Fatalf("payload = %q", got)
	}
	if err := toFirst.Send([]byte("pong from second")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recv(t, fromSecond, "second's payload"); string(got) != "pong from second" {
		t.Fatalf("payload = %q", got)
	}

	if first.Peers() != 1 || second.Peers() != 1 {
		t.Fatalf("Peers = %d, %d, want 1, 1", first.Peers(), second.Peers())
	}
}

func TestMeshPeerDeparture(t *testing.T) {
	url := newRelay(t, room.Options{})

	first, firstChannels := newMesh(t, url, "departure")
	if err := first.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	second, _ := newMesh(t, url, "departure")
	if err := second.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ch := recv(t, firstChannels, "channel to second")
	closed := make(chan struct{}, 1)
	ch.OnClose(func() { closed <- struct{}{} })
	waitMesh(t, "mesh established", func() bool { return first.Peers() == 1 })

	second.Close()

	recv(t, closed, "close notification")
	waitMesh(t, "peer gone", func() bool { return first.Peers() == 0 })
}

func TestMeshSurvivesRelayLoss(t *testing.T) {
	reg := room.NewRegistry(room.Options{}, zerolog.Nop(), metrics.New(nil))
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := reg.Route(r.URL.Query().Get("room"), conn); err != nil {
			conn.Close()
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, firstChannels := newMesh(t, url, "outage")
	if err := first.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	second, secondChannels := newMesh(t, url, "outage")
	if err := second.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	toSecond := recv(t, firstChannels, "channel to second")
	toFirst := recv(t, secondChannels, "channel to first")
	if !first.SignalingConnected() || !second.SignalingConnected() {
		t.Fatal("signaling down before the outage")
	}

	// Drop the relay out from under both meshes. The peer connection
	// is direct, so the channel must keep carrying data.
	reg.Shutdown()
	waitMesh(t, "relay loss noticed", func() bool {
		return !first.SignalingConnected() && !second.SignalingConnected()
	})
	if first.Peers() != 1 || second.Peers() != 1 {
		t.Fatalf("Peers after outage = %d, %d, want 1, 1", first.Peers(), second.Peers())
	}

	got := make(chan []byte, 1)
	toFirst.OnMessage(func(p []byte) { got <- p })
	if err := toSecond.Send([]byte("still connected")); err != nil {
		t.Fatalf("Send after outage: %v", err)
	}
	if g := recv(t, got, "payload after outage"); string(g) != "still connected" {
		t.Fatalf("payload = %q", g)
	}
}

func TestMeshCloseIsIdempotent(t *testing.T) {
	url := newRelay(t, room.Options{})

	m, _ := newMesh(t, url, "close")
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Close()
	m.Close()
	if m.Peers() != 0 {
		t.Fatalf("Peers after Close = %d", m.Peers())
	}
	if m.SignalingConnected() {
		t.Fatal("SignalingConnected after Close")
	}
}

func TestMeshOptionDefaults(t *testing.T) {
	opts := MeshOptions{ServerURL: "ws://example.invalid", RoomID: "r"}.withDefaults()
	if len(opts.ICEServers) != 1 || !strings.HasPrefix(opts.ICEServers[0], "stun:") {
		t.Fatalf("default ICEServers = %v", opts.ICEServers)
	}
	if opts.HandshakeWindow <= 0 {
		t.Fatalf("default HandshakeWindow = %v", opts.HandshakeWindow)
	}

	none := MeshOptions{ServerURL: "ws://example.invalid", RoomID: "r", ICEServers: []string{}}.withDefaults()
	if len(none.ICEServers) != 0 {
		t.Fatalf("empty ICEServers remapped to %v", none.ICEServers)
	}
}
