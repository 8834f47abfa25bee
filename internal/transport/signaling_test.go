package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/metrics"
	"github.com/scribesync/scribesync/internal/models"
	"github.com/scribesync/scribesync/internal/room"
)

// newRelay stands up a real room registry behind an httptest server,
// so clients exercise the same admission and relay paths production
// runs.
func newRelay(t *testing.T, opts room.Options) string {
	t.Helper()
	reg := room.NewRegistry(opts, zerolog.Nop(), metrics.New(nil))
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
	t.Cleanup(func() {
		reg.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestClient(t *testing.T, url, roomID string) *SignalingClient {
	t.Helper()
	c := NewSignalingClient(url, roomID, "", zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestClientJoinAndPresence(t *testing.T) {
	url := newRelay(t, room.Options{})

	first := newTestClient(t, url, "editing")
	firstJoined := make(chan models.JoinedData, 1)
	peerJoined := make(chan models.PresenceData, 1)
	first.OnJoined = func(d models.JoinedData) { firstJoined <- d }
	first.OnPeerJoined = func(d models.PresenceData) { peerJoined <- d }
	if err := first.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	joined := recv(t, firstJoined, "joined")
	if joined.PeerID == "" || joined.RoomID != "editing" || len(joined.Peers) != 0 {
		t.Fatalf("joined = %+v", joined)
	}
	waitFor(t, "peer id recorded", func() bool { return first.PeerID() == joined.PeerID })

	second := newTestClient(t, url, "editing")
	secondJoined := make(chan models.JoinedData, 1)
	second.OnJoined = func(d models.JoinedData) { secondJoined <- d }
	if err := second.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sj := recv(t, secondJoined, "second joined")
	if len(sj.Peers) != 1 || sj.Peers[0] != joined.PeerID {
		t.Fatalf("second joined peers = %v", sj.Peers)
	}
	pj := recv(t, peerJoined, "peer-joined")
	if pj.PeerID != sj.PeerID || pj.PeerCount != 2 {
		t.Fatalf("peer-joined = %+v", pj)
	}
}

func TestClientSignalRelay(t *testing.T) {
	url := newRelay(t, room.Options{})

	a := newTestClient(t, url, "relay")
	aJoined := make(chan models.JoinedData, 1)
	a.OnJoined = func(d models.JoinedData) { aJoined <- d }
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	aID := recv(t, aJoined, "a joined").PeerID

	b := newTestClient(t, url, "relay")
	bJoined := make(chan models.JoinedData, 1)
	signals := make(chan models.Message, 1)
	b.OnJoined = func(d models.JoinedData) { bJoined <- d }
	b.OnSignal = func(m models.Message) { signals <- m }
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	bID := recv(t, bJoined, "b joined").PeerID

	payload, _ := json.Marshal(map[string]string{"sdp": "v=0 test offer", "type": "offer"})
	if err := a.Send(models.Message{Type: models.MessageTypeOffer, To: bID, Data: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := recv(t, signals, "relayed offer")
	if got.Type != models.MessageTypeOffer || got.From != aID {
		t.Fatalf("relayed = %+v", got)
	}
	if string(got.Data) != string(payload) {
		t.Fatalf("payload altered in transit: %s", got.Data)
	}
	if got.Timestamp == 0 {
		t.Fatal("relay did not stamp the message")
	}
}

func TestClientSurvivesHeartbeat(t *testing.T) {
	url := newRelay(t, room.Options{
		HeartbeatInterval: 25 * time.Millisecond,
		InactivityTimeout: 80 * time.Millisecond,
	})

	c := newTestClient(t, url, "quiet")
	closed := make(chan error, 1)
	c.OnClosed = func(err error) { closed <- err }
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The client sends nothing itself; answering pings is what keeps
	// the relay from timing it out.
	select {
	case err := <-closed:
		t.Fatalf("connection closed during heartbeats: %v", err)
	case <-time.After(400 * time.Millisecond):
	}
	if !c.Connected() {
		t.Fatal("client lost its connection")
	}
}

func TestClientCloseIsCleanAndIdempotent(t *testing.T) {
	url := newRelay(t, room.Options{})

	c := NewSignalingClient(url, "teardown", "", zerolog.Nop())
	joined := make(chan models.JoinedData, 1)
	closed := make(chan error, 1)
	c.OnJoined = func(d models.JoinedData) { joined <- d }
	c.OnClosed = func(err error) { closed <- err }
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	recv(t, joined, "joined")

	c.Close()
	if err := recv(t, closed, "closed callback"); err != nil {
		t.Fatalf("local close reported error: %v", err)
	}
	if c.Connected() {
		t.Fatal("Connected after Close")
	}
	if err := c.Send(models.Message{Type: models.MessageTypePing}); err != ErrClosed {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
	c.Close()
}

func TestClientCloseBeforeConnect(t *testing.T) {
	c := NewSignalingClient("ws://127.0.0.1:0/ws/signal", "never", "", zerolog.Nop())
	c.Close()
	if err := c.Send(models.Message{Type: models.MessageTypePing}); err != ErrClosed {
		t.Fatalf("Send = %v, want ErrClosed", err)
	}
}
