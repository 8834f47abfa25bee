package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/metrics"
	"github.com/scribesync/scribesync/internal/models"
	"github.com/scribesync/scribesync/internal/room"
)

func newGatewayServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := room.NewRegistry(room.Options{}, zerolog.Nop(), metrics.New(nil))
	s := NewSignaling(reg, zerolog.Nop(), metrics.New(nil))

	router := gin.New()
	router.GET("/ws/signal", s.Handle)
	router.GET("/ws/signal/:roomId", s.Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		reg.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// joinedRoom dials the gateway and reports which room the relay put the
// connection in, per the joined confirmation.
func joinedRoom(t *testing.T, url string, header http.Header) (string, *http.Response) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg models.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading joined: %v", err)
	}
	if msg.Type != models.MessageTypeJoined {
		t.Fatalf("first message type = %s, want joined", msg.Type)
	}
	var data models.JoinedData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("joined data: %v", err)
	}
	return data.RoomID, resp
}

func TestRoomIDFromQuery(t *testing.T) {
	url := newGatewayServer(t)
	roomID, _ := joinedRoom(t, url+"/ws/signal?room=from-query", nil)
	if roomID != "from-query" {
		t.Fatalf("room = %q", roomID)
	}
}

func TestRoomIDFromPath(t *testing.T) {
	url := newGatewayServer(t)
	roomID, _ := joinedRoom(t, url+"/ws/signal/from-path", nil)
	if roomID != "from-path" {
		t.Fatalf("room = %q", roomID)
	}
}

func TestRoomIDQueryBeatsPath(t *testing.T) {
	url := newGatewayServer(t)
	roomID, _ := joinedRoom(t, url+"/ws/signal/from-path?room=from-query", nil)
	if roomID != "from-query" {
		t.Fatalf("room = %q, want the query parameter to win", roomID)
	}
}

func TestRoomIDFromSubprotocol(t *testing.T) {
	url := newGatewayServer(t)
	header := http.Header{"Sec-WebSocket-Protocol": []string{"room.from-proto"}}
	roomID, resp := joinedRoom(t, url+"/ws/signal", header)
	if roomID != "from-proto" {
		t.Fatalf("room = %q", roomID)
	}
	// The selection must be echoed or the client library fails the
	// handshake.
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "room.from-proto" {
		t.Fatalf("negotiated subprotocol = %q", got)
	}
}

func TestRejectsBeforeUpgrade(t *testing.T) {
	url := newGatewayServer(t)
	for name, target := range map[string]string{
		"missing id": "/ws/signal",
		"invalid id": "/ws/signal?room=not%2Fvalid",
	} {
		dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
		conn, resp, err := dialer.Dial(url+target, nil)
		if err == nil {
			conn.Close()
			t.Fatalf("%s: dial succeeded", name)
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: response = %+v, want 400", name, resp)
		}
	}
}
