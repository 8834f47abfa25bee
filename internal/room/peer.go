package room

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scribesync/scribesync/internal/models"
)

const (
	writeWait       = 10 * time.Second
	maxMessageBytes = 64 * 1024
	sendBufferSize  = 256
)

// Application close codes sent when the room terminates a connection.
const (
	CloseRoomFull          = 4004
	CloseInactivityTimeout = 4008
)

// peer wraps one admitted websocket connection. Registration state lives
// in the room loop; the peer only moves bytes between the socket and the
// loop.
type peer struct {
	id   string
	room *Room
	conn *websocket.Conn
	send chan []byte
}

func newPeer(id string, r *Room, conn *websocket.Conn) *peer {
	return &peer{
		id:   id,
		room: r,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// enqueue hands data to the write pump without blocking. False means the
// buffer is full because the client stopped draining; the room treats
// that as a disconnect.
func (p *peer) enqueue(data []byte) bool {
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *peer) readPump() {
	defer func() {
		p.room.leave(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageBytes)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.room.log.Debug().Err(err).Str("peer", p.id).Msg("read failed")
			}
			return
		}

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed input earns the sender an error reply and nothing
			// else: the frame is dropped and no other peer sees it.
			p.room.log.Warn().Err(err).Str("peer", p.id).Msg("malformed message")
			p.sendError("malformed message")
			continue
		}
		p.room.deliver(p, msg)
	}
}

func (p *peer) writePump() {
	defer p.conn.Close()

	for data := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read pump notices the dead connection and runs cleanup.
			return
		}
	}

	// send was closed by the room during cleanup.
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// sendError reports a bad inbound frame back to its sender only. Safe to
// call from the read pump: it touches no room state.
func (p *peer) sendError(message string) {
	data, err := json.Marshal(models.Message{
		Type:      models.MessageTypeError,
		Data:      encodeData(models.ErrorData{Message: message}),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	p.enqueue(data)
}

// closeWith sends a close frame with the given code and tears the
// connection down. WriteControl is safe concurrently with the write pump.
func (p *peer) closeWith(code int, reason string) {
	closeConn(p.conn, code, reason)
}

// closeConn rejects or terminates a connection, admitted or not.
func closeConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
