package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/models"
)

const (
	writeWait       = 10 * time.Second
	maxMessageBytes = 64 * 1024
	sendBufferSize  = 64
)

// SignalingClient speaks the relay's JSON protocol over a websocket.
// Set the On* callbacks before Connect; they are invoked one at a time
// from the read pump. After Close returns, no callback is running or
// will run again.
type SignalingClient struct {
	// OnJoined delivers the admission confirmation, including the ids
	// of peers already in the room.
	OnJoined func(models.JoinedData)
	// OnPeerJoined and OnPeerLeft deliver presence broadcasts.
	OnPeerJoined func(models.PresenceData)
	OnPeerLeft   func(models.PresenceData)
	// OnSignal delivers relayed offer, answer, and ice-candidate
	// messages addressed to this peer.
	OnSignal func(models.Message)
	// OnClosed fires once when the connection ends: nil after a local
	// Close, otherwise the read error that ended it.
	OnClosed func(error)

	serverURL string
	roomID    string
	token     string
	log       zerolog.Logger

	outgoing chan models.Message
	done     chan struct{}
	pumps    sync.WaitGroup
	closing  sync.Once

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	peerID    string
}

// NewSignalingClient prepares a client for one room on one relay.
// serverURL is the websocket endpoint, e.g. "ws://host:8080/ws/signal".
// token is an optional bearer token passed on the upgrade request.
func NewSignalingClient(serverURL, roomID, token string, log zerolog.Logger) *SignalingClient {
	return &SignalingClient{
		serverURL: serverURL,
		roomID:    roomID,
		token:     token,
		log:       log.With().Str("component", "signaling").Str("room_id", roomID).Logger(),
		outgoing:  make(chan models.Message, sendBufferSize),
		done:      make(chan struct{}),
	}
}

// Connect dials the relay and starts the pumps. The joined confirmation
// arrives on OnJoined after Connect returns.
func (c *SignalingClient) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("room", c.roomID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.pumps.Add(2)
	go c.readPump()
	go c.writePump()
	return nil
}

// Send queues a message for the relay. It never blocks; a full queue
// means the connection is wedged and the message is dropped.
func (c *SignalingClient) Send(msg models.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Connected reports whether the relay link is currently up.
func (c *SignalingClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PeerID returns the id the relay assigned, empty before joined.
func (c *SignalingClient) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Close tears the connection down and waits for both pumps to exit.
// Safe to call more than once and before Connect.
func (c *SignalingClient) Close() {
	c.closing.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			// WriteControl is safe alongside the write pump, so the
			// relay sees a clean close instead of a dropped socket.
			deadline := time.Now().Add(writeWait)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
		}
	})
	c.pumps.Wait()
}

func (c *SignalingClient) readPump() {
	defer c.pumps.Done()

	var readErr error
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed relay message")
			continue
		}
		c.dispatch(msg)
	}

	c.conn.Close()
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	// A read error after a local Close is just the socket going away.
	select {
	case <-c.done:
		readErr = nil
	default:
	}
	if c.OnClosed != nil {
		c.OnClosed(readErr)
	}
}

func (c *SignalingClient) writePump() {
	defer c.pumps.Done()
	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *SignalingClient) dispatch(msg models.Message) {
	switch msg.Type {
	case models.MessageTypeJoined:
		var data models.JoinedData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.log.Warn().Err(err).Msg("malformed joined payload")
			return
		}
		c.mu.Lock()
		c.peerID = data.PeerID
		c.mu.Unlock()
		if c.OnJoined != nil {
			c.OnJoined(data)
		}
	case models.MessageTypePeerJoined:
		c.dispatchPresence(msg, c.OnPeerJoined)
	case models.MessageTypePeerLeft:
		c.dispatchPresence(msg, c.OnPeerLeft)
	case models.MessageTypeOffer, models.MessageTypeAnswer, models.MessageTypeCandidate:
		if c.OnSignal != nil {
			c.OnSignal(msg)
		}
	case models.MessageTypePing:
		if err := c.Send(models.Message{Type: models.MessageTypePong}); err != nil {
			c.log.Warn().Err(err).Msg("pong not sent")
		}
	case models.MessageTypePong:
		// Nothing to do.
	case models.MessageTypeError:
		var data models.ErrorData
		if err := json.Unmarshal(msg.Data, &data); err == nil {
			c.log.Warn().Str("message", data.Message).Msg("relay reported an error")
		}
	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown message type")
	}
}

func (c *SignalingClient) dispatchPresence(msg models.Message, fn func(models.PresenceData)) {
	var data models.PresenceData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.log.Warn().Err(err).Msg("malformed presence payload")
		return
	}
	if fn != nil {
		fn(data)
	}
}
