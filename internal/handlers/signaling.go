// Package handlers wires the relay's HTTP surface: websocket routing into
// rooms, the note metadata API, and the liveness probe.
package handlers

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/metrics"
	"github.com/scribesync/scribesync/internal/room"
)

// roomIDPattern is the only identifier shape the gateway routes.
var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// subprotocolPrefix marks the Sec-WebSocket-Protocol entry carrying a room
// id, for clients that cannot control the request URL.
const subprotocolPrefix = "room."

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

// Signaling routes websocket connections into their rooms.
type Signaling struct {
	registry *room.Registry
	log      zerolog.Logger
	m        *metrics.Metrics
}

func NewSignaling(registry *room.Registry, log zerolog.Logger, m *metrics.Metrics) *Signaling {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Signaling{registry: registry, log: log, m: m}
}

// Handle upgrades the request and admits the connection to the room it
// names. The room id comes from the `room` query parameter, the trailing
// path segment, or a `room.<id>` subprotocol entry, first present wins.
func (s *Signaling) Handle(c *gin.Context) {
	roomID, protocol := extractRoomID(c)
	if roomID == "" {
		s.m.PeersRejected.WithLabelValues("missing_room_id").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "room id is required"})
		return
	}
	if !roomIDPattern.MatchString(roomID) {
		s.m.PeersRejected.WithLabelValues("invalid_room_id").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	// If the id arrived via subprotocol, echo the selection back so the
	// client's handshake completes.
	var responseHeader http.Header
	if protocol != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{protocol}}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if err := s.registry.Route(roomID, conn); err != nil {
		s.log.Warn().Err(err).Str("room", roomID).Msg("routing failed")
		conn.Close()
	}
}

func extractRoomID(c *gin.Context) (id, protocol string) {
	if id = c.Query("room"); id != "" {
		return id, ""
	}
	if id = c.Param("roomId"); id != "" {
		return id, ""
	}
	for _, p := range websocket.Subprotocols(c.Request) {
		if strings.HasPrefix(p, subprotocolPrefix) {
			return strings.TrimPrefix(p, subprotocolPrefix), p
		}
	}
	return "", ""
}
