package models

import "encoding/json"

// MessageType identifies a signaling frame on the wire.
type MessageType string

const (
	MessageTypeJoin       MessageType = "join"
	MessageTypeJoined     MessageType = "joined"
	MessageTypePeerJoined MessageType = "peer-joined"
	MessageTypePeerLeft   MessageType = "peer-left"
	MessageTypeOffer      MessageType = "offer"
	MessageTypeAnswer     MessageType = "answer"
	MessageTypeCandidate  MessageType = "ice-candidate"
	MessageTypePing       MessageType = "ping"
	MessageTypePong       MessageType = "pong"
	MessageTypeError      MessageType = "error"
)

// Message is the JSON envelope exchanged over a signaling connection.
// Data stays raw so the relay forwards payloads without inspecting them.
type Message struct {
	Type      MessageType     `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // milliseconds since epoch
}

// Relayable reports whether a message type is forwarded between peers
// rather than handled by the room itself.
func (t MessageType) Relayable() bool {
	switch t {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		return true
	}
	return false
}

// JoinedData is the payload confirming admission to a room.
type JoinedData struct {
	PeerID    string   `json:"peerId"`
	RoomID    string   `json:"roomId"`
	Peers     []string `json:"peers"`
	PeerCount int      `json:"peerCount"`
}

// PresenceData is the payload of peer-joined and peer-left broadcasts.
type PresenceData struct {
	PeerID    string `json:"peerId"`
	PeerCount int    `json:"peerCount"`
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Message string `json:"message"`
}
