// Package transport moves document frames between a device and its
// room peers. The production path is a WebRTC full mesh negotiated
// over the scribesync relay: SignalingClient speaks the relay's JSON
// protocol, WebRTCMesh turns relayed offers, answers, and ICE
// candidates into pion data channels. MemoryTransport wires peers
// together in-process for tests.
//
// Payload bytes are opaque here. Sessions seal frames with the room
// key before handing them to a channel; the relay and this package
// never see plaintext.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed reports use of a transport or client after Close.
	ErrClosed = errors.New("transport closed")

	// ErrChannelClosed reports a send on a peer channel that is gone.
	ErrChannelClosed = errors.New("peer channel closed")

	// ErrBackpressure reports a send dropped because the peer is not
	// draining its queue.
	ErrBackpressure = errors.New("send queue full")
)

// PeerChannel is one point-to-point pipe to a room peer. OnMessage and
// OnClose accept a single callback each; messages that arrive before
// OnMessage is registered are buffered and replayed in order.
type PeerChannel interface {
	PeerID() string
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Close()
}

// Transport connects to a room and hands out a PeerChannel per peer.
// Register OnChannel and OnStatus before Connect. Callbacks stop for
// good once Close returns.
type Transport interface {
	Connect(ctx context.Context) error
	// Peers is the number of peers with an open channel.
	Peers() int
	// SignalingConnected reports whether the relay link is up. Losing
	// it does not tear down established peer channels.
	SignalingConnected() bool
	OnChannel(fn func(PeerChannel))
	// OnStatus fires after anything that could change Peers or
	// SignalingConnected. Callers re-read both and diff themselves.
	OnStatus(fn func())
	Close()
}
