package socket

import "sync/atomic"

// ConnState is the agent side connection lifecycle:
// Disconnected -> Connecting -> Handshaking -> Serving -> Disconnected.
type ConnState uint8

const (
	ConnStateDisconnected ConnState = iota
	ConnStateConnecting
	ConnStateHandshaking
	ConnStateServing
)

func (s ConnState) String() string {
	switch s {
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateHandshaking:
		return "handshaking"
	case ConnStateServing:
		return "serving"
	default:
		return "unknown"
	}
}

// AtomicState lets observers read a state owned by a single writer.
type AtomicState struct {
	v atomic.Uint32
}

func (a *AtomicState) Load() ConnState   { return ConnState(a.v.Load()) }
func (a *AtomicState) Store(s ConnState) { a.v.Store(uint32(s)) }
