package radio

import (
	"errors"

	"trackergw/protocol"
)

const (
	// DefaultMaxPeers mirrors the peer table size of the underlying radio stack.
	DefaultMaxPeers = 20
	// DefaultTxQueueSize is the number of frames the driver buffers before reporting ErrNoBufferSpace.
	DefaultTxQueueSize = 16
)

var (
	// ErrNoBufferSpace indicates the transmit buffer is temporarily full. Callers retry later.
	ErrNoBufferSpace = errors.New("radio: no buffer space")
	// ErrPeerNotFound indicates a send or delete for an address that is not in the peer table.
	ErrPeerNotFound = errors.New("radio: peer not found")
	// ErrPeerTableFull indicates the peer table cannot accept another address.
	ErrPeerTableFull = errors.New("radio: peer table full")
	// ErrPayloadSize indicates an empty payload or one larger than protocol.MaxPayload.
	ErrPayloadSize = errors.New("radio: invalid payload size")
	// ErrInvalidChannel indicates a channel outside 1..14.
	ErrInvalidChannel = errors.New("radio: invalid channel")
	// ErrClosed indicates the driver was closed.
	ErrClosed = errors.New("radio: driver closed")
)

// Frame is one received radio frame.
type Frame struct {
	Src  protocol.Addr
	RSSI int8
	Data []byte
}

// ReceiveHandler is invoked from the driver's receive context for every frame addressed to this node.
type ReceiveHandler func(Frame)

// Driver is the connectionless radio link the gateway talks through.
type Driver interface {
	Address() protocol.Addr
	Send(dst protocol.Addr, payload []byte) error
	AddPeer(addr protocol.Addr) error
	DeletePeer(addr protocol.Addr) error
	PeerExists(addr protocol.Addr) bool
	SetChannel(ch uint8) error
	SetReceiveHandler(h ReceiveHandler) error
	Close() error
}
