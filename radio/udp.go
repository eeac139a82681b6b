package radio

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"trackergw/protocol"
)

// datagramHeaderSize is channel(1) + src(6) + dst(6) + rssi(1).
const datagramHeaderSize = 1 + protocol.AddrSize + protocol.AddrSize + 1

// UDPConfig configures a UDPLink.
type UDPConfig struct {
	// ListenAddress is the local UDP address, e.g. ":4210".
	ListenAddress string
	// BroadcastAddress receives frames for link broadcast and for peers whose endpoint is not yet known.
	BroadcastAddress string
	// LinkAddress is this node's 6-byte link address.
	LinkAddress protocol.Addr
	Channel     uint8
	MaxPeers    int
	TxQueueSize int
	Logger      *slog.Logger
}

func (c UDPConfig) withDefaults() UDPConfig {
	out := c
	if out.Channel == 0 {
		out.Channel = protocol.DefaultChannel
	}
	if out.MaxPeers <= 0 {
		out.MaxPeers = DefaultMaxPeers
	}
	if out.TxQueueSize <= 0 {
		out.TxQueueSize = DefaultTxQueueSize
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

var _ Driver = (*UDPLink)(nil)

type datagram struct {
	to  *net.UDPAddr
	raw []byte
}

// UDPLink emulates the connectionless radio over UDP datagrams.
//
// Each datagram is [channel][src addr][dst addr][rssi][payload]. Frames tagged with another
// channel, or addressed to neither this node nor broadcast, are dropped on receipt.
type UDPLink struct {
	cfg       UDPConfig
	conn      *net.UDPConn
	broadcast *net.UDPAddr
	logger    *slog.Logger

	mu        sync.RWMutex
	channel   uint8
	peers     map[protocol.Addr]struct{}
	endpoints map[protocol.Addr]*net.UDPAddr
	// learned holds endpoints of senders not yet in the peer table, at most MaxPeers.
	learned map[protocol.Addr]*net.UDPAddr
	handler ReceiveHandler

	tx chan datagram

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// OpenUDPLink binds the listen address and starts the receive and transmit loops.
func OpenUDPLink(config UDPConfig) (*UDPLink, error) {
	cfg := config.withDefaults()
	if !protocol.ValidChannel(cfg.Channel) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, cfg.Channel)
	}

	listenAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve radio listen address: %w", err)
	}
	broadcastAddr, err := net.ResolveUDPAddr("udp", cfg.BroadcastAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve radio broadcast address: %w", err)
	}
	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen radio udp: %w", err)
	}

	l := &UDPLink{
		cfg:       cfg,
		conn:      conn,
		broadcast: broadcastAddr,
		logger:    cfg.Logger,
		channel:   cfg.Channel,
		peers:     make(map[protocol.Addr]struct{}),
		endpoints: make(map[protocol.Addr]*net.UDPAddr),
		learned:   make(map[protocol.Addr]*net.UDPAddr),
		tx:        make(chan datagram, cfg.TxQueueSize),
		closed:    make(chan struct{}),
	}

	l.wg.Add(2)
	go l.readLoop()
	go l.writeLoop()

	return l, nil
}

// Address returns this node's link address.
func (l *UDPLink) Address() protocol.Addr {
	return l.cfg.LinkAddress
}

// LocalAddr returns the bound UDP address.
func (l *UDPLink) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Send queues payload for dst. dst must be in the peer table.
func (l *UDPLink) Send(dst protocol.Addr, payload []byte) error {
	if len(payload) == 0 || len(payload) > protocol.MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(payload))
	}

	l.mu.RLock()
	_, known := l.peers[dst]
	endpoint := l.endpoints[dst]
	channel := l.channel
	l.mu.RUnlock()

	if !known {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, dst)
	}
	if endpoint == nil || dst.IsBroadcast() {
		endpoint = l.broadcast
	}

	raw := EncodeDatagram(channel, l.cfg.LinkAddress, dst, 0, payload)
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	select {
	case l.tx <- datagram{to: endpoint, raw: raw}:
		return nil
	default:
		return ErrNoBufferSpace
	}
}

// AddPeer registers addr in the peer table. Adding an existing peer is a no-op.
func (l *UDPLink) AddPeer(addr protocol.Addr) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.peers[addr]; ok {
		return nil
	}
	if len(l.peers) >= l.cfg.MaxPeers {
		return ErrPeerTableFull
	}
	l.peers[addr] = struct{}{}
	if endpoint, ok := l.learned[addr]; ok {
		l.endpoints[addr] = endpoint
		delete(l.learned, addr)
	}
	return nil
}

// DeletePeer removes addr from the peer table.
func (l *UDPLink) DeletePeer(addr protocol.Addr) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.peers[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, addr)
	}
	delete(l.peers, addr)
	delete(l.endpoints, addr)
	return nil
}

// learnEndpoint records where src was heard from. Callers hold mu.
func (l *UDPLink) learnEndpoint(src protocol.Addr, from *net.UDPAddr) {
	if _, ok := l.peers[src]; ok {
		l.endpoints[src] = from
		return
	}
	if _, ok := l.learned[src]; !ok && len(l.learned) >= l.cfg.MaxPeers {
		clear(l.learned)
	}
	l.learned[src] = from
}

func (l *UDPLink) endpointCount() (peers, learned int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.endpoints), len(l.learned)
}

// PeerExists reports whether addr is in the peer table.
func (l *UDPLink) PeerExists(addr protocol.Addr) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.peers[addr]
	return ok
}

// PeerCount returns the number of peer table entries.
func (l *UDPLink) PeerCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peers)
}

// SetChannel retunes the link. Frames on other channels are ignored from now on.
func (l *UDPLink) SetChannel(ch uint8) error {
	if !protocol.ValidChannel(ch) {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	l.mu.Lock()
	l.channel = ch
	l.mu.Unlock()
	return nil
}

// SetReceiveHandler installs the frame callback.
func (l *UDPLink) SetReceiveHandler(h ReceiveHandler) error {
	if h == nil {
		return errors.New("radio: receive handler is nil")
	}
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
	return nil
}

// Close stops both loops and releases the socket.
func (l *UDPLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
		l.wg.Wait()
	})
	return err
}

func (l *UDPLink) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, datagramHeaderSize+protocol.MaxPayload)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("radio read failed", "error", err)
			continue
		}

		channel, src, dst, rssi, payload, ok := DecodeDatagram(buf[:n])
		if !ok || src == l.cfg.LinkAddress {
			continue
		}

		l.mu.Lock()
		current := l.channel
		handler := l.handler
		if channel == current {
			l.learnEndpoint(src, from)
		}
		l.mu.Unlock()

		if channel != current || (dst != l.cfg.LinkAddress && !dst.IsBroadcast()) || handler == nil {
			continue
		}

		handler(Frame{Src: src, RSSI: rssi, Data: append([]byte(nil), payload...)})
	}
}

func (l *UDPLink) writeLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.closed:
			return
		case d := <-l.tx:
			if _, err := l.conn.WriteToUDP(d.raw, d.to); err != nil {
				l.logger.Debug("radio write failed", "to", d.to.String(), "error", err)
			}
		}
	}
}

// EncodeDatagram frames a payload for the UDP link.
func EncodeDatagram(channel uint8, src, dst protocol.Addr, rssi int8, payload []byte) []byte {
	raw := make([]byte, 0, datagramHeaderSize+len(payload))
	raw = append(raw, channel)
	raw = append(raw, src[:]...)
	raw = append(raw, dst[:]...)
	raw = append(raw, byte(rssi))
	return append(raw, payload...)
}

// DecodeDatagram splits a UDP link datagram. ok is false for truncated or empty frames.
func DecodeDatagram(raw []byte) (channel uint8, src, dst protocol.Addr, rssi int8, payload []byte, ok bool) {
	if len(raw) <= datagramHeaderSize {
		return 0, src, dst, 0, nil, false
	}
	channel = raw[0]
	copy(src[:], raw[1:1+protocol.AddrSize])
	copy(dst[:], raw[1+protocol.AddrSize:1+2*protocol.AddrSize])
	rssi = int8(raw[datagramHeaderSize-1])
	return channel, src, dst, rssi, raw[datagramHeaderSize:], true
}
