package network

import (
	"errors"
	"log/slog"
	"time"

	"trackergw/protocol"
	"trackergw/radio"
)

const (
	// DefaultSendQueueCapacity is the number of outbound messages buffered.
	DefaultSendQueueCapacity = 64
	// DefaultSendInterval is the minimum spacing between radio transmit attempts.
	DefaultSendInterval = 5 * time.Millisecond
)

// SendQueueStats is a snapshot of queue counters.
type SendQueueStats struct {
	Pending        int
	Capacity       int
	Enqueued       uint64
	Sent           uint64
	Retried        uint64
	DroppedFull    uint64
	DroppedInvalid uint64
	Failed         uint64
	Cancelled      uint64
}

type outbound struct {
	dst       protocol.Addr
	payload   []byte
	peer      *Peer
	ephemeral bool
	cancelled bool
}

// SendQueue is the fixed-capacity FIFO in front of the radio transmit primitive.
//
// Drain makes at most one transmit attempt per interval. A full radio buffer leaves
// the head in place for the next call; any other failure drops it. Entries for a removed
// peer are flagged cancelled and skipped when they reach the head.
// It is not safe for concurrent use; Gateway serializes access under its mutex.
type SendQueue struct {
	radio    radio.Driver
	interval time.Duration
	logger   *slog.Logger

	entries []outbound
	head    int
	count   int

	lastAttempt time.Time
	stats       SendQueueStats
}

// NewSendQueue creates a queue transmitting through driver.
func NewSendQueue(driver radio.Driver, capacity int, interval time.Duration, logger *slog.Logger) *SendQueue {
	if capacity <= 0 {
		capacity = DefaultSendQueueCapacity
	}
	if interval <= 0 {
		interval = DefaultSendInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SendQueue{
		radio:    driver,
		interval: interval,
		logger:   logger,
		entries:  make([]outbound, capacity),
	}
}

// Enqueue appends a raw payload. peer, if set, ties the entry to a live session so it
// can be cancelled on removal and, for heartbeat echoes, stamped at send time.
// Ephemeral entries delete the radio peer after the transmit attempt.
func (q *SendQueue) Enqueue(dst protocol.Addr, payload []byte, peer *Peer, ephemeral bool) bool {
	if len(payload) == 0 || len(payload) > protocol.MaxPayload {
		q.stats.DroppedInvalid++
		q.logger.Warn("outbound message rejected", "to", dst.String(), "bytes", len(payload))
		return false
	}
	if q.count == len(q.entries) {
		q.stats.DroppedFull++
		q.logger.Warn("send queue full, message dropped", "to", dst.String(), "type", protocol.MessageType(payload[0]).String())
		return false
	}

	q.entries[(q.head+q.count)%len(q.entries)] = outbound{
		dst:       dst,
		payload:   append([]byte(nil), payload...),
		peer:      peer,
		ephemeral: ephemeral,
	}
	q.count++
	q.stats.Enqueued++
	return true
}

// EnqueueMessage encodes m and enqueues it.
func (q *SendQueue) EnqueueMessage(dst protocol.Addr, m protocol.Message, peer *Peer, ephemeral bool) bool {
	return q.Enqueue(dst, protocol.Encode(m), peer, ephemeral)
}

// CancelPeer flags every pending entry bound to p. It returns how many were flagged.
func (q *SendQueue) CancelPeer(p *Peer) int {
	if p == nil {
		return 0
	}
	n := 0
	for i := 0; i < q.count; i++ {
		e := &q.entries[(q.head+i)%len(q.entries)]
		if e.peer == p && !e.cancelled {
			e.cancelled = true
			n++
		}
	}
	return n
}

// Len returns the number of pending entries, including cancelled ones.
func (q *SendQueue) Len() int {
	return q.count
}

// Stats returns a counter snapshot.
func (q *SendQueue) Stats() SendQueueStats {
	out := q.stats
	out.Pending = q.count
	out.Capacity = len(q.entries)
	return out
}

// Drain makes at most one transmit attempt. It reports whether the radio was called.
func (q *SendQueue) Drain(now time.Time) bool {
	for q.count > 0 && q.entries[q.head].cancelled {
		q.pop()
		q.stats.Cancelled++
	}
	if q.count == 0 {
		return false
	}
	if !q.lastAttempt.IsZero() && now.Sub(q.lastAttempt) < q.interval {
		return false
	}
	q.lastAttempt = now

	e := q.entries[q.head]
	if !e.dst.IsBroadcast() && !q.radio.PeerExists(e.dst) {
		if err := q.radio.AddPeer(e.dst); err != nil {
			q.stats.Failed++
			q.logger.Warn("add radio peer failed, message dropped", "to", e.dst.String(), "error", err)
			q.pop()
			return false
		}
	}

	if e.peer != nil && protocol.MessageType(e.payload[0]) == protocol.TypeHeartbeatEcho {
		e.peer.LastPingSent = now
		e.peer.PingStart = now
	}

	err := q.radio.Send(e.dst, e.payload)
	switch {
	case err == nil:
		q.stats.Sent++
		q.pop()
	case errors.Is(err, radio.ErrNoBufferSpace):
		q.stats.Retried++
	default:
		q.stats.Failed++
		q.logger.Warn("radio send failed, message dropped", "to", e.dst.String(), "type", protocol.MessageType(e.payload[0]).String(), "error", err)
		q.pop()
	}

	if e.ephemeral {
		if err := q.radio.DeletePeer(e.dst); err != nil && !errors.Is(err, radio.ErrPeerNotFound) {
			q.logger.Debug("delete ephemeral radio peer failed", "addr", e.dst.String(), "error", err)
		}
	}
	return true
}

func (q *SendQueue) pop() {
	q.entries[q.head] = outbound{}
	q.head = (q.head + 1) % len(q.entries)
	q.count--
}
