package storage

import (
	"errors"
	"fmt"
	"time"

	"trackergw/protocol"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrInvalidChannel indicates a channel outside 1..14.
	ErrInvalidChannel = errors.New("storage: invalid radio channel")
	// ErrZeroSecurityCode indicates an attempt to store a blank security code.
	ErrZeroSecurityCode = errors.New("storage: security code must not be blank")
	// ErrTrackerIDsExhausted indicates every one-byte tracker ID is taken.
	ErrTrackerIDsExhausted = errors.New("storage: no free tracker IDs")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates destructive or trust-changing operations.
	SecuritySeverityCritical = "critical"
)

const (
	settingSecurityCode = "security_code"
	settingChannel      = "channel"

	maxTrackerID = 255
)

// PairedTracker is one persisted pairing.
type PairedTracker struct {
	Addr      protocol.Addr
	TrackerID uint8
	HasID     bool
	PairedAt  int64
}

// SecurityEvent stores a pairing-relevant runtime event.
type SecurityEvent struct {
	ID        int64
	EventType string
	Addr      string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType string
	Addr      string
	Limit     int
}

// Backend is the contract shared by the SQLite and bbolt stores.
type Backend interface {
	IsPaired(addr protocol.Addr) (bool, error)
	AddPaired(addr protocol.Addr) error
	RemovePaired(addr protocol.Addr) error
	ClearPaired() error
	ForEachPaired(fn func(PairedTracker) error) error
	TrackerID(addr protocol.Addr) (uint8, error)
	IsTrackerIDInUse(id uint8) (bool, error)

	LoadSecurityCode() (protocol.SecurityCode, error)
	StoreSecurityCode(code protocol.SecurityCode) error
	ResetSecurityCode() (protocol.SecurityCode, error)

	LoadChannel() (uint8, error)
	StoreChannel(ch uint8) error

	LogSecurityEvent(event SecurityEvent) error
	GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error)

	Close() error
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func validateChannel(ch uint8) error {
	if !protocol.ValidChannel(ch) {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	return nil
}

// lowestFreeID returns the smallest ID not present in used.
func lowestFreeID(used map[uint8]struct{}) (uint8, error) {
	for id := 0; id <= maxTrackerID; id++ {
		if _, taken := used[uint8(id)]; !taken {
			return uint8(id), nil
		}
	}
	return 0, ErrTrackerIDsExhausted
}

func normalizeEventLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
