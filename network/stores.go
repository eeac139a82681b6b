package network

import (
	"trackergw/protocol"
	"trackergw/storage"
)

// PairingStore persists which addresses completed pairing and their tracker IDs.
type PairingStore interface {
	IsPaired(addr protocol.Addr) (bool, error)
	AddPaired(addr protocol.Addr) error
	RemovePaired(addr protocol.Addr) error
	ClearPaired() error
	ForEachPaired(fn func(storage.PairedTracker) error) error
	// TrackerID returns the persisted ID for addr, allocating the smallest free one.
	TrackerID(addr protocol.Addr) (uint8, error)
	IsTrackerIDInUse(id uint8) (bool, error)
}

// SecretStore persists the shared security code.
type SecretStore interface {
	// LoadSecurityCode returns the stored code, generating one if none is stored.
	LoadSecurityCode() (protocol.SecurityCode, error)
	StoreSecurityCode(code protocol.SecurityCode) error
	ResetSecurityCode() (protocol.SecurityCode, error)
}

// ChannelStore persists the radio channel.
type ChannelStore interface {
	LoadChannel() (uint8, error)
	StoreChannel(ch uint8) error
}

// AuditLog records pairing and trust changes.
type AuditLog interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}

// Store is everything the gateway persists. storage.Backend satisfies it.
type Store interface {
	PairingStore
	SecretStore
	ChannelStore
	AuditLog
}

var _ Store = (storage.Backend)(nil)

const (
	auditPairingRejected    = "pairing_rejected"
	auditHandshakeUnpaired  = "handshake_rejected_unpaired"
	auditTrackerPaired      = "tracker_paired"
	auditTrackerUnpaired    = "tracker_unpaired"
	auditAllUnpaired        = "all_trackers_unpaired"
	auditFactoryReset       = "factory_reset"
	auditSecurityCodeChange = "security_code_changed"
	auditChannelChange      = "channel_changed"
)
