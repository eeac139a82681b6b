package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddrSize is the length of a link address in bytes.
const AddrSize = 6

// SecurityCodeSize is the length of the shared pairing secret in bytes.
const SecurityCodeSize = 8

// ErrInvalidAddr indicates a link address string could not be parsed.
var ErrInvalidAddr = errors.New("protocol: invalid link address")

// Addr is a 6-byte radio link address.
type Addr [AddrSize]byte

// BroadcastAddr reaches every listener on the current channel.
var BroadcastAddr = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// String formats the address as colon-separated lowercase hex.
func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsBroadcast reports whether a is the link broadcast address.
func (a Addr) IsBroadcast() bool {
	return a == BroadcastAddr
}

// IsZero reports whether every byte of a is zero.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// ParseAddr accepts "aa:bb:cc:dd:ee:ff", "aa-bb-cc-dd-ee-ff" or twelve bare hex digits.
func ParseAddr(s string) (Addr, error) {
	clean := strings.TrimSpace(s)
	clean = strings.NewReplacer(":", "", "-", "").Replace(clean)
	if len(clean) != AddrSize*2 {
		return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}

	var a Addr
	copy(a[:], raw)
	return a, nil
}

// SecurityCode is the shared secret carried by pairing, handshake and unpair messages.
type SecurityCode [SecurityCodeSize]byte

// IsZero reports whether the code is blank.
func (c SecurityCode) IsZero() bool {
	return c == SecurityCode{}
}

const (
	// MinChannel and MaxChannel bound the radio channel.
	MinChannel = 1
	MaxChannel = 14
	// DefaultChannel is used until a channel has been stored.
	DefaultChannel = 6
)

// ValidChannel reports whether ch is a usable radio channel.
func ValidChannel(ch uint8) bool {
	return ch >= MinChannel && ch <= MaxChannel
}
