package protocol

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

const (
	// MaxPayload is the largest frame the radio link carries.
	MaxPayload = 250
	// MaxTrackerData bounds the telemetry blob inside a TrackerData message.
	MaxTrackerData = 240
	// OTATokenSize is the length of the OTA server authentication token.
	OTATokenSize = 16
	// SSIDFieldSize is the NUL-padded SSID field width in EnterOTA.
	SSIDFieldSize = 33
	// PasswordFieldSize is the NUL-padded password field width in EnterOTA.
	PasswordFieldSize = 65
)

// MessageType is the leading tag byte of every radio message.
type MessageType uint8

const (
	TypePairingRequest      MessageType = 0
	TypePairingAck          MessageType = 1
	TypeHandshakeRequest    MessageType = 2
	TypeHandshakeAck        MessageType = 3
	TypeHeartbeatEcho       MessageType = 4
	TypeHeartbeatResponse   MessageType = 5
	TypeTrackerData         MessageType = 6
	TypePairingAnnouncement MessageType = 7
	TypeUnpair              MessageType = 8
	TypeTrackerRate         MessageType = 9
	TypeEnterOTA            MessageType = 10
	TypeEnterOTAAck         MessageType = 11
)

var typeNames = map[MessageType]string{
	TypePairingRequest:      "pairing_request",
	TypePairingAck:          "pairing_ack",
	TypeHandshakeRequest:    "handshake_request",
	TypeHandshakeAck:        "handshake_ack",
	TypeHeartbeatEcho:       "heartbeat_echo",
	TypeHeartbeatResponse:   "heartbeat_response",
	TypeTrackerData:         "tracker_data",
	TypePairingAnnouncement: "pairing_announcement",
	TypeUnpair:              "unpair",
	TypeTrackerRate:         "tracker_rate",
	TypeEnterOTA:            "enter_ota",
	TypeEnterOTAAck:         "enter_ota_ack",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "type_" + strconv.Itoa(int(t))
}

// Message is one decoded radio message. The set of implementations is closed.
type Message interface {
	Type() MessageType
	// Size is the encoded length including the tag byte.
	Size() int
	appendTo(b []byte) []byte
}

// PairingRequest asks the gateway to bind the sender to a persistent tracker ID.
type PairingRequest struct {
	Secret SecurityCode
}

// PairingAck confirms a pairing request.
type PairingAck struct{}

// HandshakeRequest opens a live session for an already-paired tracker.
type HandshakeRequest struct {
	Secret SecurityCode
}

// HandshakeAck carries the session parameters assigned to the tracker.
type HandshakeAck struct {
	Channel   uint8
	TrackerID uint8
}

// HeartbeatEcho is a liveness ping sent in either direction.
type HeartbeatEcho struct {
	Seq uint16
}

// HeartbeatResponse answers a HeartbeatEcho with the same sequence number.
type HeartbeatResponse struct {
	Seq uint16
}

// TrackerData carries raw telemetry records from a tracker.
type TrackerData struct {
	Data []byte
}

// PairingAnnouncement is broadcast while the gateway accepts new trackers.
type PairingAnnouncement struct {
	Channel uint8
	Secret  SecurityCode
}

// Unpair tells a tracker to forget this gateway.
type Unpair struct {
	Secret SecurityCode
}

// TrackerRate sets the tracker's polling rate.
type TrackerRate struct {
	PollRateHz uint32
}

// EnterOTA instructs a tracker to join a local update network. Secret is the
// shared security code; AuthToken is handed to the update server.
type EnterOTA struct {
	Secret    SecurityCode
	AuthToken [OTATokenSize]byte
	Port      uint16
	IP        [4]byte
	SSID      string
	Password  string
}

// EnterOTAAck is sent by a tracker right before it leaves for the update network.
type EnterOTAAck struct{}

func (PairingRequest) Type() MessageType      { return TypePairingRequest }
func (PairingAck) Type() MessageType          { return TypePairingAck }
func (HandshakeRequest) Type() MessageType    { return TypeHandshakeRequest }
func (HandshakeAck) Type() MessageType        { return TypeHandshakeAck }
func (HeartbeatEcho) Type() MessageType       { return TypeHeartbeatEcho }
func (HeartbeatResponse) Type() MessageType   { return TypeHeartbeatResponse }
func (TrackerData) Type() MessageType         { return TypeTrackerData }
func (PairingAnnouncement) Type() MessageType { return TypePairingAnnouncement }
func (Unpair) Type() MessageType              { return TypeUnpair }
func (TrackerRate) Type() MessageType         { return TypeTrackerRate }
func (EnterOTA) Type() MessageType            { return TypeEnterOTA }
func (EnterOTAAck) Type() MessageType         { return TypeEnterOTAAck }

func (PairingRequest) Size() int      { return 1 + SecurityCodeSize }
func (PairingAck) Size() int          { return 1 }
func (HandshakeRequest) Size() int    { return 1 + SecurityCodeSize }
func (HandshakeAck) Size() int        { return 3 }
func (HeartbeatEcho) Size() int       { return 3 }
func (HeartbeatResponse) Size() int   { return 3 }
func (m TrackerData) Size() int       { return 2 + min(len(m.Data), MaxTrackerData) }
func (PairingAnnouncement) Size() int { return 2 + SecurityCodeSize }
func (Unpair) Size() int              { return 1 + SecurityCodeSize }
func (TrackerRate) Size() int         { return 5 }
func (EnterOTA) Size() int            { return 1 + SecurityCodeSize + OTATokenSize + 2 + 4 + SSIDFieldSize + PasswordFieldSize }
func (EnterOTAAck) Size() int         { return 1 }

func (m PairingRequest) appendTo(b []byte) []byte {
	return append(append(b, byte(TypePairingRequest)), m.Secret[:]...)
}

func (PairingAck) appendTo(b []byte) []byte {
	return append(b, byte(TypePairingAck))
}

func (m HandshakeRequest) appendTo(b []byte) []byte {
	return append(append(b, byte(TypeHandshakeRequest)), m.Secret[:]...)
}

func (m HandshakeAck) appendTo(b []byte) []byte {
	return append(b, byte(TypeHandshakeAck), m.Channel, m.TrackerID)
}

func (m HeartbeatEcho) appendTo(b []byte) []byte {
	return binary.LittleEndian.AppendUint16(append(b, byte(TypeHeartbeatEcho)), m.Seq)
}

func (m HeartbeatResponse) appendTo(b []byte) []byte {
	return binary.LittleEndian.AppendUint16(append(b, byte(TypeHeartbeatResponse)), m.Seq)
}

func (m TrackerData) appendTo(b []byte) []byte {
	data := m.Data
	if len(data) > MaxTrackerData {
		data = data[:MaxTrackerData]
	}
	return append(append(b, byte(TypeTrackerData), byte(len(data))), data...)
}

func (m PairingAnnouncement) appendTo(b []byte) []byte {
	return append(append(b, byte(TypePairingAnnouncement), m.Channel), m.Secret[:]...)
}

func (m Unpair) appendTo(b []byte) []byte {
	return append(append(b, byte(TypeUnpair)), m.Secret[:]...)
}

func (m TrackerRate) appendTo(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(append(b, byte(TypeTrackerRate)), m.PollRateHz)
}

func (m EnterOTA) appendTo(b []byte) []byte {
	b = append(b, byte(TypeEnterOTA))
	b = append(b, m.Secret[:]...)
	b = append(b, m.AuthToken[:]...)
	b = binary.LittleEndian.AppendUint16(b, m.Port)
	b = append(b, m.IP[:]...)
	b = appendCString(b, m.SSID, SSIDFieldSize)
	return appendCString(b, m.Password, PasswordFieldSize)
}

func (EnterOTAAck) appendTo(b []byte) []byte {
	return append(b, byte(TypeEnterOTAAck))
}

// appendCString writes s into a fixed NUL-padded field, keeping room for the terminator.
func appendCString(b []byte, s string, width int) []byte {
	if len(s) > width-1 {
		s = s[:width-1]
	}
	b = append(b, s...)
	for i := len(s); i < width; i++ {
		b = append(b, 0)
	}
	return b
}

func readCString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}
