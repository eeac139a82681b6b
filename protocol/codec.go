package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage indicates a zero-length buffer.
	ErrEmptyMessage = errors.New("protocol: empty message")
	// ErrUnknownType indicates the tag byte names no known message.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrShortMessage indicates the buffer is shorter than the layout for its tag.
	ErrShortMessage = errors.New("protocol: message shorter than its layout")
	// ErrDataTooLong indicates a TrackerData length byte exceeds MaxTrackerData.
	ErrDataTooLong = errors.New("protocol: tracker data exceeds max length")
)

// fixedSizes holds the encoded length of every message except TrackerData.
var fixedSizes = map[MessageType]int{
	TypePairingRequest:      PairingRequest{}.Size(),
	TypePairingAck:          PairingAck{}.Size(),
	TypeHandshakeRequest:    HandshakeRequest{}.Size(),
	TypeHandshakeAck:        HandshakeAck{}.Size(),
	TypeHeartbeatEcho:       HeartbeatEcho{}.Size(),
	TypeHeartbeatResponse:   HeartbeatResponse{}.Size(),
	TypePairingAnnouncement: PairingAnnouncement{}.Size(),
	TypeUnpair:              Unpair{}.Size(),
	TypeTrackerRate:         TrackerRate{}.Size(),
	TypeEnterOTA:            EnterOTA{}.Size(),
	TypeEnterOTAAck:         EnterOTAAck{}.Size(),
}

// Encode returns the wire bytes for m.
func Encode(m Message) []byte {
	return m.appendTo(make([]byte, 0, m.Size()))
}

// PeekType returns the tag of a raw frame without validating the rest of it.
func PeekType(b []byte) (MessageType, bool) {
	if len(b) == 0 {
		return 0, false
	}
	return MessageType(b[0]), true
}

// Decode validates the buffer length for its tag and returns the typed message.
// Bytes beyond the layout are ignored.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, ErrEmptyMessage
	}

	t := MessageType(b[0])
	if t == TypeTrackerData {
		return decodeTrackerData(b)
	}

	want, ok := fixedSizes[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
	if len(b) < want {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortMessage, t, want, len(b))
	}

	switch t {
	case TypePairingRequest:
		var m PairingRequest
		copy(m.Secret[:], b[1:])
		return m, nil
	case TypePairingAck:
		return PairingAck{}, nil
	case TypeHandshakeRequest:
		var m HandshakeRequest
		copy(m.Secret[:], b[1:])
		return m, nil
	case TypeHandshakeAck:
		return HandshakeAck{Channel: b[1], TrackerID: b[2]}, nil
	case TypeHeartbeatEcho:
		return HeartbeatEcho{Seq: binary.LittleEndian.Uint16(b[1:3])}, nil
	case TypeHeartbeatResponse:
		return HeartbeatResponse{Seq: binary.LittleEndian.Uint16(b[1:3])}, nil
	case TypePairingAnnouncement:
		m := PairingAnnouncement{Channel: b[1]}
		copy(m.Secret[:], b[2:])
		return m, nil
	case TypeUnpair:
		var m Unpair
		copy(m.Secret[:], b[1:])
		return m, nil
	case TypeTrackerRate:
		return TrackerRate{PollRateHz: binary.LittleEndian.Uint32(b[1:5])}, nil
	case TypeEnterOTA:
		return decodeEnterOTA(b), nil
	case TypeEnterOTAAck:
		return EnterOTAAck{}, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
}

func decodeTrackerData(b []byte) (Message, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: %s needs 2 bytes, got %d", ErrShortMessage, TypeTrackerData, len(b))
	}
	n := int(b[1])
	if n > MaxTrackerData {
		return nil, fmt.Errorf("%w: %d", ErrDataTooLong, n)
	}
	if len(b) < 2+n {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortMessage, TypeTrackerData, 2+n, len(b))
	}

	var data []byte
	if n > 0 {
		data = append(data, b[2:2+n]...)
	}
	return TrackerData{Data: data}, nil
}

func decodeEnterOTA(b []byte) EnterOTA {
	var m EnterOTA
	off := 1
	off += copy(m.Secret[:], b[off:])
	off += copy(m.AuthToken[:], b[off:])
	m.Port = binary.LittleEndian.Uint16(b[off:])
	off += 2
	off += copy(m.IP[:], b[off:])
	m.SSID = readCString(b[off : off+SSIDFieldSize])
	off += SSIDFieldSize
	m.Password = readCString(b[off : off+PasswordFieldSize])
	return m
}
