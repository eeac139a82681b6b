package telemetry

import (
	"errors"
	"fmt"
	"strconv"

	"trackergw/protocol"
)

const (
	// RecordSize is the width of one host report.
	RecordSize = 16
	// RecordsPerFrame is the number of reports in one transport frame.
	RecordsPerFrame = 4
	// FrameSize is the fixed transport frame width.
	FrameSize = RecordSize * RecordsPerFrame

	rssiOffset = RecordSize - 1
)

// ErrFrameSize indicates a frame that is not exactly FrameSize bytes.
var ErrFrameSize = errors.New("telemetry: frame must be 64 bytes")

// RecordType is byte 0 of a report.
type RecordType uint8

const (
	RecordDeviceInfo      RecordType = 0
	RecordRotation        RecordType = 1
	RecordCompactRotation RecordType = 2
	RecordStatus          RecordType = 3
	RecordRotationMag     RecordType = 4
	RecordRegistration    RecordType = 0xFF
)

type recordTypeInfo struct {
	name        string
	carriesRSSI bool
}

// recordTypes lists which reports reserve byte 15 for signal strength.
// Full-precision rotation layouts use every byte for payload.
var recordTypes = map[RecordType]recordTypeInfo{
	RecordDeviceInfo:      {name: "device_info", carriesRSSI: true},
	RecordRotation:        {name: "rotation", carriesRSSI: false},
	RecordCompactRotation: {name: "compact_rotation", carriesRSSI: true},
	RecordStatus:          {name: "status", carriesRSSI: true},
	RecordRotationMag:     {name: "rotation_mag", carriesRSSI: false},
	RecordRegistration:    {name: "registration", carriesRSSI: false},
}

// CarriesRSSI reports whether byte 15 of this record type holds the negated RSSI.
// Unknown types never do.
func (t RecordType) CarriesRSSI() bool {
	return recordTypes[t].carriesRSSI
}

func (t RecordType) String() string {
	if info, ok := recordTypes[t]; ok {
		return info.name
	}
	return "record_" + strconv.Itoa(int(t))
}

// Tracker status codes carried in byte 2 of a status record.
const (
	StatusDisconnected uint8 = 0
	StatusTimedOut     uint8 = 5
)

// Record is one 16-byte host report.
type Record [RecordSize]byte

// Type returns byte 0.
func (r Record) Type() RecordType { return RecordType(r[0]) }

// TrackerID returns byte 1.
func (r Record) TrackerID() uint8 { return r[1] }

// IsZero reports an unused frame slot.
func (r Record) IsZero() bool { return r == Record{} }

// RSSI returns the signal strength in dBm for RSSI-carrying types.
func (r Record) RSSI() (int, bool) {
	if !r.Type().CarriesRSSI() {
		return 0, false
	}
	return -int(r[rssiOffset]), true
}

// Addr returns the link address of a registration record.
func (r Record) Addr() (protocol.Addr, bool) {
	if r.Type() != RecordRegistration {
		return protocol.Addr{}, false
	}
	var a protocol.Addr
	copy(a[:], r[2:2+protocol.AddrSize])
	return a, true
}

func (r Record) String() string {
	switch r.Type() {
	case RecordRegistration:
		addr, _ := r.Addr()
		return fmt.Sprintf("registration id=%d addr=%s", r.TrackerID(), addr)
	case RecordStatus:
		return fmt.Sprintf("status id=%d status=%d rssi=%d", r.TrackerID(), r[2], -int(r[rssiOffset]))
	default:
		return fmt.Sprintf("%s id=%d % x", r.Type(), r.TrackerID(), r[2:])
	}
}

// StatusRecord builds a status report. RSSI is filled in on insert.
func StatusRecord(trackerID, status uint8) Record {
	var r Record
	r[0] = byte(RecordStatus)
	r[1] = trackerID
	r[2] = status
	return r
}

// RegistrationRecord builds [0xFF][tracker ID][6-byte addr][8 reserved].
func RegistrationRecord(trackerID uint8, addr protocol.Addr) Record {
	var r Record
	r[0] = byte(RecordRegistration)
	r[1] = trackerID
	copy(r[2:], addr[:])
	return r
}

// SplitFrame cuts a transport frame into its four slots, including zero-filled ones.
func SplitFrame(frame []byte) ([RecordsPerFrame]Record, error) {
	var out [RecordsPerFrame]Record
	if len(frame) != FrameSize {
		return out, fmt.Errorf("%w: got %d", ErrFrameSize, len(frame))
	}
	for i := range out {
		copy(out[i][:], frame[i*RecordSize:])
	}
	return out, nil
}
