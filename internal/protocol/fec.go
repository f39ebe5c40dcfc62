package protocol

import (
	"encoding/binary"
	"fmt"
)

// ANT+ message framing
const (
	FECSyncByte        byte = 0xA4
	FECMsgLength       byte = 0x09
	FECMsgAcknowledged byte = 0x4F
	FECChannel         byte = 0x05

	fecFrameLen   = 13
	fecPayloadLen = 8
)

// FE-C data pages
const (
	FECPageGeneralData   byte = 0x10
	FECPageTrainerData   byte = 0x19
	FECPageTargetPower   byte = 0x31
	FECPageCommandStatus byte = 0x47
)

// Command status values reported on page 0x47.
const (
	FECStatusPass         byte = 0
	FECStatusFail         byte = 1
	FECStatusNotSupported byte = 2
	FECStatusRejected     byte = 3
	FECStatusPending      byte = 4
)

const (
	fecInvalidCadence byte   = 0xFF
	fecInvalidPower   uint16 = 0x0FFF
	fecInvalidSpeed   uint16 = 0xFFFF
)

// CommandStatus reports how the trainer handled the last FE-C command.
type CommandStatus struct {
	LastCommand byte
	Sequence    byte
	Status      byte
}

func (s CommandStatus) Accepted() bool {
	return s.Status == FECStatusPass
}

func (s CommandStatus) String() string {
	var name string
	switch s.Status {
	case FECStatusPass:
		name = "pass"
	case FECStatusFail:
		name = "fail"
	case FECStatusNotSupported:
		name = "not supported"
	case FECStatusRejected:
		name = "rejected"
	case FECStatusPending:
		name = "pending"
	default:
		name = fmt.Sprintf("unknown 0x%02X", s.Status)
	}
	return fmt.Sprintf("page 0x%02X: %s", s.LastCommand, name)
}

// FEC speaks ANT+ FE-C pages wrapped in acknowledged messages over the vendor
// BLE service. There is no control handshake, but a nonzero target lapses
// unless it is resent about every 500 ms.
type FEC struct{}

var _ Adapter = FEC{}

func (FEC) sealed() {}

func (FEC) Kind() Kind { return KindFEC }

func (FEC) ServiceUUID() string { return ServiceUUIDFEC }

func (FEC) NotifyCharUUIDs() []string { return []string{CharUUIDFECRead} }

func (FEC) ControlCharUUID() string { return CharUUIDFECWrite }

func (FEC) RequiresControlHandshake() bool { return false }

func (FEC) RequiresKeepalive() bool { return true }

// EncodeSetTargetPower builds a target power page: bytes 1-5 are padding and
// bytes 6-7 carry the target in 0.25 W units.
func (FEC) EncodeSetTargetPower(watts int) ([]byte, error) {
	w, err := clampTarget(watts)
	if err != nil {
		return nil, err
	}
	var page [fecPayloadLen]byte
	page[0] = FECPageTargetPower
	for i := 1; i <= 5; i++ {
		page[i] = 0xFF
	}
	binary.LittleEndian.PutUint16(page[6:8], uint16(w*4))
	return EncodeFECFrame(page), nil
}

// EncodeStartStop has no FE-C start command; stopping commands a zero target.
func (a FEC) EncodeStartStop(start bool) ([]byte, error) {
	if start {
		return nil, nil
	}
	return a.EncodeSetTargetPower(0)
}

func (a FEC) EncodePause() ([]byte, error) {
	return a.EncodeSetTargetPower(0)
}

func (FEC) Decode(charUUID string, frame []byte) (Message, bool) {
	if NormalizeUUID(charUUID) != CharUUIDFECRead {
		return Message{}, false
	}
	page, ok := DecodeFECFrame(frame)
	if !ok {
		return Message{}, false
	}

	switch page[0] {
	case FECPageTrainerData:
		t := &Telemetry{}
		if page[2] != fecInvalidCadence {
			t.CadenceRpm = float64(page[2])
			t.HasCadence = true
		}
		if p := uint16(page[5]) | uint16(page[6]&0x0F)<<8; p != fecInvalidPower {
			t.Power = int(p)
			t.HasPower = true
		}
		return Message{Telemetry: t}, true
	case FECPageGeneralData:
		t := &Telemetry{}
		if s := binary.LittleEndian.Uint16(page[4:6]); s != fecInvalidSpeed {
			t.SpeedKmh = float64(s) * 0.001 * 3.6
			t.HasSpeed = true
		}
		return Message{Telemetry: t}, true
	case FECPageCommandStatus:
		return Message{Status: &CommandStatus{
			LastCommand: page[1],
			Sequence:    page[2],
			Status:      page[3],
		}}, true
	}
	return Message{}, false
}

// EncodeFECFrame wraps an 8-byte page in an acknowledged ANT+ message.
func EncodeFECFrame(page [fecPayloadLen]byte) []byte {
	frame := make([]byte, fecFrameLen)
	frame[0] = FECSyncByte
	frame[1] = FECMsgLength
	frame[2] = FECMsgAcknowledged
	frame[3] = FECChannel
	copy(frame[4:12], page[:])
	frame[12] = fecChecksum(frame[:12])
	return frame
}

// DecodeFECFrame validates framing and checksum and returns the page payload.
// The message type is not checked: trainers notify with broadcast and
// acknowledged messages alike.
func DecodeFECFrame(frame []byte) (page [fecPayloadLen]byte, ok bool) {
	if len(frame) < fecFrameLen || frame[0] != FECSyncByte || frame[1] != FECMsgLength {
		return page, false
	}
	if fecChecksum(frame[:12]) != frame[12] {
		return page, false
	}
	copy(page[:], frame[4:12])
	return page, true
}

func fecChecksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum ^= v
	}
	return sum
}
