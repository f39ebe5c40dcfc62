package protocol

import (
	"encoding/binary"
	"fmt"
)

// FTMS control point op codes.
const (
	FTMSOpRequestControl byte = 0x00
	FTMSOpReset          byte = 0x01
	FTMSOpSetTargetPower byte = 0x05
	FTMSOpStartOrResume  byte = 0x07
	FTMSOpStopOrPause    byte = 0x08
	FTMSOpResponseCode   byte = 0x80
)

// Stop or pause parameter values.
const (
	ftmsParamStop  byte = 0x01
	ftmsParamPause byte = 0x02
)

// FTMS control point result codes.
const (
	FTMSResultSuccess             byte = 0x01
	FTMSResultOpCodeNotSupported  byte = 0x02
	FTMSResultInvalidParameter    byte = 0x03
	FTMSResultOperationFailed     byte = 0x04
	FTMSResultControlNotPermitted byte = 0x05
)

// Indoor Bike Data flag bits
const (
	ibdFlagMoreData             uint16 = 1 << 0 // inverted: clear means instantaneous speed present
	ibdFlagAverageSpeed         uint16 = 1 << 1
	ibdFlagInstantaneousCadence uint16 = 1 << 2
	ibdFlagAverageCadence       uint16 = 1 << 3
	ibdFlagTotalDistance        uint16 = 1 << 4
	ibdFlagResistanceLevel      uint16 = 1 << 5
	ibdFlagInstantaneousPower   uint16 = 1 << 6
	ibdFlagAveragePower         uint16 = 1 << 7
	ibdFlagExpendedEnergy       uint16 = 1 << 8
	ibdFlagHeartRate            uint16 = 1 << 9
	ibdFlagMetabolicEquivalent  uint16 = 1 << 10
	ibdFlagElapsedTime          uint16 = 1 << 11
	ibdFlagRemainingTime        uint16 = 1 << 12
)

// ControlResponse is the trainer's answer to a control point write.
type ControlResponse struct {
	Opcode byte
	Result byte
}

func (r ControlResponse) Success() bool {
	return r.Result == FTMSResultSuccess
}

func (r ControlResponse) String() string {
	return fmt.Sprintf("op 0x%02X: %s", r.Opcode, ftmsResultName(r.Result))
}

func ftmsResultName(result byte) string {
	switch result {
	case FTMSResultSuccess:
		return "success"
	case FTMSResultOpCodeNotSupported:
		return "op code not supported"
	case FTMSResultInvalidParameter:
		return "invalid parameter"
	case FTMSResultOperationFailed:
		return "operation failed"
	case FTMSResultControlNotPermitted:
		return "control not permitted"
	}
	return fmt.Sprintf("unknown result 0x%02X", result)
}

// FTMS speaks the Fitness Machine Service. Targets are accepted only after
// request-control and start/resume have both been acknowledged.
type FTMS struct{}

var (
	_ Adapter          = FTMS{}
	_ ControlHandshake = FTMS{}
)

func (FTMS) sealed() {}

func (FTMS) Kind() Kind { return KindFTMS }

func (FTMS) ServiceUUID() string { return ServiceUUIDFTMS }

func (FTMS) NotifyCharUUIDs() []string {
	return []string{CharUUIDIndoorBikeData, CharUUIDFTMSControlPoint}
}

func (FTMS) ControlCharUUID() string { return CharUUIDFTMSControlPoint }

func (FTMS) RequiresControlHandshake() bool { return true }

func (FTMS) RequiresKeepalive() bool { return false }

func (FTMS) EncodeRequestControl() []byte {
	return []byte{FTMSOpRequestControl}
}

func (FTMS) EncodeReset() []byte {
	return []byte{FTMSOpReset}
}

func (FTMS) EncodeSetTargetPower(watts int) ([]byte, error) {
	w, err := clampTarget(watts)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 3)
	frame[0] = FTMSOpSetTargetPower
	binary.LittleEndian.PutUint16(frame[1:], uint16(int16(w)))
	return frame, nil
}

func (FTMS) EncodeStartStop(start bool) ([]byte, error) {
	if start {
		return []byte{FTMSOpStartOrResume}, nil
	}
	return []byte{FTMSOpStopOrPause, ftmsParamStop}, nil
}

func (FTMS) EncodePause() ([]byte, error) {
	return []byte{FTMSOpStopOrPause, ftmsParamPause}, nil
}

func (FTMS) Decode(charUUID string, frame []byte) (Message, bool) {
	switch NormalizeUUID(charUUID) {
	case CharUUIDIndoorBikeData:
		t, ok := decodeIndoorBikeData(frame)
		if !ok {
			return Message{}, false
		}
		return Message{Telemetry: t}, true
	case CharUUIDFTMSControlPoint:
		if len(frame) < 3 || frame[0] != FTMSOpResponseCode {
			return Message{}, false
		}
		return Message{Response: &ControlResponse{Opcode: frame[1], Result: frame[2]}}, true
	}
	return Message{}, false
}

// decodeIndoorBikeData walks the optional fields in flag order. A frame that
// ends before the last flagged field is rejected whole.
func decodeIndoorBikeData(frame []byte) (*Telemetry, bool) {
	r := frameReader{buf: frame}
	flags := r.u16()
	if !r.ok() {
		return nil, false
	}
	has := func(bit uint16) bool { return flags&bit != 0 }

	t := &Telemetry{}
	if !has(ibdFlagMoreData) {
		t.SpeedKmh = float64(r.u16()) * 0.01
		t.HasSpeed = true
	}
	if has(ibdFlagAverageSpeed) {
		r.skip(2)
	}
	if has(ibdFlagInstantaneousCadence) {
		t.CadenceRpm = float64(r.u16()) * 0.5
		t.HasCadence = true
	}
	if has(ibdFlagAverageCadence) {
		r.skip(2)
	}
	if has(ibdFlagTotalDistance) {
		r.u24()
	}
	if has(ibdFlagResistanceLevel) {
		r.s16()
	}
	if has(ibdFlagInstantaneousPower) {
		t.Power = int(r.s16())
		t.HasPower = true
	}
	if has(ibdFlagAveragePower) {
		r.skip(2)
	}
	if has(ibdFlagExpendedEnergy) {
		r.skip(5)
	}
	if has(ibdFlagHeartRate) {
		t.HeartRate = int(r.u8())
		t.HasHeartRate = t.HeartRate > 0
	}
	if has(ibdFlagMetabolicEquivalent) {
		r.skip(1)
	}
	if has(ibdFlagElapsedTime) {
		t.Elapsed = int(r.u16())
		t.HasElapsed = true
	}
	if has(ibdFlagRemainingTime) {
		t.Remaining = int(r.u16())
		t.HasRemaining = true
	}

	if !r.ok() {
		return nil, false
	}
	return t, true
}
