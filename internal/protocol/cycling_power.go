package protocol

// CyclingPower reads a trainer that exposes only the Cycling Power profile.
// It never writes, so a session using it is read-only.
type CyclingPower struct{}

var _ Adapter = CyclingPower{}

func (CyclingPower) sealed() {}

func (CyclingPower) Kind() Kind { return KindCyclingPower }

func (CyclingPower) ServiceUUID() string { return ServiceUUIDCyclingPower }

func (CyclingPower) NotifyCharUUIDs() []string {
	return []string{CharUUIDCyclingPowerMeasurement}
}

func (CyclingPower) ControlCharUUID() string { return "" }

func (CyclingPower) RequiresControlHandshake() bool { return false }

func (CyclingPower) RequiresKeepalive() bool { return false }

func (CyclingPower) EncodeSetTargetPower(int) ([]byte, error) { return nil, ErrReadOnly }

func (CyclingPower) EncodeStartStop(bool) ([]byte, error) { return nil, ErrReadOnly }

func (CyclingPower) EncodePause() ([]byte, error) { return nil, ErrReadOnly }

// Decode reads the instantaneous power that follows the 16-bit flags.
func (CyclingPower) Decode(charUUID string, frame []byte) (Message, bool) {
	if NormalizeUUID(charUUID) != CharUUIDCyclingPowerMeasurement {
		return Message{}, false
	}
	r := frameReader{buf: frame}
	r.u16()
	power := r.s16()
	if !r.ok() {
		return Message{}, false
	}
	return Message{Telemetry: &Telemetry{Power: int(power), HasPower: true}}, true
}
