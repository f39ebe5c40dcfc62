// Package protocol encodes trainer control commands and decodes telemetry
// frames for the wire formats a smart trainer may speak: the GATT Fitness
// Machine profile (FTMS), ANT+ FE-C pages tunnelled over BLE, and the
// read-only Cycling Power profile.
package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedDevice is returned by Select when no known service was discovered.
	ErrUnsupportedDevice = errors.New("no supported trainer service")
	// ErrReadOnly is returned by encoders of adapters that cannot control the trainer.
	ErrReadOnly = errors.New("trainer is read-only")
	// ErrInvalidTarget is returned for target powers outside the encodable range.
	ErrInvalidTarget = errors.New("invalid target power")
)

// MaxTargetWatts caps every commanded target.
const MaxTargetWatts = 2000

// Kind identifies the protocol an Adapter speaks.
type Kind int

const (
	KindFTMS Kind = iota
	KindFEC
	KindCyclingPower
)

func (k Kind) String() string {
	switch k {
	case KindFTMS:
		return "FTMS"
	case KindFEC:
		return "FE-C"
	case KindCyclingPower:
		return "CyclingPower"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Adapter is the capability set shared by all trainer protocols. The set of
// implementations is closed; use Select to obtain one.
type Adapter interface {
	Kind() Kind
	ServiceUUID() string
	// NotifyCharUUIDs lists the characteristics to subscribe to.
	NotifyCharUUIDs() []string
	// ControlCharUUID is the characteristic control frames are written to, or
	// "" when the adapter is read-only.
	ControlCharUUID() string
	RequiresControlHandshake() bool
	// RequiresKeepalive reports whether a nonzero target must be resent
	// periodically for the trainer to hold it.
	RequiresKeepalive() bool

	EncodeSetTargetPower(watts int) ([]byte, error)
	// EncodeStartStop returns a nil frame when the protocol has no such command.
	EncodeStartStop(start bool) ([]byte, error)
	EncodePause() ([]byte, error)

	// Decode parses a notification from charUUID. ok is false for frames that
	// are malformed, truncated, or not of interest.
	Decode(charUUID string, frame []byte) (msg Message, ok bool)

	sealed()
}

// ControlHandshake is implemented by adapters that must acquire control of the
// trainer before accepting targets.
type ControlHandshake interface {
	EncodeRequestControl() []byte
	EncodeReset() []byte
}

// Message is a decoded notification. Exactly one field is set.
type Message struct {
	Telemetry *Telemetry
	Response  *ControlResponse
	Status    *CommandStatus
}

// Telemetry carries whatever live values a single frame contained.
type Telemetry struct {
	Power        int
	HasPower     bool
	CadenceRpm   float64
	HasCadence   bool
	SpeedKmh     float64
	HasSpeed     bool
	HeartRate    int
	HasHeartRate bool
	Elapsed      int
	HasElapsed   bool
	Remaining    int
	HasRemaining bool
}

// CanControl reports whether a can write targets at all.
func CanControl(a Adapter) bool {
	return a != nil && a.ControlCharUUID() != ""
}

// Select picks the adapter for a trainer from its discovered services.
// FTMS wins over FE-C, which wins over the read-only Cycling Power profile.
func Select(serviceUUIDs []string) (Adapter, error) {
	switch {
	case ContainsService(serviceUUIDs, ServiceUUIDFTMS):
		return FTMS{}, nil
	case ContainsService(serviceUUIDs, ServiceUUIDFEC):
		return FEC{}, nil
	case ContainsService(serviceUUIDs, ServiceUUIDCyclingPower):
		return CyclingPower{}, nil
	}
	return nil, ErrUnsupportedDevice
}

func clampTarget(watts int) (int, error) {
	if watts < 0 {
		return 0, fmt.Errorf("%w: %d W", ErrInvalidTarget, watts)
	}
	if watts > MaxTargetWatts {
		return MaxTargetWatts, nil
	}
	return watts, nil
}
