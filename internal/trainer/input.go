package trainer

import (
	"fmt"
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/protocol"
)

// Source says which binding produced an Input.
type Source int

const (
	SourceTrainer Source = iota
	SourceHeartRate
)

// Input is something that happened on a radio goroutine: a notification or a
// failed write. Bindings never act on it themselves; they post it to the
// owner, which hands it back to Session.HandleInput on its own goroutine.
type Input struct {
	Source Source
	// Binding identifies the Session or heart-rate binding that posted the
	// input, so late inputs from a replaced binding can be ignored.
	Binding  uint64
	CharUUID string
	Frame    []byte
	WriteErr error
}

// HeartRate decodes a heart-rate input.
func (in Input) HeartRate() (int, bool) {
	if in.Source != SourceHeartRate || in.WriteErr != nil {
		return 0, false
	}
	return protocol.DecodeHeartRate(in.Frame)
}

type EventKind int

const (
	// EventReady: the trainer accepts targets.
	EventReady EventKind = iota
	EventTelemetry
	// EventDiagnostic is informational, such as a rejected FE-C command.
	EventDiagnostic
	// EventDegraded: writes are failing; keepalive is off for this session.
	EventDegraded
	// EventReadOnly: the trainer cannot be controlled, telemetry only.
	EventReadOnly
	// EventControlLost: the trainer dropped our control and the session is
	// requesting it again.
	EventControlLost
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "Ready"
	case EventTelemetry:
		return "Telemetry"
	case EventDiagnostic:
		return "Diagnostic"
	case EventDegraded:
		return "Degraded"
	case EventReadOnly:
		return "ReadOnly"
	case EventControlLost:
		return "ControlLost"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is what a Session reports to its owner.
type Event struct {
	Kind      EventKind
	Telemetry protocol.Telemetry
	Message   string
}

// Ticker is the part of time.Ticker the keepalive needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates keepalive tickers; tests substitute a manual one.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }

func (r realTicker) Stop() { r.t.Stop() }

func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}
