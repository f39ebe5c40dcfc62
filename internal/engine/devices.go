package engine

import (
	"github.com/lowaak/smart-trainer/erg-engine/internal/bt"
	"github.com/lowaak/smart-trainer/erg-engine/internal/statemachine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/trainer"
)

// AttachTrainer opens a session on a connected trainer and starts acquiring
// control. A previous trainer session is stopped first.
func (e *Engine) AttachTrainer(device bt.BTDevice) error {
	id := e.nextBinding.Add(1)
	session, err := trainer.Open(e.logger, device, id, e.post, e.opts.Session)
	if err != nil {
		return err
	}
	return e.do(func() error {
		if e.session != nil {
			e.session.Stop()
		}
		e.session = session
		e.trainerName = device.GetLocalName()
		e.trainerAddress = device.GetAddressString()
		e.readOnly = false
		e.degraded = false
		e.diagnostic = ""
		e.logger.Printf("Engine: trainer %s (%s) attached", e.trainerName, e.trainerAddress)
		e.fire(statemachine.Event{Kind: statemachine.DeviceConnected})
		session.Begin(e.onSessionEvent)
		e.publish()
		return nil
	})
}

// AttachHeartRate binds a connected heart rate strap. Strap readings take
// precedence over heart rate reported by the trainer.
func (e *Engine) AttachHeartRate(device bt.BTDevice) error {
	id := e.nextBinding.Add(1)
	if err := trainer.BindHeartRate(e.logger, device, id, e.post); err != nil {
		return err
	}
	return e.do(func() error {
		e.hrBinding = id
		e.hrName = device.GetLocalName()
		e.hrAddress = device.GetAddressString()
		e.logger.Printf("Engine: heart rate strap %s (%s) attached", e.hrName, e.hrAddress)
		e.publish()
		return nil
	})
}

// DetachDevice tells the engine that the device at address is gone. Losing
// the trainer while Running pauses the ride until it is reattached.
func (e *Engine) DetachDevice(address string) error {
	return e.do(func() error {
		if e.session != nil && e.trainerAddress == address {
			e.session.HandleDisconnect()
			e.session = nil
			e.clearTrainer()
			e.logger.Printf("Engine: trainer %s detached", address)
			e.fire(statemachine.Event{Kind: statemachine.DeviceDisconnected})
		}
		if e.hrBinding != 0 && e.hrAddress == address {
			e.clearHeartRate()
			e.logger.Printf("Engine: heart rate strap %s detached", address)
		}
		e.publish()
		return nil
	})
}

// SetRadioAvailable records whether the radio is powered. While it is off
// Start fails with ErrTransportUnavailable.
func (e *Engine) SetRadioAvailable(available bool) error {
	return e.do(func() error {
		if e.radioOff == !available {
			return nil
		}
		e.radioOff = !available
		if available {
			e.logger.Printf("Engine: radio available again")
		} else {
			e.logger.Printf("Engine: radio unavailable")
		}
		e.publish()
		return nil
	})
}

// Fail moves an active session into the Error state, for example when the
// trainer could not be reconnected.
func (e *Engine) Fail(reason string) error {
	return e.do(func() error {
		e.fire(statemachine.Event{Kind: statemachine.FatalError, Reason: reason})
		e.publish()
		return nil
	})
}

func (e *Engine) onSessionEvent(ev trainer.Event) {
	switch ev.Kind {
	case trainer.EventReady:
		e.diagnostic = ""
		switch e.machine.State() {
		case statemachine.Connecting:
			e.fire(statemachine.Event{Kind: statemachine.DeviceReady})
		case statemachine.Paused, statemachine.Error:
			e.fire(statemachine.Event{Kind: statemachine.Reconnected})
			if e.machine.State() == statemachine.Running {
				e.applyTarget()
			}
		}
	case trainer.EventTelemetry:
		e.applyTelemetry(ev)
	case trainer.EventReadOnly:
		e.readOnly = true
		e.diagnostic = ev.Message
		switch e.machine.State() {
		case statemachine.Connecting:
			e.fire(statemachine.Event{Kind: statemachine.DeviceReady})
		case statemachine.Running, statemachine.Paused:
			e.fire(statemachine.Event{Kind: statemachine.FatalError, Reason: ev.Message})
		}
	case trainer.EventDegraded:
		e.degraded = true
		e.diagnostic = ev.Message
	case trainer.EventDiagnostic, trainer.EventControlLost:
		e.diagnostic = ev.Message
	}
	if ev.Kind != trainer.EventTelemetry {
		e.logger.Printf("Engine: trainer %s %s", ev.Kind, ev.Message)
	}
}

func (e *Engine) applyTelemetry(ev trainer.Event) {
	t := ev.Telemetry
	if t.HasPower {
		e.power = t.Power
		e.hasPower = true
	}
	if t.HasCadence {
		e.cadence = t.CadenceRpm
		e.hasCadence = true
	}
	if t.HasSpeed {
		e.speedKmh = t.SpeedKmh
	}
	if t.HasHeartRate && e.hrBinding == 0 {
		e.heartRate = t.HeartRate
		e.hasHeartRate = true
		e.hrFresh = true
	}
}

func (e *Engine) handleInput(in trainer.Input) {
	switch in.Source {
	case trainer.SourceHeartRate:
		if e.hrBinding == 0 || in.Binding != e.hrBinding {
			return
		}
		if bpm, ok := in.HeartRate(); ok {
			e.heartRate = bpm
			e.hasHeartRate = true
			e.hrFresh = true
		}
	case trainer.SourceTrainer:
		if e.session == nil {
			return
		}
		e.session.HandleInput(in)
	}
	if e.machine.State() != statemachine.Running {
		e.publish()
	}
}

func (e *Engine) clearTrainer() {
	e.trainerName = ""
	e.trainerAddress = ""
	e.power, e.hasPower = 0, false
	e.cadence, e.hasCadence = 0, false
	e.speedKmh = 0
	if e.hrBinding == 0 {
		e.heartRate, e.hasHeartRate = 0, false
	}
}

func (e *Engine) clearHeartRate() {
	e.hrBinding = 0
	e.hrName = ""
	e.hrAddress = ""
	e.heartRate, e.hasHeartRate = 0, false
	e.hrFresh = false
}
