package trainer

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/bt"
	"github.com/lowaak/smart-trainer/erg-engine/internal/protocol"
	"github.com/mcuadros/go-defaults"
)

var (
	// ErrNotReady is returned for commands a closed session cannot carry out.
	ErrNotReady = errors.New("trainer session not ready")
	// ErrNoHeartRateService is returned by BindHeartRate for devices without the HR service.
	ErrNoHeartRateService = errors.New("no heart rate service")
)

// SessionState is where a Session is in its control lifecycle.
type SessionState int

const (
	// StateDiscovered: protocol selected, control not (yet) established.
	StateDiscovered SessionState = iota
	StateRequestingControl
	StateStarting
	StateReady
	StateReadOnly
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDiscovered:
		return "Discovered"
	case StateRequestingControl:
		return "RequestingControl"
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateReadOnly:
		return "ReadOnly"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Options tunes a Session.
type Options struct {
	KeepaliveInterval time.Duration `default:"500ms"`
	// NewTicker creates the keepalive ticker. Defaults to NewRealTicker.
	NewTicker TickerFactory
}

// Session controls one connected trainer. The protocol adapter is chosen once
// in Open and never re-checked.
//
// A Session is not safe for concurrent use. Open may run anywhere, every other
// method must run on the owner's executor goroutine. Radio callbacks never
// touch the Session; they post Inputs which the owner passes to HandleInput.
type Session struct {
	logger  *log.Logger
	device  bt.BTDevice
	id      uint64
	adapter protocol.Adapter
	opts    Options
	emit    func(Event)

	state SessionState
	// target is the last commanded target; keepalive resends it.
	target     int
	pending    int
	hasPending bool
	paused     bool
	degraded   bool
	keepalive  Ticker
}

// Open selects the protocol for device from its discovered services,
// subscribes to its notification characteristics and installs the write
// error handler. Notifications and write failures are delivered through post
// tagged with id. device must be connected.
func Open(logger *log.Logger, device bt.BTDevice, id uint64, post func(Input), opts Options) (*Session, error) {
	if logger == nil {
		panic("TrainerSession: logger cannot be nil")
	}
	if device == nil {
		panic("TrainerSession: device cannot be nil")
	}
	if post == nil {
		panic("TrainerSession: post cannot be nil")
	}
	defaults.SetDefaults(&opts)
	if opts.NewTicker == nil {
		opts.NewTicker = NewRealTicker
	}

	services, err := device.DiscoverServiceUUIDs()
	if err != nil {
		return nil, fmt.Errorf("service discovery on %s: %w", device.GetAddressString(), err)
	}
	adapter, err := protocol.Select(services)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", device.GetAddressString(), err)
	}
	svc := adapter.ServiceUUID()
	logger.Printf("TrainerSession: %s speaks %s", device.GetAddressString(), adapter.Kind())

	subscribed := 0
	for _, char := range adapter.NotifyCharUUIDs() {
		if !device.HasCharacteristic(svc, char) {
			logger.Printf("TrainerSession: %s has no characteristic %s", device.GetAddressString(), char)
			continue
		}
		err := device.EnableNotifications(svc, char, func(buf []byte) {
			frame := make([]byte, len(buf))
			copy(frame, buf)
			post(Input{Source: SourceTrainer, Binding: id, CharUUID: char, Frame: frame})
		})
		if err != nil {
			return nil, fmt.Errorf("enable notifications on %s: %w", char, err)
		}
		subscribed++
	}
	if subscribed == 0 {
		return nil, fmt.Errorf("%s: no %s telemetry characteristic", device.GetAddressString(), adapter.Kind())
	}

	device.SetWriteErrorHandler(func(req bt.WriteRequest, err error) {
		post(Input{Source: SourceTrainer, Binding: id, CharUUID: req.CharUUID, WriteErr: err})
	})

	s := &Session{
		logger:  logger,
		device:  device,
		id:      id,
		adapter: adapter,
		opts:    opts,
		emit:    func(Event) {},
		state:   StateDiscovered,
	}
	if !protocol.CanControl(adapter) || !device.HasCharacteristic(svc, adapter.ControlCharUUID()) {
		s.state = StateReadOnly
	}
	return s, nil
}

// Begin attaches the event sink and starts acquiring control. FE-C trainers
// become Ready immediately; FTMS trainers start the control handshake.
func (s *Session) Begin(emit func(Event)) {
	if emit != nil {
		s.emit = emit
	}
	switch s.state {
	case StateReadOnly:
		s.logger.Printf("TrainerSession: %s is read-only (%s)", s.device.GetAddressString(), s.adapter.Kind())
		s.emit(Event{Kind: EventReadOnly, Message: fmt.Sprintf("%s trainer cannot be controlled", s.adapter.Kind())})
	case StateDiscovered:
		if s.adapter.RequiresControlHandshake() {
			s.requestControl()
		} else {
			s.becomeReady()
		}
	}
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) Device() bt.BTDevice { return s.device }

func (s *Session) Kind() protocol.Kind { return s.adapter.Kind() }

func (s *Session) State() SessionState { return s.state }

func (s *Session) IsReady() bool { return s.state == StateReady }

func (s *Session) IsReadOnly() bool { return s.state == StateReadOnly }

// IsDegraded reports whether writes have failed on this session.
func (s *Session) IsDegraded() bool { return s.degraded }

func (s *Session) Target() int { return s.target }

// KeepaliveC fires while a nonzero FE-C target must be resent. It is nil,
// and so never selected, when no keepalive is running.
func (s *Session) KeepaliveC() <-chan time.Time {
	if s.keepalive == nil {
		return nil
	}
	return s.keepalive.C()
}

// SetTargetPower commands watts. Before the session is Ready the value is
// held and sent once control is established. A write the transport cannot
// take right now is skipped, not queued; the next call or keepalive carries
// the current value.
func (s *Session) SetTargetPower(watts int) error {
	switch s.state {
	case StateClosed:
		return ErrNotReady
	case StateReadOnly:
		return protocol.ErrReadOnly
	}
	if watts < 0 {
		return fmt.Errorf("%w: %d W", protocol.ErrInvalidTarget, watts)
	}
	if watts > protocol.MaxTargetWatts {
		watts = protocol.MaxTargetWatts
	}

	if s.state != StateReady {
		s.pending = watts
		s.hasPending = true
		if s.state == StateDiscovered && s.adapter.RequiresControlHandshake() {
			s.requestControl()
		}
		return nil
	}

	s.target = watts
	if err := s.writeTarget(watts); err != nil {
		return err
	}
	s.updateKeepalive()
	return nil
}

// Keepalive resends the current target. The owner calls it on every KeepaliveC tick.
func (s *Session) Keepalive() {
	if s.state != StateReady || s.keepalive == nil {
		return
	}
	if s.target <= 0 || s.paused || s.degraded {
		s.stopKeepalive()
		return
	}
	if err := s.writeTarget(s.target); err != nil {
		s.logger.Printf("TrainerSession: keepalive for %s: %v", s.device.GetAddressString(), err)
	}
}

// Pause tells the trainer to stop holding the target and cancels the keepalive.
func (s *Session) Pause() error {
	s.paused = true
	s.stopKeepalive()
	if s.state != StateReady {
		return nil
	}
	frame, err := s.adapter.EncodePause()
	if err != nil {
		return err
	}
	return s.write(frame, "pause")
}

// Resume undoes Pause. The caller commands a target again afterwards.
func (s *Session) Resume() error {
	s.paused = false
	switch s.state {
	case StateClosed:
		return ErrNotReady
	case StateReadOnly:
		return protocol.ErrReadOnly
	case StateReady:
		frame, err := s.adapter.EncodeStartStop(true)
		if err != nil || frame == nil {
			return err
		}
		return s.write(frame, "resume")
	}
	return nil
}

// Stop releases the trainer: it cancels the keepalive, commands zero watts
// and, for FTMS, stop and reset, then closes the session. Writes are queued;
// the owner should let them drain (WaitForWrites) before disconnecting.
func (s *Session) Stop() {
	if s.state == StateClosed {
		return
	}
	s.stopKeepalive()
	if s.state != StateReadOnly && s.state != StateDiscovered {
		s.release()
	}
	s.hasPending = false
	s.target = 0
	s.state = StateClosed
	s.logger.Printf("TrainerSession: %s stopped", s.device.GetAddressString())
}

func (s *Session) release() {
	if frame, err := s.adapter.EncodeSetTargetPower(0); err == nil {
		_ = s.write(frame, "zero target")
	}
	if frame, err := s.adapter.EncodeStartStop(false); err == nil && frame != nil && s.adapter.Kind() == protocol.KindFTMS {
		_ = s.write(frame, "stop")
	}
	if hs, ok := s.adapter.(protocol.ControlHandshake); ok {
		_ = s.write(hs.EncodeReset(), "reset")
	}
}

// HandleDisconnect closes the session after the link is gone. Nothing is
// written; a reconnect gets a new Session.
func (s *Session) HandleDisconnect() {
	if s.state == StateClosed {
		return
	}
	s.stopKeepalive()
	s.state = StateClosed
	s.logger.Printf("TrainerSession: %s lost its link", s.device.GetAddressString())
}

// HandleInput processes a posted notification or write failure. Inputs from
// another binding, and frames that do not decode, are ignored.
func (s *Session) HandleInput(in Input) {
	if s.state == StateClosed || in.Source != SourceTrainer || in.Binding != s.id {
		return
	}
	if in.WriteErr != nil {
		s.handleWriteError(in)
		return
	}
	msg, ok := s.adapter.Decode(in.CharUUID, in.Frame)
	if !ok {
		return
	}
	switch {
	case msg.Telemetry != nil:
		s.emit(Event{Kind: EventTelemetry, Telemetry: *msg.Telemetry})
	case msg.Response != nil:
		s.handleResponse(*msg.Response)
	case msg.Status != nil:
		if !msg.Status.Accepted() {
			s.emit(Event{Kind: EventDiagnostic, Message: "trainer command status: " + msg.Status.String()})
		}
	}
}

func (s *Session) handleResponse(r protocol.ControlResponse) {
	switch r.Opcode {
	case protocol.FTMSOpRequestControl:
		if s.state != StateRequestingControl {
			return
		}
		switch {
		case r.Success():
			s.state = StateStarting
			frame, err := s.adapter.EncodeStartStop(true)
			if err != nil {
				s.handshakeFailed(err.Error())
				return
			}
			if err := s.write(frame, "start"); err != nil {
				s.handshakeFailed(err.Error())
			}
		case r.Result == protocol.FTMSResultControlNotPermitted:
			s.state = StateReadOnly
			s.hasPending = false
			s.logger.Printf("TrainerSession: %s refused control", s.device.GetAddressString())
			s.emit(Event{Kind: EventReadOnly, Message: "trainer refused control: " + r.String()})
		default:
			s.handshakeFailed(r.String())
		}
	case protocol.FTMSOpStartOrResume:
		if s.state != StateStarting {
			if !r.Success() {
				s.emit(Event{Kind: EventDiagnostic, Message: "resume: " + r.String()})
			}
			return
		}
		if !r.Success() {
			s.handshakeFailed(r.String())
			return
		}
		s.becomeReady()
	case protocol.FTMSOpSetTargetPower:
		if r.Success() {
			return
		}
		if r.Result == protocol.FTMSResultControlNotPermitted && s.state == StateReady {
			s.logger.Printf("TrainerSession: %s dropped our control, requesting it again", s.device.GetAddressString())
			s.stopKeepalive()
			s.pending = s.target
			s.hasPending = true
			s.state = StateDiscovered
			s.emit(Event{Kind: EventControlLost, Message: r.String()})
			s.requestControl()
			return
		}
		s.emit(Event{Kind: EventDiagnostic, Message: "set target: " + r.String()})
	default:
		if !r.Success() {
			s.emit(Event{Kind: EventDiagnostic, Message: r.String()})
		}
	}
}

func (s *Session) handshakeFailed(reason string) {
	s.logger.Printf("TrainerSession: control handshake with %s failed: %s", s.device.GetAddressString(), reason)
	s.state = StateDiscovered
	s.emit(Event{Kind: EventDiagnostic, Message: "control handshake failed: " + reason})
}

func (s *Session) handleWriteError(in Input) {
	s.logger.Printf("TrainerSession: write to %s on %s failed: %v", in.CharUUID, s.device.GetAddressString(), in.WriteErr)
	if s.adapter.RequiresKeepalive() {
		if s.degraded {
			return
		}
		s.degraded = true
		s.stopKeepalive()
		s.emit(Event{Kind: EventDegraded, Message: fmt.Sprintf("trainer write failed: %v", in.WriteErr)})
		return
	}
	if s.state == StateRequestingControl || s.state == StateStarting {
		s.handshakeFailed(in.WriteErr.Error())
		return
	}
	s.emit(Event{Kind: EventDiagnostic, Message: fmt.Sprintf("trainer write failed: %v", in.WriteErr)})
}

func (s *Session) requestControl() {
	hs, ok := s.adapter.(protocol.ControlHandshake)
	if !ok {
		return
	}
	s.logger.Printf("TrainerSession: requesting control of %s", s.device.GetAddressString())
	s.state = StateRequestingControl
	if err := s.write(hs.EncodeRequestControl(), "request control"); err != nil {
		// retried on the next SetTargetPower
		s.state = StateDiscovered
	}
}

func (s *Session) becomeReady() {
	s.state = StateReady
	s.logger.Printf("TrainerSession: %s ready", s.device.GetAddressString())
	s.emit(Event{Kind: EventReady})
	if s.hasPending {
		s.hasPending = false
		if err := s.SetTargetPower(s.pending); err != nil {
			s.logger.Printf("TrainerSession: pending target for %s: %v", s.device.GetAddressString(), err)
		}
	}
}

// writeTarget is the backpressure-gated target write.
func (s *Session) writeTarget(watts int) error {
	frame, err := s.adapter.EncodeSetTargetPower(watts)
	if err != nil {
		return err
	}
	if !s.device.CanWriteWithoutBlocking() {
		return nil
	}
	if err := s.write(frame, "target"); err != nil && !errors.Is(err, bt.ErrWriteQueueFull) {
		return err
	}
	return nil
}

func (s *Session) write(frame []byte, what string) error {
	err := s.device.QueueWrite(s.adapter.ServiceUUID(), s.adapter.ControlCharUUID(), frame, s.adapter.Kind() == protocol.KindFTMS)
	if err != nil {
		s.logger.Printf("TrainerSession: %s write to %s: %v", what, s.device.GetAddressString(), err)
	}
	return err
}

func (s *Session) updateKeepalive() {
	if !s.adapter.RequiresKeepalive() {
		return
	}
	if s.target <= 0 || s.paused || s.degraded {
		s.stopKeepalive()
		return
	}
	if s.keepalive == nil {
		s.keepalive = s.opts.NewTicker(s.opts.KeepaliveInterval)
	}
}

func (s *Session) stopKeepalive() {
	if s.keepalive != nil {
		s.keepalive.Stop()
		s.keepalive = nil
	}
}
