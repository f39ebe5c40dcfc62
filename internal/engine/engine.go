// Package engine runs a workout against a trainer. All ride state is owned by
// one executor goroutine: commands, radio inputs, the 1 Hz tick and the FE-C
// keepalive are serialised through it, so nothing here takes a lock.
package engine

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/lowaak/smart-trainer/erg-engine/internal/events"
	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/erg-engine/internal/hrcontrol"
	"github.com/lowaak/smart-trainer/erg-engine/internal/ride"
	"github.com/lowaak/smart-trainer/erg-engine/internal/statemachine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/telemetry"
	"github.com/lowaak/smart-trainer/erg-engine/internal/trainer"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

var (
	ErrNoWorkout     = errors.New("no workout loaded")
	ErrSessionBusy   = errors.New("a ride is in progress")
	ErrInvalidState  = errors.New("command not valid in the current state")
	ErrEngineStopped = errors.New("engine stopped")

	// ErrTransportUnavailable means the radio is off, so no trainer can be
	// reached until it comes back.
	ErrTransportUnavailable = errors.New("bluetooth radio is unavailable")
)

// Releaser lets go of every device once a ride is stopped. The connection
// supervisor implements it. CancelReconnects must not block; ReleaseAll may.
type Releaser interface {
	CancelReconnects()
	ReleaseAll()
}

// Options configures an Engine. Zero fields take the default in their tag.
type Options struct {
	// FTP is the settings FTP in watts, used unless a workout is loaded with
	// an override.
	FTP          int           `default:"220"`
	TickInterval time.Duration `default:"1s"`
	HRControl    hrcontrol.Options
	Session      trainer.Options
	// DropSamples leaves the 1 Hz samples out of ride records.
	DropSamples bool
	Releaser    Releaser
	// NewTicker creates the ride ticker. Defaults to trainer.NewRealTicker.
	NewTicker trainer.TickerFactory
	Now       func() time.Time
}

const inboxDepth = 64

// Engine is the ride orchestrator. Its exported methods may be called from any
// goroutine; they hand their work to the executor and wait for the result.
type Engine struct {
	logger *log.Logger
	opts   Options

	cmds         chan func()
	inbox        chan trainer.Input
	quit         chan struct{}
	done         chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	nextBinding  atomic.Uint64

	stateEvent *events.ChannelEvent[State]
	rideEvent  *events.CallbackEvent[ride.Record]

	// everything below belongs to the executor
	machine *statemachine.Machine
	ticker  trainer.Ticker

	session        *trainer.Session
	trainerName    string
	trainerAddress string
	hrBinding      uint64
	hrName         string
	hrAddress      string
	readOnly       bool
	degraded       bool
	diagnostic     string
	radioOff       bool

	workout     workout.Workout
	steps       []workout.ExpandedStep
	settingsFTP int
	ftpOverride int
	ftp         int
	offset      int

	stepIdx     int
	stepElapsed time.Duration
	elapsed     time.Duration
	targetWatts int
	targetPct   int
	hrCtl       *hrcontrol.Controller
	hrPct       float64

	rideID       string
	startedAt    time.Time
	agg          *telemetry.Aggregator
	cond         telemetry.ConditionEvaluator
	condition    float64
	hasCondition bool

	power        int
	hasPower     bool
	cadence      float64
	hasCadence   bool
	speedKmh     float64
	heartRate    int
	hasHeartRate bool
	// hrFresh is set when a heart rate reading arrived since the last tick.
	hrFresh bool
}

// New creates an Engine and starts its executor. Call Shutdown to stop it.
func New(logger *log.Logger, opts Options) *Engine {
	if logger == nil {
		panic("Engine: logger cannot be nil")
	}
	defaults.SetDefaults(&opts)
	if opts.NewTicker == nil {
		opts.NewTicker = trainer.NewRealTicker
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		logger:      logger,
		opts:        opts,
		cmds:        make(chan func()),
		inbox:       make(chan trainer.Input, inboxDepth),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		stateEvent:  events.NewChannelEvent[State](true),
		rideEvent:   events.NewCallbackEvent[ride.Record](false),
		machine:     statemachine.New(),
		settingsFTP: opts.FTP,
		agg:         telemetry.NewAggregator(),
	}
	e.publish()
	go_func_utils.SafeGoWG(logger, &e.wg, e.run)
	return e
}

// Shutdown stops the executor. A ride in progress is recorded as stopped and
// the trainer is released. Safe to call more than once.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.logger.Printf("Engine: Shutting down")
		close(e.quit)
		e.wg.Wait()
		e.logger.Printf("Engine: Shutdown complete")
	})
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			if e.rideID != "" {
				e.finishRide(ride.StatusStopped)
			}
			e.stopTicker()
			if e.session != nil {
				e.session.Stop()
				e.session = nil
			}
			return
		case fn := <-e.cmds:
			fn()
		case in := <-e.inbox:
			e.handleInput(in)
		case <-e.tickC():
			e.tick()
		case <-e.keepaliveC():
			e.session.Keepalive()
		}
	}
}

// do runs fn on the executor and returns its error.
func (e *Engine) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case e.cmds <- func() { errc <- fn() }:
	case <-e.done:
		return ErrEngineStopped
	}
	select {
	case err := <-errc:
		return err
	case <-e.done:
		return ErrEngineStopped
	}
}

// post hands a radio input to the executor. It is called on radio goroutines.
func (e *Engine) post(in trainer.Input) {
	select {
	case e.inbox <- in:
	case <-e.done:
	}
}

func (e *Engine) tickC() <-chan time.Time {
	if e.ticker == nil {
		return nil
	}
	return e.ticker.C()
}

func (e *Engine) keepaliveC() <-chan time.Time {
	if e.session == nil {
		return nil
	}
	return e.session.KeepaliveC()
}

// fire feeds the state machine and keeps the ride ticker in step with it.
func (e *Engine) fire(ev statemachine.Event) {
	prev := e.machine.State()
	if !e.machine.Fire(ev) {
		return
	}
	next := e.machine.State()
	e.logger.Printf("Engine: %s -> %s on %s", prev, next, ev.Kind)
	if next == statemachine.Error {
		e.logger.Printf("Engine: error: %s", e.machine.Reason())
		e.finishRide(ride.StatusFailed)
	}
	e.syncTicker()
}

// syncTicker runs the ride ticker exactly while Running.
func (e *Engine) syncTicker() {
	if e.machine.State() == statemachine.Running {
		if e.ticker == nil {
			e.ticker = e.opts.NewTicker(e.opts.TickInterval)
		}
		return
	}
	e.stopTicker()
}

func (e *Engine) stopTicker() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

// ListenToState registers ch for every published State. The latest state is
// delivered on registration. Slow listeners miss states rather than block.
func (e *Engine) ListenToState(ch chan<- State) func() {
	return e.stateEvent.Listen(ch)
}

// ListenToRides registers fn for every finished ride. fn runs on the executor
// and must not call back into the Engine.
func (e *Engine) ListenToRides(fn func(ride.Record)) func() {
	return e.rideEvent.Listen(fn)
}

// Snapshot returns the most recently published state without waiting for the
// executor.
func (e *Engine) Snapshot() State {
	st, _ := e.stateEvent.Last()
	return st
}

// State returns the current state as computed on the executor.
func (e *Engine) State() (State, error) {
	var st State
	err := e.do(func() error {
		st = e.snapshot()
		return nil
	})
	return st, err
}

func (e *Engine) publish() {
	e.stateEvent.Notify(e.snapshot())
}

func (e *Engine) snapshot() State {
	st := State{
		Phase:            e.machine.State(),
		Reason:           e.machine.Reason(),
		At:               e.opts.Now(),
		WorkoutID:        e.workout.ID,
		WorkoutName:      e.workout.Name,
		RideID:           e.rideID,
		FTP:              e.currentFTP(),
		StepCount:        len(e.steps),
		Elapsed:          e.elapsed,
		TargetWatts:      e.targetWatts,
		TargetPct:        e.targetPct,
		PowerOffset:      e.offset,
		Power:            e.power,
		HasPower:         e.hasPower,
		Cadence:          e.cadence,
		HasCadence:       e.hasCadence,
		SpeedKmh:         e.speedKmh,
		HeartRate:        e.heartRate,
		HasHeartRate:     e.hasHeartRate,
		NormalizedPower:  e.agg.NormalizedPower(),
		Condition:        e.condition,
		HasCondition:     e.hasCondition,
		TrainerName:      e.trainerName,
		TrainerAddress:   e.trainerAddress,
		HeartRateName:    e.hrName,
		HeartRateAddress: e.hrAddress,
		ReadOnly:         e.readOnly,
		Degraded:         e.degraded,
		Diagnostic:       e.diagnostic,
		RadioAvailable:   !e.radioOff,
	}
	if e.session != nil {
		st.TrainerProtocol = e.session.Kind().String()
	}
	if len(e.steps) > 0 {
		step := e.steps[e.stepIdx]
		st.Step = &step
		st.StepElapsed = e.stepElapsed
		st.StepRemaining = max(step.Duration-e.stepElapsed, 0)
		st.Remaining = st.StepRemaining
		for _, later := range e.steps[e.stepIdx+1:] {
			st.Remaining += later.Duration
		}
	}
	if e.targetPct > 0 {
		st.Zone = workout.ClassifyZone(e.targetPct).String()
	}
	if e.hrCtl != nil {
		st.HRControlPct = e.hrPct
	}
	return st
}
