package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/erg-engine/internal/hrcontrol"
	"github.com/lowaak/smart-trainer/erg-engine/internal/protocol"
	"github.com/lowaak/smart-trainer/erg-engine/internal/ride"
	"github.com/lowaak/smart-trainer/erg-engine/internal/statemachine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/telemetry"
	"github.com/lowaak/smart-trainer/erg-engine/internal/trainer"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

// LoadWorkout validates and expands w for the next ride. A positive
// ftpOverride replaces the settings FTP for rides of this workout.
func (e *Engine) LoadWorkout(w workout.Workout, ftpOverride int) error {
	if err := w.Validate(); err != nil {
		return err
	}
	steps := workout.Expand(w)
	return e.do(func() error {
		if e.rideActive() {
			return ErrSessionBusy
		}
		e.workout = w
		e.steps = steps
		e.ftpOverride = max(ftpOverride, 0)
		e.resetProgress()
		e.logger.Printf("Engine: workout '%s' loaded (%d steps, %v, FTP %d W)",
			w.Name, len(steps), workout.TotalExpandedDuration(steps), e.currentFTP())
		e.publish()
		return nil
	})
}

// SetFTP changes the settings FTP. A ride in progress keeps the FTP it
// started with.
func (e *Engine) SetFTP(watts int) error {
	if watts <= 0 {
		return fmt.Errorf("invalid FTP %d W", watts)
	}
	return e.do(func() error {
		e.settingsFTP = watts
		e.logger.Printf("Engine: FTP set to %d W", watts)
		e.publish()
		return nil
	})
}

// Start begins the loaded workout. The trainer must be Ready and controllable.
func (e *Engine) Start() error {
	return e.do(func() error {
		if len(e.steps) == 0 {
			return ErrNoWorkout
		}
		if e.radioOff {
			return ErrTransportUnavailable
		}
		if e.readOnly {
			return protocol.ErrReadOnly
		}
		if st := e.machine.State(); st != statemachine.Ready {
			return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, st)
		}
		if e.session == nil || !e.session.IsReady() {
			return trainer.ErrNotReady
		}

		e.resetProgress()
		e.ftp = e.currentFTP()
		e.rideID = ride.NewID()
		e.startedAt = e.opts.Now()
		e.logger.Printf("Engine: starting '%s' at FTP %d W (ride %s)", e.workout.Name, e.ftp, e.rideID)
		e.enterStep(0)
		e.fire(statemachine.Event{Kind: statemachine.Start})
		e.applyTarget()
		e.publish()
		return nil
	})
}

// Pause holds the ride and releases the trainer's resistance.
func (e *Engine) Pause() error {
	return e.do(func() error {
		if st := e.machine.State(); st != statemachine.Running {
			return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, st)
		}
		e.fire(statemachine.Event{Kind: statemachine.Pause})
		if e.session != nil {
			if err := e.session.Pause(); err != nil {
				e.logger.Printf("Engine: pause trainer: %v", err)
			}
		}
		e.publish()
		return nil
	})
}

// Resume continues a paused ride. The trainer must be connected and Ready.
func (e *Engine) Resume() error {
	return e.do(func() error {
		if st := e.machine.State(); st != statemachine.Paused {
			return fmt.Errorf("%w: cannot resume while %s", ErrInvalidState, st)
		}
		if e.session == nil || !e.session.IsReady() {
			return trainer.ErrNotReady
		}
		if err := e.session.Resume(); err != nil {
			return err
		}
		e.fire(statemachine.Event{Kind: statemachine.Resume})
		e.applyTarget()
		e.publish()
		return nil
	})
}

// Stop ends the ride, records it and releases every device. The trainer is
// commanded to zero watts before its link is torn down.
func (e *Engine) Stop() error {
	return e.do(func() error {
		switch e.machine.State() {
		case statemachine.Running, statemachine.Paused:
			e.finishRide(ride.StatusStopped)
			e.machine.Reset()
		case statemachine.Error, statemachine.Finished:
			e.fire(statemachine.Event{Kind: statemachine.Stop})
		default:
			e.machine.Reset()
		}
		e.syncTicker()

		if e.session != nil {
			e.session.Stop()
			e.session = nil
		}
		e.clearTrainer()
		e.clearHeartRate()
		e.readOnly = false
		e.degraded = false
		e.diagnostic = ""
		e.resetProgress()
		e.logger.Printf("Engine: stopped")
		if e.opts.Releaser != nil {
			// a reconnect firing now would attach the trainer to a stopped engine
			e.opts.Releaser.CancelReconnects()
			go_func_utils.SafeGo(e.logger, e.opts.Releaser.ReleaseAll)
		}
		e.publish()
		return nil
	})
}

// SkipForward moves to the next step. Skipping the last step of a running
// ride completes it.
func (e *Engine) SkipForward() error {
	return e.do(func() error {
		st := e.machine.State()
		if st != statemachine.Running && st != statemachine.Paused {
			return fmt.Errorf("%w: cannot skip while %s", ErrInvalidState, st)
		}
		if e.stepIdx == len(e.steps)-1 {
			if st != statemachine.Running {
				return fmt.Errorf("%w: cannot finish a paused ride", ErrInvalidState)
			}
			e.complete()
			e.publish()
			return nil
		}
		e.enterStep(e.stepIdx + 1)
		if st == statemachine.Running {
			e.applyTarget()
		}
		e.publish()
		return nil
	})
}

// SkipBackward moves to the previous step, or restarts the first one.
func (e *Engine) SkipBackward() error {
	return e.do(func() error {
		st := e.machine.State()
		if st != statemachine.Running && st != statemachine.Paused {
			return fmt.Errorf("%w: cannot skip while %s", ErrInvalidState, st)
		}
		e.enterStep(max(e.stepIdx-1, 0))
		if st == statemachine.Running {
			e.applyTarget()
		}
		e.publish()
		return nil
	})
}

// AdjustPowerOffset adds delta watts to every target from now on.
func (e *Engine) AdjustPowerOffset(delta int) error {
	return e.do(func() error {
		e.offset += delta
		e.logger.Printf("Engine: power offset %+d W", e.offset)
		if e.machine.State() == statemachine.Running {
			e.applyTarget()
		}
		e.publish()
		return nil
	})
}

// tick advances a running ride by one interval: step completion, the heart
// rate loop, the target write, one telemetry sample and the condition.
func (e *Engine) tick() {
	if e.machine.State() != statemachine.Running {
		return
	}
	dt := e.opts.TickInterval
	e.elapsed += dt
	e.stepElapsed += dt

	for e.stepElapsed >= e.steps[e.stepIdx].Duration {
		if e.stepIdx == len(e.steps)-1 {
			e.record()
			e.complete()
			e.publish()
			return
		}
		carry := e.stepElapsed - e.steps[e.stepIdx].Duration
		e.enterStep(e.stepIdx + 1)
		e.stepElapsed = carry
	}

	if e.hrCtl != nil {
		e.hrPct = e.hrCtl.Update(e.heartRate, e.hrFresh, dt)
	}
	e.hrFresh = false
	e.applyTarget()
	e.record()
	e.publish()
}

func (e *Engine) enterStep(i int) {
	e.stepIdx = i
	e.stepElapsed = 0
	e.hrCtl = nil
	e.hrPct = 0
	step := e.steps[i]
	if step.Type == workout.StepHR {
		e.hrCtl = hrcontrol.New(step.LowBpm, step.HighBpm, step.FallbackPct, e.opts.HRControl)
		e.hrPct = float64(step.FallbackPct)
	}
	e.logger.Printf("Engine: step %d/%d %s '%s' (%v)", i+1, len(e.steps), step.Type, step.Label, step.Duration)
}

// applyTarget recomputes the target and sends it to the trainer.
func (e *Engine) applyTarget() {
	step := e.steps[e.stepIdx]
	pct := step.TargetPct(e.stepElapsed)
	if e.hrCtl != nil {
		pct = int(e.hrPct)
	}
	e.targetPct = pct
	e.targetWatts = max(workout.Watts(e.ftp, pct)+e.offset, 0)

	if e.session == nil {
		return
	}
	if err := e.session.SetTargetPower(e.targetWatts); err != nil {
		e.logger.Printf("Engine: set target %d W: %v", e.targetWatts, err)
	}
}

func (e *Engine) record() {
	s := telemetry.Sample{
		Elapsed: int(e.elapsed / time.Second),
		Power:   e.power,
	}
	if e.hasHeartRate {
		s.HeartRate = e.heartRate
		s.HasHeartRate = true
	}
	if e.hasCadence {
		s.Cadence = int(math.Round(e.cadence))
		s.HasCadence = true
	}
	e.agg.Add(s)
	e.condition, e.hasCondition = e.cond.Evaluate(e.agg)
}

// complete finishes a running ride whose steps are exhausted.
func (e *Engine) complete() {
	e.fire(statemachine.Event{Kind: statemachine.StepsExhausted})
	e.hrCtl = nil
	e.targetWatts = 0
	e.targetPct = 0
	if e.session != nil {
		if err := e.session.SetTargetPower(0); err != nil {
			e.logger.Printf("Engine: zero target: %v", err)
		}
	}
	e.finishRide(ride.StatusCompleted)
}

// finishRide publishes the record of the ride in progress, if there is one.
func (e *Engine) finishRide(status ride.Status) {
	if e.rideID == "" {
		return
	}
	rec := ride.Build(e.rideID, e.workout.ID, e.workout.Name, e.startedAt, e.opts.Now(), e.ftp, status,
		e.agg, !e.opts.DropSamples)
	e.rideID = ""
	e.logger.Printf("Engine: ride %s %s after %ds, NP %.0f W, TSS %.1f",
		rec.ID, rec.Status, rec.DurationSec, rec.NormalizedPower, rec.TSS)
	e.rideEvent.Notify(rec)
}

func (e *Engine) rideActive() bool {
	st := e.machine.State()
	return st == statemachine.Running || st == statemachine.Paused
}

// resetProgress rewinds to the start of the loaded workout with fresh
// statistics.
func (e *Engine) resetProgress() {
	e.stepIdx = 0
	e.stepElapsed = 0
	e.elapsed = 0
	e.targetWatts = 0
	e.targetPct = 0
	e.hrCtl = nil
	e.hrPct = 0
	e.agg = telemetry.NewAggregator()
	e.cond.Reset()
	e.condition, e.hasCondition = 0, false
}

// currentFTP is the FTP of the ride in progress, or the one the next ride
// will use.
func (e *Engine) currentFTP() int {
	if e.rideID != "" {
		return e.ftp
	}
	if e.ftpOverride > 0 {
		return e.ftpOverride
	}
	return e.settingsFTP
}
