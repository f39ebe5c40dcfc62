package dashboard

import (
	"log"

	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/statemachine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/supervisor"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

// PowerStepWatts is how far one key press moves the power offset.
const PowerStepWatts = 5

// Engine is the part of the engine the dashboard drives.
type Engine interface {
	ListenToState(ch chan<- engine.State) func()
	Snapshot() engine.State
	LoadWorkout(w workout.Workout, ftpOverride int) error
	Start() error
	Pause() error
	Resume() error
	Stop() error
	SkipForward() error
	SkipBackward() error
	AdjustPowerOffset(delta int) error
}

// Devices is the connection supervisor as seen from the devices screen.
type Devices interface {
	Acquire(role supervisor.Role, address string) error
	Forget(role supervisor.Role) error
}

// Controller turns key presses into engine commands.
type Controller struct {
	model    *Model
	engine   Engine
	devices  Devices
	workouts []workout.Workout
	logger   *log.Logger
}

func NewController(model *Model, eng Engine, devices Devices, workouts []workout.Workout, logger *log.Logger) *Controller {
	if model == nil {
		panic("Controller: model cannot be nil")
	}
	if eng == nil {
		panic("Controller: engine cannot be nil")
	}
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	return &Controller{
		model:    model,
		engine:   eng,
		devices:  devices,
		workouts: workouts,
		logger:   logger,
	}
}

func (c *Controller) Workouts() []workout.Workout {
	return c.workouts
}

func (c *Controller) OnModeChange(mode Mode) {
	if info, ok := InfoFor(mode); ok {
		c.logger.Printf("Dashboard: switching to %s", info.DisplayName)
	}
	c.model.SetMode(mode)
}

func (c *Controller) OnEscapeKey() {
	c.model.RequestClose()
}

// OnWorkoutSelected loads the workout and returns to the ride screen.
func (c *Controller) OnWorkoutSelected(index int) {
	if index < 0 || index >= len(c.workouts) {
		c.logger.Printf("Dashboard: invalid workout index %d", index)
		return
	}
	w := c.workouts[index]
	if err := c.engine.LoadWorkout(w, 0); err != nil {
		c.logger.Printf("Dashboard: cannot load %s: %v", w.Name, err)
		return
	}
	c.logger.Printf("Dashboard: loaded %s", w.Name)
	c.model.SetMode(ModeRide)
}

// ToggleRide starts, pauses or resumes depending on the current phase.
func (c *Controller) ToggleRide() {
	st := c.engine.Snapshot()
	var err error
	switch st.Phase {
	case statemachine.Ready:
		err = c.engine.Start()
	case statemachine.Running:
		err = c.engine.Pause()
	case statemachine.Paused:
		err = c.engine.Resume()
	default:
		c.logger.Printf("Dashboard: nothing to start while %s", st.Phase)
		return
	}
	if err != nil {
		c.logger.Printf("Dashboard: %s: %v", st.Phase, err)
	}
}

func (c *Controller) StopRide() {
	c.report("stop", c.engine.Stop())
}

func (c *Controller) SkipForward() {
	c.report("skip forward", c.engine.SkipForward())
}

func (c *Controller) SkipBackward() {
	c.report("skip backward", c.engine.SkipBackward())
}

func (c *Controller) IncreasePower() {
	c.report("power offset", c.engine.AdjustPowerOffset(PowerStepWatts))
}

func (c *Controller) DecreasePower() {
	c.report("power offset", c.engine.AdjustPowerOffset(-PowerStepWatts))
}

// ForgetDevice clears the remembered device for role and searches for a new
// one.
func (c *Controller) ForgetDevice(role supervisor.Role) {
	if c.devices == nil {
		return
	}
	if err := c.devices.Forget(role); err != nil {
		c.logger.Printf("Dashboard: cannot forget %s: %v", role, err)
		return
	}
	c.logger.Printf("Dashboard: forgot %s", role)
	c.model.ForgetDevice(role)
	c.ReconnectDevice(role)
}

// ReconnectDevice asks the supervisor for role again, which also clears a
// previous give-up.
func (c *Controller) ReconnectDevice(role supervisor.Role) {
	if c.devices == nil {
		return
	}
	if err := c.devices.Acquire(role, ""); err != nil {
		c.logger.Printf("Dashboard: cannot acquire %s: %v", role, err)
	}
}

func (c *Controller) report(what string, err error) {
	if err != nil {
		c.logger.Printf("Dashboard: %s: %v", what, err)
	}
}
