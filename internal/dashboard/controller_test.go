package dashboard

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/events"
	"github.com/lowaak/smart-trainer/erg-engine/internal/statemachine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/supervisor"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

type fakeEngine struct {
	mu      sync.Mutex
	state   engine.State
	calls   []string
	offsets []int
	loaded  []string
	err     error
	states  *events.ChannelEvent[engine.State]
}

func newFakeEngine(phase statemachine.State) *fakeEngine {
	return &fakeEngine{
		state:  engine.State{Phase: phase},
		states: events.NewChannelEvent[engine.State](true),
	}
}

func (e *fakeEngine) ListenToState(ch chan<- engine.State) func() {
	return e.states.Listen(ch)
}

func (e *fakeEngine) Snapshot() engine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *fakeEngine) record(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, name)
	return e.err
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) LoadWorkout(w workout.Workout, ftpOverride int) error {
	e.mu.Lock()
	e.loaded = append(e.loaded, w.ID)
	e.mu.Unlock()
	return e.record("load")
}

func (e *fakeEngine) Start() error        { return e.record("start") }
func (e *fakeEngine) Pause() error        { return e.record("pause") }
func (e *fakeEngine) Resume() error       { return e.record("resume") }
func (e *fakeEngine) Stop() error         { return e.record("stop") }
func (e *fakeEngine) SkipForward() error  { return e.record("skipForward") }
func (e *fakeEngine) SkipBackward() error { return e.record("skipBackward") }

func (e *fakeEngine) AdjustPowerOffset(delta int) error {
	e.mu.Lock()
	e.offsets = append(e.offsets, delta)
	e.mu.Unlock()
	return e.record("offset")
}

type fakeDevices struct {
	mu        sync.Mutex
	acquired  []supervisor.Role
	forgotten []supervisor.Role
	forgetErr error
}

func (d *fakeDevices) Acquire(role supervisor.Role, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquired = append(d.acquired, role)
	return nil
}

func (d *fakeDevices) Forget(role supervisor.Role) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.forgetErr != nil {
		return d.forgetErr
	}
	d.forgotten = append(d.forgotten, role)
	return nil
}

func testWorkouts() []workout.Workout {
	return []workout.Workout{
		{ID: "easy", Name: "Easy", Steps: []workout.Step{workout.Steady{Duration: 10 * time.Minute, Pct: 55}}},
		{ID: "hard", Name: "Hard", Steps: []workout.Step{workout.Steady{Duration: 5 * time.Minute, Pct: 105}}},
	}
}

func TestControllerToggleRide(t *testing.T) {
	tests := []struct {
		phase statemachine.State
		want  []string
	}{
		{statemachine.Ready, []string{"start"}},
		{statemachine.Running, []string{"pause"}},
		{statemachine.Paused, []string{"resume"}},
		{statemachine.Idle, nil},
		{statemachine.Finished, nil},
	}
	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			eng := newFakeEngine(tt.phase)
			ctl := NewController(NewModel(), eng, nil, nil, log.New(&bytes.Buffer{}, "", 0))
			ctl.ToggleRide()
			assert.Equal(t, tt.want, eng.Calls())
		})
	}
}

func TestControllerRideCommands(t *testing.T) {
	eng := newFakeEngine(statemachine.Running)
	ctl := NewController(NewModel(), eng, nil, nil, log.New(&bytes.Buffer{}, "", 0))

	ctl.IncreasePower()
	ctl.IncreasePower()
	ctl.DecreasePower()
	ctl.SkipForward()
	ctl.SkipBackward()
	ctl.StopRide()

	assert.Equal(t, []string{"offset", "offset", "offset", "skipForward", "skipBackward", "stop"}, eng.Calls())
	assert.Equal(t, []int{PowerStepWatts, PowerStepWatts, -PowerStepWatts}, eng.offsets)
}

func TestControllerLogsEngineErrors(t *testing.T) {
	var buf bytes.Buffer
	eng := newFakeEngine(statemachine.Ready)
	eng.err = engine.ErrNoWorkout
	ctl := NewController(NewModel(), eng, nil, nil, log.New(&buf, "", 0))

	ctl.ToggleRide()

	assert.Contains(t, buf.String(), "no workout loaded")
}

func TestControllerWorkoutSelection(t *testing.T) {
	model := NewModel()
	model.SetMode(ModeWorkouts)
	eng := newFakeEngine(statemachine.Idle)
	ctl := NewController(model, eng, nil, testWorkouts(), log.New(&bytes.Buffer{}, "", 0))

	ctl.OnWorkoutSelected(5)
	assert.Empty(t, eng.Calls())
	assert.Equal(t, ModeWorkouts, model.Mode())

	ctl.OnWorkoutSelected(1)
	assert.Equal(t, []string{"hard"}, eng.loaded)
	assert.Equal(t, ModeRide, model.Mode())
}

func TestControllerWorkoutLoadFailureKeepsMode(t *testing.T) {
	model := NewModel()
	model.SetMode(ModeWorkouts)
	eng := newFakeEngine(statemachine.Running)
	eng.err = engine.ErrSessionBusy
	ctl := NewController(model, eng, nil, testWorkouts(), log.New(&bytes.Buffer{}, "", 0))

	ctl.OnWorkoutSelected(0)

	assert.Equal(t, ModeWorkouts, model.Mode())
}

func TestControllerForgetDevice(t *testing.T) {
	model := NewModel()
	model.ApplySupervisorEvent(supervisor.Event{Kind: supervisor.EventConnected, Role: supervisor.RoleTrainer, Address: "AA:00:00:00:00:02"})
	devices := &fakeDevices{}
	ctl := NewController(model, newFakeEngine(statemachine.Ready), devices, nil, log.New(&bytes.Buffer{}, "", 0))

	ctl.ForgetDevice(supervisor.RoleTrainer)

	assert.Equal(t, []supervisor.Role{supervisor.RoleTrainer}, devices.forgotten)
	assert.Equal(t, []supervisor.Role{supervisor.RoleTrainer}, devices.acquired)
	assert.Equal(t, LinkSearching, model.Devices()[0].State)
	assert.Empty(t, model.Devices()[0].Address)
}

func TestControllerForgetFailureKeepsDevice(t *testing.T) {
	model := NewModel()
	model.ApplySupervisorEvent(supervisor.Event{Kind: supervisor.EventConnected, Role: supervisor.RoleTrainer, Address: "AA:00:00:00:00:02"})
	devices := &fakeDevices{forgetErr: errors.New("store closed")}
	ctl := NewController(model, newFakeEngine(statemachine.Ready), devices, nil, log.New(&bytes.Buffer{}, "", 0))

	ctl.ForgetDevice(supervisor.RoleTrainer)

	assert.Empty(t, devices.acquired)
	assert.Equal(t, LinkConnected, model.Devices()[0].State)
}

func TestControllerEscapeRequestsClose(t *testing.T) {
	model := NewModel()
	ch := make(chan struct{}, 1)
	defer model.ListenToClose(ch)()
	ctl := NewController(model, newFakeEngine(statemachine.Idle), nil, nil, log.New(&bytes.Buffer{}, "", 0))

	ctl.OnEscapeKey()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("close not requested")
	}
}

func TestNewControllerPanicsWithoutLogger(t *testing.T) {
	require.Panics(t, func() {
		NewController(NewModel(), newFakeEngine(statemachine.Idle), nil, nil, nil)
	})
}
