package dashboard

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/logging"
	"github.com/lowaak/smart-trainer/erg-engine/internal/statemachine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/supervisor"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

type fakeView struct {
	mu        sync.Mutex
	mode      Mode
	state     engine.State
	devices   []DeviceStatus
	workouts  []workout.Workout
	logLines  []string
	logHeight int
	draws     int
	stopped   chan struct{}
	stopOnce  sync.Once
}

func newFakeView(logHeight int) *fakeView {
	return &fakeView{logHeight: logHeight, stopped: make(chan struct{})}
}

func (v *fakeView) Initialize(ctl *Controller)            {}
func (v *fakeView) SetupKeyboardHandlers(ctl *Controller) {}

func (v *fakeView) Run() error {
	<-v.stopped
	return nil
}

func (v *fakeView) Stop() {
	v.stopOnce.Do(func() { close(v.stopped) })
}

func (v *fakeView) Draw() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.draws++
	return nil
}

func (v *fakeView) SetMode(mode Mode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mode = mode
}

func (v *fakeView) CurrentMode() Mode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mode
}

func (v *fakeView) GetLogViewHeight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.logHeight
}

func (v *fakeView) ClearLogView() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logLines = nil
}

func (v *fakeView) WriteLogLine(line string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.logLines = append(v.logLines, strings.TrimSuffix(line, "\n"))
	return nil
}

func (v *fakeView) UpdateState(st engine.State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = st
}

func (v *fakeView) SetDevices(devices []DeviceStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.devices = devices
}

func (v *fakeView) SetWorkoutList(workouts []workout.Workout) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.workouts = workouts
}

type viewSnapshot struct {
	mode     Mode
	state    engine.State
	devices  []DeviceStatus
	workouts []workout.Workout
	logLines []string
}

func (v *fakeView) snapshot() viewSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return viewSnapshot{
		mode:     v.mode,
		state:    v.state,
		devices:  append([]DeviceStatus(nil), v.devices...),
		workouts: v.workouts,
		logLines: append([]string(nil), v.logLines...),
	}
}

type dashboardHarness struct {
	view   *fakeView
	model  *Model
	engine *fakeEngine
	tail   *logging.Tail
	dash   *Dashboard
}

func newDashboardHarness(t *testing.T) *dashboardHarness {
	t.Helper()
	h := &dashboardHarness{
		view:   newFakeView(3),
		model:  NewModel(),
		engine: newFakeEngine(statemachine.Idle),
		tail:   logging.NewTail(50),
	}
	logger := log.New(&bytes.Buffer{}, "", 0)
	ctl := NewController(h.model, h.engine, &fakeDevices{}, testWorkouts(), logger)
	h.dash = New(Args{
		View:       h.view,
		Model:      h.model,
		Controller: ctl,
		Engine:     h.engine,
		Tail:       h.tail,
		Logger:     logger,
	})
	t.Cleanup(h.dash.Shutdown)
	return h
}

func TestDashboardInitialisesView(t *testing.T) {
	h := newDashboardHarness(t)

	snap := h.view.snapshot()
	assert.Equal(t, ModeRide, snap.mode)
	assert.Len(t, snap.workouts, 2)
	assert.Len(t, snap.devices, len(supervisor.Roles))
	assert.Equal(t, statemachine.Idle, snap.state.Phase)
}

func TestDashboardFollowsEngineState(t *testing.T) {
	h := newDashboardHarness(t)

	h.engine.states.Notify(engine.State{Phase: statemachine.Running, WorkoutName: "Easy"})

	require.Eventually(t, func() bool {
		return h.view.snapshot().state.Phase == statemachine.Running
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Easy", h.view.snapshot().state.WorkoutName)
}

func TestDashboardFollowsModel(t *testing.T) {
	h := newDashboardHarness(t)

	h.model.SetMode(ModeDevices)
	h.model.ApplySupervisorEvent(supervisor.Event{Kind: supervisor.EventGaveUp, Role: supervisor.RoleHeartRate})

	require.Eventually(t, func() bool {
		snap := h.view.snapshot()
		return snap.mode == ModeDevices && len(snap.devices) == 2 && snap.devices[1].State == LinkGaveUp
	}, time.Second, 10*time.Millisecond)
}

func TestDashboardShowsNewestLogLines(t *testing.T) {
	h := newDashboardHarness(t)

	for _, line := range []string{"one", "two", "three", "four", "five"} {
		_, err := h.tail.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		lines := h.view.snapshot().logLines
		return assert.ObjectsAreEqual([]string{"three", "four", "five"}, lines)
	}, time.Second, 10*time.Millisecond)
}

func TestDashboardCloseStopsRun(t *testing.T) {
	h := newDashboardHarness(t)

	done := make(chan error, 1)
	go func() { done <- h.dash.Run() }()

	h.model.RequestClose()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after close")
	}
}

func TestNewDashboardPanicsWithoutView(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	model := NewModel()
	eng := newFakeEngine(statemachine.Idle)
	require.Panics(t, func() {
		New(Args{
			Model:      model,
			Controller: NewController(model, eng, nil, nil, logger),
			Engine:     eng,
			Logger:     logger,
		})
	})
}
