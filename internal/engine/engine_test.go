package engine

import (
	"bytes"
	"context"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/erg-engine/internal/bt"
	"github.com/lowaak/smart-trainer/erg-engine/internal/bt/btsim"
	"github.com/lowaak/smart-trainer/erg-engine/internal/protocol"
	"github.com/lowaak/smart-trainer/erg-engine/internal/ride"
	"github.com/lowaak/smart-trainer/erg-engine/internal/statemachine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/trainer"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

const (
	hrAddr   = "00:11:22:33:44:01"
	ftmsAddr = "00:11:22:33:44:02"
	fecAddr  = "00:11:22:33:44:03"
)

var rideStart = time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

func testLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

type manualTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() { t.stopped.Store(true) }

// tickerSet hands out manual tickers and remembers them.
type tickerSet struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (s *tickerSet) New(time.Duration) trainer.Ticker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTicker{c: make(chan time.Time)}
	s.tickers = append(s.tickers, t)
	return t
}

func (s *tickerSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickers)
}

func (s *tickerSet) last() *manualTicker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tickers) == 0 {
		return nil
	}
	return s.tickers[len(s.tickers)-1]
}

type fakeReleaser struct {
	calls   chan struct{}
	cancels atomic.Int32
}

func (r *fakeReleaser) CancelReconnects() {
	r.cancels.Add(1)
}

func (r *fakeReleaser) ReleaseAll() {
	r.calls <- struct{}{}
}

type harness struct {
	t         *testing.T
	mgr       *btsim.Manager
	engine    *Engine
	rideTicks *tickerSet
	keepTicks *tickerSet
	releaser  *fakeReleaser
	rides     chan ride.Record
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()
	mgr := btsim.NewManager(logger, btsim.DefaultDevices(logger, 0)...)
	mgr.SetPowered(true)

	h := &harness{
		t:         t,
		mgr:       mgr,
		rideTicks: &tickerSet{},
		keepTicks: &tickerSet{},
		releaser:  &fakeReleaser{calls: make(chan struct{}, 4)},
		rides:     make(chan ride.Record, 4),
	}
	h.engine = New(logger, Options{
		FTP:       200,
		Releaser:  h.releaser,
		NewTicker: h.rideTicks.New,
		Session:   trainer.Options{NewTicker: h.keepTicks.New},
		Now:       func() time.Time { return rideStart },
	})
	h.engine.ListenToRides(func(r ride.Record) { h.rides <- r })
	t.Cleanup(mgr.Shutdown)
	t.Cleanup(h.engine.Shutdown)
	return h
}

func (h *harness) connect(address string) bt.BTDevice {
	h.t.Helper()
	device, err := h.mgr.ConnectAddress(context.Background(), address)
	require.NoError(h.t, err)
	return device
}

func (h *harness) attachTrainer(address string) {
	h.t.Helper()
	require.NoError(h.t, h.engine.AttachTrainer(h.connect(address)))
}

func (h *harness) state() State {
	h.t.Helper()
	st, err := h.engine.State()
	require.NoError(h.t, err)
	return st
}

func (h *harness) waitPhase(phase statemachine.State) State {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		st, err := h.engine.State()
		return err == nil && st.Phase == phase
	}, 2*time.Second, 5*time.Millisecond, "engine never reached %s", phase)
	return h.state()
}

func (h *harness) waitSimTarget(address string, watts int) {
	h.t.Helper()
	d := h.mgr.Device(address)
	require.Eventually(h.t, func() bool {
		return d.State().TargetPower == watts
	}, 2*time.Second, 5*time.Millisecond, "trainer never got %d W", watts)
}

// tick fires the ride ticker once; the engine has handled it once the next
// command returns.
func (h *harness) tick() {
	h.t.Helper()
	tk := h.rideTicks.last()
	require.NotNil(h.t, tk)
	require.False(h.t, tk.stopped.Load(), "ride ticker is stopped")
	select {
	case tk.c <- rideStart:
	case <-time.After(time.Second):
		h.t.Fatal("engine did not take the tick")
	}
}

// pumpRadio advances the simulator by one second and waits until the engine
// has taken every notification it produced.
func (h *harness) pumpRadio() {
	h.t.Helper()
	for i := 0; i < 4; i++ {
		h.mgr.Tick(btsim.TickInterval)
	}
	require.Eventually(h.t, func() bool {
		return len(h.engine.inbox) == 0
	}, time.Second, time.Millisecond)
}

func (h *harness) nextRide() ride.Record {
	h.t.Helper()
	select {
	case r := <-h.rides:
		return r
	case <-time.After(2 * time.Second):
		h.t.Fatal("no ride record")
		return ride.Record{}
	}
}

func shortWorkout() workout.Workout {
	return workout.Workout{ID: "short", Name: "Short", Steps: []workout.Step{
		workout.Steady{Label: "easy", Duration: 2 * time.Second, Pct: 50},
		workout.Steady{Label: "hard", Duration: time.Second, Pct: 100},
	}}
}

func (h *harness) startFTMS(w workout.Workout) {
	h.t.Helper()
	require.NoError(h.t, h.engine.LoadWorkout(w, 0))
	h.attachTrainer(ftmsAddr)
	h.waitPhase(statemachine.Ready)
	require.NoError(h.t, h.engine.Start())
}

func TestFTMSRideRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.LoadWorkout(shortWorkout(), 0))
	h.attachTrainer(ftmsAddr)

	st := h.waitPhase(statemachine.Ready)
	assert.True(t, st.CanStart())
	assert.Equal(t, "FTMS", st.TrainerProtocol)
	assert.Equal(t, "Sim FTMS Trainer", st.TrainerName)
	assert.Equal(t, 200, st.FTP)
	assert.Equal(t, 3*time.Second, st.Remaining)

	require.NoError(t, h.engine.Start())
	st = h.state()
	assert.Equal(t, statemachine.Running, st.Phase)
	assert.Equal(t, 100, st.TargetWatts)
	assert.Equal(t, "recovery", st.Zone)
	assert.NotEmpty(t, st.RideID)
	h.waitSimTarget(ftmsAddr, 100)

	h.tick()
	st = h.state()
	assert.Equal(t, time.Second, st.Elapsed)
	assert.Equal(t, 0, st.Step.Index)
	assert.Equal(t, 100, st.TargetWatts)

	h.tick()
	st = h.state()
	assert.Equal(t, 1, st.Step.Index)
	assert.Equal(t, 200, st.TargetWatts)
	assert.Equal(t, time.Second, st.Remaining)
	h.waitSimTarget(ftmsAddr, 200)

	rideTicker := h.rideTicks.last()
	h.tick()
	st = h.state()
	assert.Equal(t, statemachine.Finished, st.Phase)
	assert.Equal(t, 0, st.TargetWatts)
	assert.True(t, rideTicker.stopped.Load())
	h.waitSimTarget(ftmsAddr, 0)

	rec := h.nextRide()
	assert.Equal(t, ride.StatusCompleted, rec.Status)
	assert.Equal(t, "short", rec.WorkoutID)
	assert.Equal(t, 200, rec.FTP)
	assert.Equal(t, 3, rec.DurationSec)
	assert.Len(t, rec.Samples, 3)
	assert.Empty(t, st.RideID)
}

func TestStartGuards(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.engine.Start(), ErrNoWorkout)
	assert.ErrorIs(t, h.engine.LoadWorkout(workout.Workout{Name: "empty"}, 0), workout.ErrInvalidWorkout)

	require.NoError(t, h.engine.LoadWorkout(shortWorkout(), 0))
	assert.ErrorIs(t, h.engine.Start(), ErrInvalidState)
	assert.ErrorIs(t, h.engine.Pause(), ErrInvalidState)
	assert.ErrorIs(t, h.engine.Resume(), ErrInvalidState)
	assert.ErrorIs(t, h.engine.SkipForward(), ErrInvalidState)

	h.attachTrainer(ftmsAddr)
	h.waitPhase(statemachine.Ready)
	require.NoError(t, h.engine.Start())
	assert.ErrorIs(t, h.engine.LoadWorkout(shortWorkout(), 0), ErrSessionBusy)
	assert.ErrorIs(t, h.engine.Start(), ErrInvalidState)
}

func TestFTPOverride(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.LoadWorkout(shortWorkout(), 300))
	assert.Equal(t, 300, h.state().FTP)

	require.NoError(t, h.engine.LoadWorkout(shortWorkout(), 0))
	require.NoError(t, h.engine.SetFTP(250))
	assert.Equal(t, 250, h.state().FTP)
	assert.Error(t, h.engine.SetFTP(0))
}

func TestDisconnectPausesAndReconnectResumes(t *testing.T) {
	h := newHarness(t)
	h.startFTMS(shortWorkout())
	h.tick()

	firstTicker := h.rideTicks.last()
	h.mgr.Device(ftmsAddr).DropLink()
	require.NoError(t, h.engine.DetachDevice(ftmsAddr))

	st := h.state()
	assert.Equal(t, statemachine.Paused, st.Phase)
	assert.Empty(t, st.TrainerAddress)
	assert.True(t, firstTicker.stopped.Load())
	assert.ErrorIs(t, h.engine.Resume(), trainer.ErrNotReady)

	h.attachTrainer(ftmsAddr)
	st = h.waitPhase(statemachine.Running)
	assert.Equal(t, time.Second, st.Elapsed)
	assert.Equal(t, 2, h.rideTicks.count())
	h.waitSimTarget(ftmsAddr, 100)

	h.tick()
	assert.Equal(t, 1, h.state().Step.Index)
}

func TestManualPauseSurvivesReconnect(t *testing.T) {
	h := newHarness(t)
	h.startFTMS(shortWorkout())
	require.NoError(t, h.engine.Pause())
	h.waitSimTarget(ftmsAddr, 0)

	h.mgr.Device(ftmsAddr).DropLink()
	require.NoError(t, h.engine.DetachDevice(ftmsAddr))
	h.attachTrainer(ftmsAddr)

	require.Eventually(t, func() bool {
		return h.state().TrainerProtocol == "FTMS" && h.mgr.Device(ftmsAddr).State().Controlled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, statemachine.Paused, h.state().Phase)

	require.Eventually(t, func() bool {
		return h.engine.Resume() == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, statemachine.Running, h.state().Phase)
	h.waitSimTarget(ftmsAddr, 100)
}

func TestFECKeepaliveFollowsRide(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.LoadWorkout(shortWorkout(), 0))
	h.attachTrainer(fecAddr)
	assert.Equal(t, "FE-C", h.waitPhase(statemachine.Ready).TrainerProtocol)
	assert.Zero(t, h.keepTicks.count())

	require.NoError(t, h.engine.Start())
	h.waitSimTarget(fecAddr, 100)
	require.Equal(t, 1, h.keepTicks.count())
	keepalive := h.keepTicks.last()

	sim := h.mgr.Device(fecAddr)
	before := len(sim.Writes())
	select {
	case keepalive.c <- rideStart:
	case <-time.After(time.Second):
		t.Fatal("engine did not take the keepalive tick")
	}
	require.Eventually(t, func() bool { return len(sim.Writes()) > before }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Pause())
	assert.True(t, keepalive.stopped.Load())
	h.waitSimTarget(fecAddr, 0)

	require.NoError(t, h.engine.Resume())
	require.Equal(t, 2, h.keepTicks.count())
	assert.False(t, h.keepTicks.last().stopped.Load())
	h.waitSimTarget(fecAddr, 100)

	require.NoError(t, h.engine.DetachDevice(fecAddr))
	assert.True(t, h.keepTicks.last().stopped.Load())
	assert.Equal(t, statemachine.Paused, h.state().Phase)
}

func TestStopReleasesTrainer(t *testing.T) {
	h := newHarness(t)
	h.startFTMS(shortWorkout())
	h.waitSimTarget(ftmsAddr, 100)
	h.tick()
	rideTicker := h.rideTicks.last()

	require.NoError(t, h.engine.Stop())
	assert.Equal(t, int32(1), h.releaser.cancels.Load(), "reconnects are cancelled before Stop returns")
	st := h.state()
	assert.Equal(t, statemachine.Idle, st.Phase)
	assert.Empty(t, st.TrainerAddress)
	assert.Zero(t, st.Elapsed)
	assert.True(t, rideTicker.stopped.Load())

	sim := h.mgr.Device(ftmsAddr)
	require.Eventually(t, func() bool {
		s := sim.State()
		return s.TargetPower == 0 && !s.Controlled
	}, 2*time.Second, 5*time.Millisecond)

	rec := h.nextRide()
	assert.Equal(t, ride.StatusStopped, rec.Status)
	assert.Equal(t, 1, rec.DurationSec)

	select {
	case <-h.releaser.calls:
	case <-time.After(time.Second):
		t.Fatal("devices were not released")
	}
}

func TestFailRecordsRideAndStopLeavesError(t *testing.T) {
	h := newHarness(t)
	h.startFTMS(shortWorkout())
	h.tick()

	require.NoError(t, h.engine.Fail("trainer did not come back"))
	st := h.state()
	assert.Equal(t, statemachine.Error, st.Phase)
	assert.Equal(t, "trainer did not come back", st.Reason)
	assert.Empty(t, st.RideID)
	assert.Equal(t, ride.StatusFailed, h.nextRide().Status)

	require.NoError(t, h.engine.Stop())
	assert.Equal(t, statemachine.Idle, h.state().Phase)
}

func TestReadOnlyTrainerBlocksStart(t *testing.T) {
	h := newHarness(t)
	h.mgr.Device(ftmsAddr).SetDenyControl(true)
	require.NoError(t, h.engine.LoadWorkout(shortWorkout(), 0))
	h.attachTrainer(ftmsAddr)

	require.Eventually(t, func() bool {
		return h.state().ReadOnly
	}, 2*time.Second, 5*time.Millisecond)
	st := h.state()
	assert.Equal(t, statemachine.Ready, st.Phase)
	assert.False(t, st.CanStart())
	assert.NotEmpty(t, st.Diagnostic)
	assert.ErrorIs(t, h.engine.Start(), protocol.ErrReadOnly)
}

func TestRadioOffBlocksStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.LoadWorkout(shortWorkout(), 0))
	h.attachTrainer(ftmsAddr)
	st := h.waitPhase(statemachine.Ready)
	require.True(t, st.RadioAvailable)

	require.NoError(t, h.engine.SetRadioAvailable(false))
	st = h.state()
	assert.False(t, st.RadioAvailable)
	assert.False(t, st.CanStart())
	assert.ErrorIs(t, h.engine.Start(), ErrTransportUnavailable)
	assert.Equal(t, statemachine.Ready, h.state().Phase)

	require.NoError(t, h.engine.SetRadioAvailable(true))
	require.Eventually(t, func() bool { return h.state().CanStart() }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.engine.Start())
	assert.Equal(t, statemachine.Running, h.state().Phase)
}

func TestPowerOffsetAndSkipping(t *testing.T) {
	h := newHarness(t)
	h.startFTMS(shortWorkout())

	require.NoError(t, h.engine.AdjustPowerOffset(20))
	st := h.state()
	assert.Equal(t, 120, st.TargetWatts)
	assert.Equal(t, 20, st.PowerOffset)
	h.waitSimTarget(ftmsAddr, 120)

	require.NoError(t, h.engine.SkipForward())
	st = h.state()
	assert.Equal(t, 1, st.Step.Index)
	assert.Equal(t, 220, st.TargetWatts)

	require.NoError(t, h.engine.SkipBackward())
	assert.Equal(t, 0, h.state().Step.Index)
	require.NoError(t, h.engine.SkipBackward())
	assert.Equal(t, 0, h.state().Step.Index)

	require.NoError(t, h.engine.AdjustPowerOffset(-500))
	assert.Equal(t, 0, h.state().TargetWatts)

	require.NoError(t, h.engine.Pause())
	require.NoError(t, h.engine.SkipForward())
	assert.ErrorIs(t, h.engine.SkipForward(), ErrInvalidState)
	require.NoError(t, h.engine.Resume())
	require.NoError(t, h.engine.SkipForward())
	assert.Equal(t, statemachine.Finished, h.state().Phase)
	assert.Equal(t, ride.StatusCompleted, h.nextRide().Status)
}

func TestHeartRateStepFollowsStrap(t *testing.T) {
	h := newHarness(t)
	w := workout.Workout{ID: "hr", Name: "HR", Steps: []workout.Step{
		workout.HRTarget{Label: "z2", Duration: 2 * time.Minute, LowBpm: 120, HighBpm: 140, FallbackPct: 60},
	}}
	require.NoError(t, h.engine.LoadWorkout(w, 0))

	h.mgr.Device(hrAddr).SetHeartRate(180)
	require.NoError(t, h.engine.AttachHeartRate(h.connect(hrAddr)))
	h.attachTrainer(fecAddr)
	h.waitPhase(statemachine.Ready)
	require.NoError(t, h.engine.Start())
	assert.Equal(t, 120, h.state().TargetWatts)

	for i := 0; i < 10; i++ {
		h.pumpRadio()
		h.tick()
	}
	st := h.state()
	assert.Equal(t, 180, st.HeartRate)
	assert.Equal(t, 60, st.TargetPct, "output holds while the controller settles")

	for i := 0; i < 30; i++ {
		h.pumpRadio()
		h.tick()
	}
	st = h.state()
	assert.Equal(t, workout.StepHR, st.Step.Type)
	assert.Less(t, st.HRControlPct, 60.0)
	assert.Less(t, st.TargetPct, 60)
	assert.GreaterOrEqual(t, st.TargetPct, 30)
}

func TestStateListenersGetPublishedStates(t *testing.T) {
	h := newHarness(t)
	ch := make(chan State, 16)
	unlisten := h.engine.ListenToState(ch)
	defer unlisten()

	require.NoError(t, h.engine.LoadWorkout(shortWorkout(), 0))
	require.Eventually(t, func() bool {
		for {
			select {
			case st := <-ch:
				if st.WorkoutName == "Short" {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Short", h.engine.Snapshot().WorkoutName)
}

func TestShutdownRejectsCommands(t *testing.T) {
	h := newHarness(t)
	h.startFTMS(shortWorkout())
	h.engine.Shutdown()

	assert.Equal(t, ride.StatusStopped, h.nextRide().Status)
	assert.ErrorIs(t, h.engine.Start(), ErrEngineStopped)
	_, err := h.engine.State()
	assert.ErrorIs(t, err, ErrEngineStopped)
}
