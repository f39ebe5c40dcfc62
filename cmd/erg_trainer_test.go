package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/erg-engine/internal/config"
	"github.com/lowaak/smart-trainer/erg-engine/internal/dashboard"
	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/ride"
	"github.com/lowaak/smart-trainer/erg-engine/internal/store"
	"github.com/lowaak/smart-trainer/erg-engine/internal/supervisor"
	"github.com/lowaak/smart-trainer/erg-engine/internal/telemetry"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

const sweetSpotYAML = `id: sweet-spot
name: Sweet Spot
steps:
  - steady: {duration: 10m, pct: 55}
  - repeat:
      count: 2
      steps:
        - steady: {label: Work, duration: 12m, pct: 90}
        - steady: {label: Rest, duration: 4m, pct: 50}
  - ramp: {duration: 5m, start: 60, end: 40}
`

func writeWorkout(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadLibrarySelectsWorkoutFile(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkout(t, dir, "sweet-spot.yaml", sweetSpotYAML)

	cfg := config.Default()
	cfg.WorkoutDir = dir
	cfg.WorkoutFile = path

	lib, selected, err := loadLibrary(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sweet-spot", selected)

	w, err := lib.Get(selected)
	require.NoError(t, err)
	assert.Equal(t, 47*time.Minute, w.TotalDuration())
	assert.Equal(t, len(workout.Builtins(cfg.MaxHR))+1, lib.Len())
}

func TestLoadLibraryDefaultsToConfiguredID(t *testing.T) {
	cfg := config.Default()

	lib, selected, err := loadLibrary(cfg)
	require.NoError(t, err)
	assert.Equal(t, "30-min-endurance", selected)
	_, err = lib.Get(selected)
	assert.NoError(t, err)
}

func TestLoadLibraryRejectsBadFile(t *testing.T) {
	cfg := config.Default()
	cfg.WorkoutFile = writeWorkout(t, t.TempDir(), "bad.yaml", "name: Bad\nsteps:\n  - steady: {duration: 0s, pct: 50}\n")

	_, _, err := loadLibrary(cfg)
	assert.Error(t, err)
}

func TestPeakZone(t *testing.T) {
	lib := workout.NewBuiltinLibrary(185)
	w, err := lib.Get("30-min-endurance")
	require.NoError(t, err)
	assert.Equal(t, "endurance", peakZone(workout.Expand(w)))

	ramp := []workout.ExpandedStep{{Type: workout.StepRamp, StartPct: 50, EndPct: 110}}
	assert.Equal(t, "vo2max", peakZone(ramp))
	assert.Equal(t, "-", peakZone(nil))
}

func TestFormatMinutes(t *testing.T) {
	assert.Equal(t, "5:00", formatMinutes(5*time.Minute))
	assert.Equal(t, "1:01:05", formatMinutes(time.Hour+65*time.Second))
}

func TestAddressFor(t *testing.T) {
	cfg := config.Default()
	cfg.Trainer = "AA:00:00:00:00:02"
	cfg.HR = "AA:00:00:00:00:01"
	assert.Equal(t, cfg.Trainer, addressFor(cfg, supervisor.RoleTrainer))
	assert.Equal(t, cfg.HR, addressFor(cfg, supervisor.RoleHeartRate))
}

func testRide() ride.Record {
	started := time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)
	samples := make([]telemetry.Sample, 60)
	for i := range samples {
		samples[i] = telemetry.Sample{Elapsed: i + 1, Power: 200, HeartRate: 140, HasHeartRate: true, Cadence: 90, HasCadence: true}
	}
	return ride.Record{
		ID:              "0f8fad5b-d9cb-469f-a165-70867728950e",
		WorkoutID:       "30-min-endurance",
		WorkoutName:     "30 Min Endurance",
		StartedAt:       started,
		EndedAt:         started.Add(time.Minute),
		FTP:             250,
		Status:          ride.StatusStopped,
		DurationSec:     60,
		AvgPower:        200,
		MaxPower:        200,
		AvgHeartRate:    140,
		MaxHeartRate:    140,
		AvgCadence:      90,
		NormalizedPower: 200,
		IntensityFactor: 0.8,
		TSS:             1.1,
		Samples:         samples,
	}
}

func TestRideSaverStoresAndExports(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ExportFIT = true
	logger := log.New(&bytes.Buffer{}, "", 0)

	db, err := store.OpenMigrated(logger, cfg.DatabasePath())
	require.NoError(t, err)
	defer db.Close()

	saver := newRideSaver(logger, db, cfg)
	r := testRide()
	saver.save(r)
	saver.Wait()

	got, err := db.GetRide(r.ID, true)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusStopped, got.Status)
	assert.Len(t, got.Samples, 60)

	_, err = os.Stat(filepath.Join(cfg.FITDir(), "2026-03-14-073000-0f8fad5b.fit"))
	assert.NoError(t, err)
}

func TestRideSaverWithoutExport(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	logger := log.New(&bytes.Buffer{}, "", 0)

	db, err := store.OpenMigrated(logger, cfg.DatabasePath())
	require.NoError(t, err)
	defer db.Close()

	saver := newRideSaver(logger, db, cfg)
	saver.save(testRide())
	saver.Wait()

	_, err = os.Stat(cfg.FITDir())
	assert.True(t, os.IsNotExist(err))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0f8fad5b", shortID("0f8fad5b-d9cb"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestDeviceLinkForwardsRadioPower(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	eng := engine.New(logger, engine.Options{})
	defer eng.Shutdown()
	link := newDeviceLink(logger, eng, dashboard.NewModel())
	defer link.Shutdown()

	link.onEvent(supervisor.Event{Kind: supervisor.EventRadioOff})
	require.Eventually(t, func() bool {
		st, err := eng.State()
		return err == nil && !st.RadioAvailable
	}, time.Second, 5*time.Millisecond)

	link.onEvent(supervisor.Event{Kind: supervisor.EventRadioOn})
	require.Eventually(t, func() bool {
		st, err := eng.State()
		return err == nil && st.RadioAvailable
	}, time.Second, 5*time.Millisecond)
}
