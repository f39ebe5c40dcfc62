package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/statemachine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{5 * time.Minute, "5 min"},
		{90 * time.Minute, "1h 30m"},
		{2 * time.Hour, "2h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in), tt.in.String())
	}
}

func TestFormatMMSS(t *testing.T) {
	assert.Equal(t, "00:00", formatMMSS(-time.Second))
	assert.Equal(t, "04:05", formatMMSS(4*time.Minute+5*time.Second))
	assert.Equal(t, "1:02:03", formatMMSS(time.Hour+2*time.Minute+3*time.Second))
}

func TestDescribeStep(t *testing.T) {
	tests := []struct {
		name string
		step workout.ExpandedStep
		want string
	}{
		{
			name: "steady in repeat",
			step: workout.ExpandedStep{Type: workout.StepSteady, Label: "Work", Duration: 5 * time.Minute, Pct: 105, Iteration: &workout.Iteration{Index: 0, Total: 3}},
			want: "Work: 105% FTP for 5 min (1/3)",
		},
		{
			name: "ramp",
			step: workout.ExpandedStep{Type: workout.StepRamp, Duration: 10 * time.Minute, StartPct: 50, EndPct: 75},
			want: "50% → 75% FTP for 10 min",
		},
		{
			name: "heart rate",
			step: workout.ExpandedStep{Type: workout.StepHR, Label: "Z2", Duration: 30 * time.Second, LowBpm: 130, HighBpm: 140},
			want: "Z2: 130-140 bpm for 30s",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeStep(tt.step))
		})
	}
}

func TestRideText(t *testing.T) {
	assert.Contains(t, rideText(engine.State{Phase: statemachine.Idle}), "No workout loaded")

	step := workout.ExpandedStep{Index: 1, Type: workout.StepSteady, Label: "Work", Duration: 5 * time.Minute, Pct: 105}
	st := engine.State{
		Phase:       statemachine.Paused,
		WorkoutName: "5x5 Threshold",
		FTP:         250,
		Step:        &step,
		StepCount:   12,
		TargetWatts: 263,
		TargetPct:   105,
		Zone:        "Threshold",
		PowerOffset: -10,
	}
	text := rideText(st)
	assert.Contains(t, text, "5x5 Threshold")
	assert.Contains(t, text, "(PAUSED)")
	assert.Contains(t, text, "Step 2/12")
	assert.Contains(t, text, "263")
	assert.Contains(t, text, "105% FTP, Threshold")
	assert.Contains(t, text, "-10 W")

	st.Phase = statemachine.Finished
	assert.Contains(t, rideText(st), "Workout complete!")
}

func TestControlsTextFollowsPhase(t *testing.T) {
	assert.Contains(t, controlsText(engine.State{Phase: statemachine.Ready}), "Space[white] Start")
	assert.Contains(t, controlsText(engine.State{Phase: statemachine.Running}), "Space[white] Pause")
	assert.Contains(t, controlsText(engine.State{Phase: statemachine.Ready, ReadOnly: true}), "read-only")
	assert.Contains(t, controlsText(engine.State{Phase: statemachine.Error, Reason: "trainer lost"}), "(trainer lost)")
	assert.Contains(t, controlsText(engine.State{Phase: statemachine.Ready}), "radio is off")
	assert.NotContains(t, controlsText(engine.State{Phase: statemachine.Ready, RadioAvailable: true}), "radio is off")
}

func TestMetricsTextMissingValues(t *testing.T) {
	text := metricsText(engine.State{HasPower: true, Power: 212})
	assert.Contains(t, text, "212")
	assert.Contains(t, text, "Heart Rate: [gray]--")
	assert.NotContains(t, text, "Cadence")
}

func TestDeviceText(t *testing.T) {
	text := deviceText(DeviceStatus{Name: "KICKR", Address: "AA:00:00:00:00:02", State: LinkReconnecting, Detail: "attempt 2 in 2s"})
	assert.Contains(t, text, "[yellow]●[white] reconnecting")
	assert.Contains(t, text, "KICKR")
	assert.Contains(t, text, "attempt 2 in 2s")

	assert.NotContains(t, deviceText(DeviceStatus{State: LinkSearching}), "Address")
}
