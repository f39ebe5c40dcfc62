package workout

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nestedWorkout() Workout {
	return Workout{
		ID:   "nested",
		Name: "Nested",
		Steps: []Step{
			Steady{Duration: 5 * time.Minute, Pct: 50},
			RepeatBlock{Count: 2, Steps: []Step{
				Steady{Duration: time.Minute, Pct: 100},
				RepeatBlock{Count: 3, Steps: []Step{
					Ramp{Duration: 30 * time.Second, StartPct: 80, EndPct: 120},
				}},
				HRTarget{Duration: 2 * time.Minute, LowBpm: 130, HighBpm: 140, FallbackPct: 60},
			}},
			Steady{Duration: 3 * time.Minute, Pct: 40},
		},
	}
}

func TestTotalDurationMultipliesRepeats(t *testing.T) {
	w := nestedWorkout()
	// 5m + 2*(1m + 3*30s + 2m) + 3m
	assert.Equal(t, 5*time.Minute+2*(time.Minute+90*time.Second+2*time.Minute)+3*time.Minute, w.TotalDuration())
}

func TestExpandPreservesDuration(t *testing.T) {
	for _, w := range append(Builtins(185), nestedWorkout()) {
		steps := Expand(w)
		assert.Equal(t, w.TotalDuration(), TotalExpandedDuration(steps), w.Name)
	}
}

func TestExpandIndexesAreContiguous(t *testing.T) {
	for _, w := range append(Builtins(185), nestedWorkout()) {
		steps := Expand(w)
		require.NotEmpty(t, steps, w.Name)
		for i, s := range steps {
			assert.Equal(t, i, s.Index, w.Name)
		}
	}
}

func TestExpandIterationContext(t *testing.T) {
	steps := Expand(nestedWorkout())
	// warmup, 2 * (steady, 3 ramps, hr), cooldown
	require.Len(t, steps, 12)

	assert.Nil(t, steps[0].Iteration)
	assert.Nil(t, steps[11].Iteration)

	assert.Equal(t, StepSteady, steps[1].Type)
	assert.Equal(t, &Iteration{Index: 0, Total: 2}, steps[1].Iteration)

	// ramps carry the innermost block's context
	for i, idx := range []int{2, 3, 4} {
		assert.Equal(t, StepRamp, steps[idx].Type)
		assert.Equal(t, &Iteration{Index: i, Total: 3}, steps[idx].Iteration)
	}

	assert.Equal(t, StepHR, steps[5].Type)
	assert.Equal(t, &Iteration{Index: 0, Total: 2}, steps[5].Iteration)
	assert.Equal(t, 130, steps[5].LowBpm)
	assert.Equal(t, 60, steps[5].FallbackPct)

	assert.Equal(t, &Iteration{Index: 1, Total: 2}, steps[6].Iteration)
	assert.Equal(t, &Iteration{Index: 2, Total: 3}, steps[9].Iteration)
}

func TestExpandIsDeterministic(t *testing.T) {
	w := nestedWorkout()
	a := Expand(w)
	b := Expand(w)
	assert.Equal(t, a, b)

	// iteration values are not shared between steps
	a[1].Iteration.Index = 99
	assert.Equal(t, 0, b[1].Iteration.Index)
	assert.Equal(t, 0, a[5].Iteration.Index)
}

func TestWatts(t *testing.T) {
	assert.Equal(t, 200, Watts(200, 100))
	assert.Equal(t, 166, Watts(333, 50), "rounds down")
	assert.Equal(t, 0, Watts(0, 50))
	assert.Equal(t, 0, Watts(250, 0))
}

func TestRampBoundaries(t *testing.T) {
	d := 10 * time.Minute
	assert.Equal(t, 40, RampPct(40, 80, 0, d))
	assert.Equal(t, 80, RampPct(40, 80, d, d))
	assert.Equal(t, 40, RampPct(40, 80, -time.Second, d))
	assert.Equal(t, 80, RampPct(40, 80, 2*d, d))
	assert.Equal(t, 60, RampPct(40, 80, d/2, d))

	// descending ramps and zero-length ramps
	assert.Equal(t, 40, RampPct(45, 35, d/2, d))
	assert.Equal(t, 35, RampPct(45, 35, 0, 0))
}

func TestRampTruncates(t *testing.T) {
	// 50 + (1/3)*(10) = 53.33 -> 53, and 50 + (2/3)*10 = 56.67 -> 56
	assert.Equal(t, 53, RampPct(50, 60, time.Minute, 3*time.Minute))
	assert.Equal(t, 56, RampPct(50, 60, 2*time.Minute, 3*time.Minute))
}

func TestTargetPctPerType(t *testing.T) {
	steady := ExpandedStep{Type: StepSteady, Pct: 75, Duration: time.Minute}
	ramp := ExpandedStep{Type: StepRamp, StartPct: 50, EndPct: 100, Duration: 100 * time.Second}
	hr := ExpandedStep{Type: StepHR, FallbackPct: 62, Duration: time.Minute}

	assert.Equal(t, 75, steady.TargetPct(30*time.Second))
	assert.Equal(t, 75, ramp.TargetPct(50*time.Second))
	assert.Equal(t, 62, hr.TargetPct(30*time.Second))
}

func TestClassifyZone(t *testing.T) {
	cases := map[int]Zone{
		0:   ZoneRecovery,
		55:  ZoneRecovery,
		56:  ZoneEndurance,
		75:  ZoneEndurance,
		76:  ZoneTempo,
		90:  ZoneTempo,
		91:  ZoneThreshold,
		105: ZoneThreshold,
		106: ZoneVO2Max,
		120: ZoneVO2Max,
		121: ZoneAnaerobic,
		200: ZoneAnaerobic,
	}
	for pct, want := range cases {
		assert.Equal(t, want, ClassifyZone(pct), "pct %d", pct)
	}
	assert.Equal(t, "tempo", ClassifyZone(90).String())
	assert.Equal(t, "threshold", ClassifyZone(91).String())
}

func TestValidate(t *testing.T) {
	require.NoError(t, nestedWorkout().Validate())

	bad := []Workout{
		{Name: ""},
		{Name: "empty"},
		{Name: "zero", Steps: []Step{Steady{Pct: 50}}},
		{Name: "negative", Steps: []Step{Ramp{Duration: time.Minute, StartPct: -1, EndPct: 50}}},
		{Name: "band", Steps: []Step{HRTarget{Duration: time.Minute, LowBpm: 150, HighBpm: 140}}},
		{Name: "count", Steps: []Step{RepeatBlock{Count: 0, Steps: []Step{Steady{Duration: time.Minute}}}}},
		{Name: "deep", Steps: []Step{RepeatBlock{Count: 2, Steps: []Step{
			RepeatBlock{Count: 2, Steps: []Step{Steady{}}},
		}}}},
	}
	for _, w := range bad {
		assert.ErrorIs(t, w.Validate(), ErrInvalidWorkout, w.Name)
	}

	err := bad[len(bad)-1].Validate()
	assert.Contains(t, err.Error(), "steps[0].steps[0].steps[0]")
}

func TestValidateRejectsOversizedExpansion(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
	}{
		{"nested counts", []Step{RepeatBlock{Count: 100_000, Steps: []Step{
			RepeatBlock{Count: 100_000, Steps: []Step{Steady{Duration: time.Second, Pct: 50}}},
		}}}},
		{"huge count", []Step{RepeatBlock{Count: 1 << 40, Steps: []Step{Steady{Duration: time.Hour, Pct: 50}}}}},
		{"too long", []Step{Steady{Duration: 25 * time.Hour, Pct: 50}}},
		{"too many steps", []Step{RepeatBlock{Count: MaxExpandedSteps + 1, Steps: []Step{Steady{Duration: time.Millisecond, Pct: 50}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Workout{Name: tt.name, Steps: tt.steps}
			assert.ErrorIs(t, w.Validate(), ErrInvalidWorkout)
		})
	}

	atLimit := Workout{Name: "limit", Steps: []Step{
		RepeatBlock{Count: 1000, Steps: []Step{
			RepeatBlock{Count: 100, Steps: []Step{Steady{Duration: 100 * time.Millisecond, Pct: 50}}},
		}},
	}}
	require.NoError(t, atLimit.Validate())
	assert.Len(t, Expand(atLimit), MaxExpandedSteps)
}

func TestParseRejectsOversizedRepeats(t *testing.T) {
	doc := `
name: Forever
steps:
  - repeat:
      count: 100000
      steps:
        - repeat:
            count: 100000
            steps:
              - steady: {duration: 1s, pct: 50}
`
	_, err := Parse([]byte(doc))
	assert.ErrorIs(t, err, ErrInvalidWorkout)
}

const sampleYAML = `
name: Sweet Spot 2x10
description: Two blocks at sweet spot
steps:
  - steady: {duration: 10m, pct: 55, label: Warmup}
  - repeat:
      count: 2
      steps:
        - steady: {duration: 10m, pct: 90}
        - steady: {duration: 5m, pct: 55}
  - ramp: {duration: 5m, start: 60, end: 40}
  - hr: {duration: 20m, low: 130, high: 140, fallback: 65}
`

func TestParseYAML(t *testing.T) {
	w, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "sweet-spot-2x10", w.ID)
	assert.Equal(t, "Sweet Spot 2x10", w.Name)
	require.Len(t, w.Steps, 4)
	assert.Equal(t, Steady{Label: "Warmup", Duration: 10 * time.Minute, Pct: 55}, w.Steps[0])
	assert.Equal(t, Ramp{Duration: 5 * time.Minute, StartPct: 60, EndPct: 40}, w.Steps[2])
	assert.Equal(t, HRTarget{Duration: 20 * time.Minute, LowBpm: 130, HighBpm: 140, FallbackPct: 65}, w.Steps[3])
	assert.Equal(t, 65*time.Minute, w.TotalDuration())
}

func TestParseJSON(t *testing.T) {
	doc := `{"id": "short", "name": "Short", "steps": [{"steady": {"duration": "90s", "pct": 70}}]}`
	w, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "short", w.ID)
	assert.Equal(t, 90*time.Second, w.TotalDuration())
}

func TestParseRejectsAmbiguousStep(t *testing.T) {
	doc := `
name: Broken
steps:
  - steady: {duration: 1m, pct: 50}
    ramp: {duration: 1m, start: 50, end: 60}
`
	_, err := Parse([]byte(doc))
	assert.ErrorIs(t, err, ErrInvalidWorkout)

	_, err = Parse([]byte("name: X\nsteps:\n  - steady: {duration: 1m, pct: 50, watts: 3}\n"))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestLibrary(t *testing.T) {
	lib := NewBuiltinLibrary(185)
	require.Equal(t, len(Builtins(185)), lib.Len())

	list := lib.List()
	assert.Equal(t, "30-min-endurance", list[0].ID, "insertion order")

	w, err := lib.Get("over-unders")
	require.NoError(t, err)
	assert.Equal(t, "Over-Unders 3x3", w.Name)

	_, err = lib.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = lib.Add(w)
	assert.ErrorIs(t, err, ErrDuplicateID)

	hr, err := NewBuiltinLibrary(200).Get("hr-zone-2-60m")
	require.NoError(t, err)
	band := hr.Steps[0].(HRTarget)
	assert.Equal(t, 128, band.LowBpm)
	assert.Equal(t, 140, band.HighBpm)
}

func TestLibraryAddDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(sampleYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	lib := NewLibrary()
	require.NoError(t, lib.AddDir(dir))
	assert.Equal(t, 1, lib.Len())

	_, err := lib.Get("sweet-spot-2x10")
	assert.NoError(t, err)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "intervals-30m-hr-zone-2-60m", Slug("Intervals - 30m, HR Zone 2 - 60m"))
	assert.Equal(t, "vo2max-4x4", Slug("  VO2max 4x4!"))
}
