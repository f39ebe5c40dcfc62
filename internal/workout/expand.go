package workout

import "time"

type StepType string

const (
	StepSteady StepType = "steady"
	StepRamp   StepType = "ramp"
	StepHR     StepType = "hr"
)

// Iteration places an expanded step inside its innermost repeat block.
// Index is zero-based.
type Iteration struct {
	Index int
	Total int
}

// ExpandedStep is one flat interval of an expanded workout.
type ExpandedStep struct {
	Index    int
	Type     StepType
	Label    string
	Duration time.Duration

	Pct      int // steady
	StartPct int // ramp
	EndPct   int // ramp

	LowBpm      int // hr
	HighBpm     int // hr
	FallbackPct int // hr

	Iteration *Iteration // nil outside repeat blocks
}

// Expand flattens w into intervals in execution order. Index starts at 0 and
// increases by one per interval.
func Expand(w Workout) []ExpandedStep {
	steps, _ := expandSteps(w.Steps, 0, nil)
	return steps
}

// expandSteps returns the intervals produced by steps and the next free index.
func expandSteps(steps []Step, next int, iter *Iteration) ([]ExpandedStep, int) {
	var out []ExpandedStep
	for _, s := range steps {
		switch s := s.(type) {
		case Steady:
			out = append(out, ExpandedStep{
				Index: next, Type: StepSteady, Label: s.Label, Duration: s.Duration,
				Pct: s.Pct, Iteration: copyIteration(iter),
			})
			next++
		case Ramp:
			out = append(out, ExpandedStep{
				Index: next, Type: StepRamp, Label: s.Label, Duration: s.Duration,
				StartPct: s.StartPct, EndPct: s.EndPct, Iteration: copyIteration(iter),
			})
			next++
		case HRTarget:
			out = append(out, ExpandedStep{
				Index: next, Type: StepHR, Label: s.Label, Duration: s.Duration,
				LowBpm: s.LowBpm, HighBpm: s.HighBpm, FallbackPct: s.FallbackPct,
				Iteration: copyIteration(iter),
			})
			next++
		case RepeatBlock:
			for i := 0; i < s.Count; i++ {
				var children []ExpandedStep
				children, next = expandSteps(s.Steps, next, &Iteration{Index: i, Total: s.Count})
				out = append(out, children...)
			}
		}
	}
	return out, next
}

func copyIteration(iter *Iteration) *Iteration {
	if iter == nil {
		return nil
	}
	c := *iter
	return &c
}

// TotalExpandedDuration sums the durations of already expanded steps.
func TotalExpandedDuration(steps []ExpandedStep) time.Duration {
	var total time.Duration
	for _, s := range steps {
		total += s.Duration
	}
	return total
}
