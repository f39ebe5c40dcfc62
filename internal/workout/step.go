// Package workout describes structured workouts, flattens them into a timed
// interval list and turns %FTP targets into watts.
package workout

import (
	"errors"
	"fmt"
	"time"
)

// Step is one node of a workout tree: Steady, Ramp, HRTarget or RepeatBlock.
type Step interface {
	isStep()
}

// Steady holds a constant power target.
type Steady struct {
	Label    string
	Duration time.Duration
	Pct      int
}

// Ramp moves linearly from StartPct to EndPct over Duration.
type Ramp struct {
	Label    string
	Duration time.Duration
	StartPct int
	EndPct   int
}

// HRTarget holds heart rate inside [LowBpm, HighBpm] by adjusting power,
// starting from FallbackPct.
type HRTarget struct {
	Label       string
	Duration    time.Duration
	LowBpm      int
	HighBpm     int
	FallbackPct int
}

// RepeatBlock runs Steps Count times. Blocks may nest to any depth.
type RepeatBlock struct {
	Count int
	Steps []Step
}

func (Steady) isStep()      {}
func (Ramp) isStep()        {}
func (HRTarget) isStep()    {}
func (RepeatBlock) isStep() {}

// Workout is a named tree of steps.
type Workout struct {
	ID          string
	Name        string
	Description string
	Steps       []Step
}

// TotalDuration sums every step, multiplying repeat blocks by their count.
func (w Workout) TotalDuration() time.Duration {
	return stepsDuration(w.Steps)
}

func stepsDuration(steps []Step) time.Duration {
	var total time.Duration
	for _, s := range steps {
		switch s := s.(type) {
		case Steady:
			total += s.Duration
		case Ramp:
			total += s.Duration
		case HRTarget:
			total += s.Duration
		case RepeatBlock:
			total += time.Duration(s.Count) * stepsDuration(s.Steps)
		}
	}
	return total
}

var ErrInvalidWorkout = errors.New("invalid workout")

// Limits on the flattened workout. Repeat blocks multiply, so a small file
// can describe a ride that would never fit in memory.
const (
	MaxExpandedSteps = 100_000
	MaxTotalDuration = 24 * time.Hour
)

// Validate checks every step and reports the first problem with its path.
// A workout that expands past MaxExpandedSteps or MaxTotalDuration is invalid.
func (w Workout) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidWorkout)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidWorkout, w.Name)
	}
	if err := validateSteps(w.Steps, "steps"); err != nil {
		return err
	}
	n, d, ok := measure(w.Steps)
	if !ok {
		return fmt.Errorf("%w: %s expands past %d steps or %s", ErrInvalidWorkout, w.Name, MaxExpandedSteps, MaxTotalDuration)
	}
	if n > MaxExpandedSteps || d > MaxTotalDuration {
		return fmt.Errorf("%w: %s expands to %d steps over %s", ErrInvalidWorkout, w.Name, n, d)
	}
	return nil
}

// measure counts the expanded steps and their duration. It stops with
// ok=false as soon as either limit is crossed, before anything can overflow.
func measure(steps []Step) (n int, d time.Duration, ok bool) {
	add := func(dur time.Duration) bool {
		if dur > MaxTotalDuration-d || n >= MaxExpandedSteps {
			return false
		}
		n++
		d += dur
		return true
	}
	for _, s := range steps {
		switch s := s.(type) {
		case Steady:
			ok = add(s.Duration)
		case Ramp:
			ok = add(s.Duration)
		case HRTarget:
			ok = add(s.Duration)
		case RepeatBlock:
			cn, cd, cok := measure(s.Steps)
			if !cok || s.Count < 1 {
				return n, d, false
			}
			if cn > (MaxExpandedSteps-n)/s.Count || cd > (MaxTotalDuration-d)/time.Duration(s.Count) {
				return n, d, false
			}
			n += cn * s.Count
			d += cd * time.Duration(s.Count)
			ok = true
		default:
			ok = true
		}
		if !ok {
			return n, d, false
		}
	}
	return n, d, true
}

func validateSteps(steps []Step, path string) error {
	for i, s := range steps {
		at := fmt.Sprintf("%s[%d]", path, i)
		var err error
		switch s := s.(type) {
		case Steady:
			err = validateLeaf(s.Duration, s.Pct)
		case Ramp:
			err = validateLeaf(s.Duration, s.StartPct, s.EndPct)
		case HRTarget:
			err = validateLeaf(s.Duration, s.FallbackPct)
			if err == nil && (s.LowBpm <= 0 || s.LowBpm >= s.HighBpm) {
				err = fmt.Errorf("heart rate band %d-%d is empty", s.LowBpm, s.HighBpm)
			}
		case RepeatBlock:
			if s.Count < 1 {
				err = fmt.Errorf("repeat count %d must be at least 1", s.Count)
			} else if len(s.Steps) == 0 {
				err = errors.New("repeat block has no steps")
			} else if err := validateSteps(s.Steps, at+".steps"); err != nil {
				return err
			}
		case nil:
			err = errors.New("empty step")
		default:
			err = fmt.Errorf("unknown step %T", s)
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidWorkout, at, err)
		}
	}
	return nil
}

func validateLeaf(d time.Duration, pcts ...int) error {
	if d <= 0 {
		return fmt.Errorf("duration %s must be positive", d)
	}
	for _, p := range pcts {
		if p < 0 {
			return fmt.Errorf("percentage %d must not be negative", p)
		}
	}
	return nil
}
