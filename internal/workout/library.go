package workout

import (
	"errors"
	"fmt"
	"math"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	ErrNotFound    = errors.New("workout not found")
	ErrDuplicateID = errors.New("duplicate workout id")
)

// Library keeps workouts by id in the order they were added.
type Library struct {
	workouts *orderedmap.OrderedMap[string, Workout]
}

func NewLibrary() *Library {
	return &Library{workouts: orderedmap.New[string, Workout]()}
}

// NewBuiltinLibrary returns a library pre-filled with the built-in workouts.
// maxHR scales the heart rate zone rides.
func NewBuiltinLibrary(maxHR int) *Library {
	lib := NewLibrary()
	for _, w := range Builtins(maxHR) {
		// built-in ids are unique
		_ = lib.Add(w)
	}
	return lib
}

// Add validates w and stores it. Ids must be unique.
func (l *Library) Add(w Workout) error {
	if w.ID == "" {
		w.ID = Slug(w.Name)
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if _, exists := l.workouts.Get(w.ID); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, w.ID)
	}
	l.workouts.Set(w.ID, w)
	return nil
}

// AddDir loads every workout file in dir into the library.
func (l *Library) AddDir(dir string) error {
	ws, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, w := range ws {
		if err := l.Add(w); err != nil {
			return err
		}
	}
	return nil
}

func (l *Library) Get(id string) (Workout, error) {
	w, ok := l.workouts.Get(id)
	if !ok {
		return Workout{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w, nil
}

func (l *Library) List() []Workout {
	out := make([]Workout, 0, l.workouts.Len())
	for pair := l.workouts.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (l *Library) Len() int {
	return l.workouts.Len()
}

// heart rate zone targets as a fraction of max HR
const (
	hrZone2MaxHRRatio = 0.67
	hrZone3MaxHRRatio = 0.75
	hrBandHalfWidth   = 0.03
)

func hrZone(label string, d time.Duration, maxHR int, ratio float64, fallbackPct int) HRTarget {
	return HRTarget{
		Label:       label,
		Duration:    d,
		LowBpm:      int(math.Round(float64(maxHR) * (ratio - hrBandHalfWidth))),
		HighBpm:     int(math.Round(float64(maxHR) * (ratio + hrBandHalfWidth))),
		FallbackPct: fallbackPct,
	}
}

func steady(label string, d time.Duration, pct int) Steady {
	return Steady{Label: label, Duration: d, Pct: pct}
}

func repeat(count int, steps ...Step) RepeatBlock {
	return RepeatBlock{Count: count, Steps: steps}
}

// Builtins returns the stock workouts.
func Builtins(maxHR int) []Workout {
	const m = time.Minute
	return []Workout{
		{
			ID:   "30-min-endurance",
			Name: "30 Min Endurance",
			Steps: []Step{
				steady("Warmup", 5*m, 50),
				steady("Main set", 20*m, 65),
				steady("Cooldown", 5*m, 50),
			},
		},
		{
			ID:   "20-min-ftp-test",
			Name: "20 Min FTP Test",
			Steps: []Step{
				steady("Warmup", 5*m, 50),
				steady("Opener", 3*m, 70),
				steady("Recovery", 2*m, 50),
				steady("FTP test", 20*m, 105),
				steady("Cooldown", 5*m, 40),
			},
		},
		{
			ID:   "5x5-threshold",
			Name: "5x5 Threshold Intervals",
			Steps: []Step{
				steady("Warmup", 5*m, 50),
				repeat(5,
					steady("Threshold", 5*m, 100),
					steady("Recovery", 3*m, 50),
				),
				steady("Cooldown", 2*m, 50),
			},
		},
		{
			ID:   "recovery-spin",
			Name: "Recovery Spin",
			Steps: []Step{
				Ramp{Label: "Warmup", Duration: 10 * m, StartPct: 40, EndPct: 45},
				steady("Easy spin", 25*m, 45),
				Ramp{Label: "Cooldown", Duration: 10 * m, StartPct: 45, EndPct: 35},
			},
		},
		{
			ID:   "vo2max-4x4",
			Name: "VO2max 4x4",
			Steps: []Step{
				steady("Warmup", 10*m, 50),
				repeat(4,
					steady("VO2max", 4*m, 120),
					steady("Recovery", 4*m, 50),
				),
				steady("Cooldown", 6*m, 50),
			},
		},
		{
			ID:          "over-unders",
			Name:        "Over-Unders 3x3",
			Description: "Three sets of three over/under pairs with a long rest between sets.",
			Steps: []Step{
				Ramp{Label: "Warmup", Duration: 10 * m, StartPct: 45, EndPct: 75},
				repeat(3,
					repeat(3,
						steady("Over", 1*m, 105),
						steady("Under", 2*m, 90),
					),
					steady("Set rest", 5*m, 50),
				),
				steady("Cooldown", 5*m, 45),
			},
		},
		{
			ID:   "intervals-30m",
			Name: "Intervals - 30m",
			Steps: []Step{
				steady("Warmup", 3*m, 65),
				steady("Tempo", 5*m, 90),
				steady("Recovery", 3*m, 65),
				repeat(3,
					steady("Tempo", 4*m, 90),
					steady("Recovery", 3*m, 65),
				),
			},
		},
		{
			ID:   "intervals-30m-hr-zone-2-60m",
			Name: "Intervals - 30m, HR Zone 2 - 60m",
			Steps: []Step{
				steady("Warmup", 3*m, 65),
				steady("Tempo", 5*m, 90),
				steady("Recovery", 3*m, 65),
				repeat(3,
					steady("Tempo", 4*m, 90),
					steady("Recovery", 3*m, 65),
				),
				hrZone("HR zone 2", 60*m, maxHR, hrZone2MaxHRRatio, 60),
			},
		},
		{
			ID:    "hr-zone-2-60m",
			Name:  "HR Zone 2 - 60 Min",
			Steps: []Step{hrZone("HR zone 2", 60*m, maxHR, hrZone2MaxHRRatio, 60)},
		},
		{
			ID:    "hr-zone-3-60m",
			Name:  "HR Zone 3 - 60 Min",
			Steps: []Step{hrZone("HR zone 3", 60*m, maxHR, hrZone3MaxHRRatio, 70)},
		},
	}
}
