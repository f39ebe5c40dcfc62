// Package telemetry turns the 1 Hz sample stream of a ride into rolling
// statistics: normalized power, five minute power and heart rate, a twenty
// minute FTP estimate and best-effort power for any duration.
package telemetry

import (
	"math"
)

// Window sizes in samples (one sample per second).
const (
	NPWindow         = 30
	ConditionWindow  = 5 * 60
	ConditionMinimum = 60
	FTPWindow        = 20 * 60
	FTPFactor        = 0.95
)

// Sample is one second of a ride.
type Sample struct {
	Elapsed      int
	Power        int
	HeartRate    int
	HasHeartRate bool
	Cadence      int
	HasCadence   bool
}

// Summary holds whole-ride averages and peaks.
type Summary struct {
	Samples         int
	AvgPower        float64
	MaxPower        int
	AvgHeartRate    float64
	MaxHeartRate    int
	AvgCadence      float64
	NormalizedPower float64
}

// Aggregator is owned by the engine and is not safe for concurrent use.
type Aggregator struct {
	samples []Sample

	np         *window
	npQuartics float64
	npCount    int

	power5 *window
	hr5    *window

	power20 *window
	best20  float64

	powerSum float64
	maxPower int
	hrSum    float64
	hrCount  int
	maxHR    int
	cadSum   float64
	cadCount int
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		np:      newWindow(NPWindow),
		power5:  newWindow(ConditionWindow),
		hr5:     newWindow(ConditionWindow),
		power20: newWindow(FTPWindow),
	}
}

// Add appends one sample and updates every window.
func (a *Aggregator) Add(s Sample) {
	a.samples = append(a.samples, s)
	p := float64(s.Power)

	a.np.push(p)
	if a.np.full() {
		a.npQuartics += math.Pow(a.np.mean(), 4)
		a.npCount++
	}

	a.power5.push(p)
	a.power20.push(p)
	if a.power20.full() && a.power20.mean() > a.best20 {
		a.best20 = a.power20.mean()
	}

	a.powerSum += p
	if s.Power > a.maxPower {
		a.maxPower = s.Power
	}
	if s.HasHeartRate {
		a.hr5.push(float64(s.HeartRate))
		a.hrSum += float64(s.HeartRate)
		a.hrCount++
		if s.HeartRate > a.maxHR {
			a.maxHR = s.HeartRate
		}
	}
	if s.HasCadence {
		a.cadSum += float64(s.Cadence)
		a.cadCount++
	}
}

func (a *Aggregator) Len() int {
	return len(a.samples)
}

// Samples returns a copy of the recorded samples.
func (a *Aggregator) Samples() []Sample {
	return append([]Sample(nil), a.samples...)
}

// NormalizedPower is the fourth root of the mean of every 30 s rolling
// average raised to the fourth power, over the whole ride. Before the first
// full window it falls back to average power.
func (a *Aggregator) NormalizedPower() float64 {
	if a.npCount == 0 {
		return a.avgPower()
	}
	return math.Pow(a.npQuartics/float64(a.npCount), 0.25)
}

// FiveMinutePower and FiveMinuteHeartRate report once a minute of data is in
// the window.
func (a *Aggregator) FiveMinutePower() (float64, bool) {
	if a.power5.len() < ConditionMinimum {
		return 0, false
	}
	return a.power5.mean(), true
}

func (a *Aggregator) FiveMinuteHeartRate() (float64, bool) {
	if a.hr5.len() < ConditionMinimum {
		return 0, false
	}
	return a.hr5.mean(), true
}

// FTPEstimate is 95% of the best full twenty minute average seen so far.
func (a *Aggregator) FTPEstimate() (float64, bool) {
	if a.best20 == 0 {
		return 0, false
	}
	return a.best20 * FTPFactor, true
}

// BestPower is the highest average power over any run of seconds consecutive
// samples. ok is false when the ride is shorter than seconds.
func (a *Aggregator) BestPower(seconds int) (float64, bool) {
	n := len(a.samples)
	if seconds <= 0 || seconds > n {
		return 0, false
	}
	prefix := make([]float64, n+1)
	for i, s := range a.samples {
		prefix[i+1] = prefix[i] + float64(s.Power)
	}
	best := math.Inf(-1)
	for end := seconds; end <= n; end++ {
		if sum := prefix[end] - prefix[end-seconds]; sum > best {
			best = sum
		}
	}
	return best / float64(seconds), true
}

// CurvePoint is one entry of a power duration curve.
type CurvePoint struct {
	Seconds int
	Watts   float64
}

// DefaultCurveDurations are the durations reported in ride summaries.
var DefaultCurveDurations = []int{5, 15, 30, 60, 300, 600, 1200, 3600}

// PowerCurve evaluates BestPower for each duration the ride is long enough for.
func (a *Aggregator) PowerCurve(durations []int) []CurvePoint {
	var out []CurvePoint
	for _, d := range durations {
		if w, ok := a.BestPower(d); ok {
			out = append(out, CurvePoint{Seconds: d, Watts: w})
		}
	}
	return out
}

func (a *Aggregator) Summary() Summary {
	s := Summary{
		Samples:         len(a.samples),
		AvgPower:        a.avgPower(),
		MaxPower:        a.maxPower,
		MaxHeartRate:    a.maxHR,
		NormalizedPower: a.NormalizedPower(),
	}
	if a.hrCount > 0 {
		s.AvgHeartRate = a.hrSum / float64(a.hrCount)
	}
	if a.cadCount > 0 {
		s.AvgCadence = a.cadSum / float64(a.cadCount)
	}
	return s
}

func (a *Aggregator) avgPower() float64 {
	if len(a.samples) == 0 {
		return 0
	}
	return a.powerSum / float64(len(a.samples))
}

// Reset drops every sample and window.
func (a *Aggregator) Reset() {
	*a = *NewAggregator()
}
