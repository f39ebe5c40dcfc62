package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(a *Aggregator, n int, power int, hr int) {
	start := a.Len()
	for i := 0; i < n; i++ {
		a.Add(Sample{Elapsed: start + i + 1, Power: power, HeartRate: hr, HasHeartRate: hr > 0, Cadence: 90, HasCadence: true})
	}
}

func TestNormalizedPowerConstant(t *testing.T) {
	a := NewAggregator()
	feed(a, 30, 200, 0)
	assert.InDelta(t, 200.0, a.NormalizedPower(), 1e-9)

	feed(a, 600, 200, 0)
	assert.InDelta(t, 200.0, a.NormalizedPower(), 1e-9)
}

func TestNormalizedPowerFallsBackToAverage(t *testing.T) {
	a := NewAggregator()
	assert.Equal(t, 0.0, a.NormalizedPower())

	feed(a, 10, 100, 0)
	feed(a, 10, 300, 0)
	assert.Equal(t, 200.0, a.NormalizedPower())
}

func TestNormalizedPowerUsesWholeRide(t *testing.T) {
	a := NewAggregator()
	feed(a, 60, 300, 0)
	feed(a, 60, 100, 0)

	np := a.NormalizedPower()
	// a final-window-only value would be 100
	assert.Greater(t, np, 200.0)
	assert.Greater(t, np, a.Summary().AvgPower)
}

func TestNormalizedPowerWeightsSurges(t *testing.T) {
	steady := NewAggregator()
	feed(steady, 600, 200, 0)

	surgy := NewAggregator()
	for i := 0; i < 10; i++ {
		feed(surgy, 30, 300, 0)
		feed(surgy, 30, 100, 0)
	}
	assert.InDelta(t, steady.Summary().AvgPower, surgy.Summary().AvgPower, 1e-9)
	assert.Greater(t, surgy.NormalizedPower(), steady.NormalizedPower())
}

func TestFiveMinuteWindowsNeedOneMinute(t *testing.T) {
	a := NewAggregator()
	feed(a, 59, 200, 140)
	_, ok := a.FiveMinutePower()
	assert.False(t, ok)
	_, ok = a.FiveMinuteHeartRate()
	assert.False(t, ok)

	feed(a, 1, 200, 140)
	p, ok := a.FiveMinutePower()
	require.True(t, ok)
	assert.Equal(t, 200.0, p)
	hr, ok := a.FiveMinuteHeartRate()
	require.True(t, ok)
	assert.Equal(t, 140.0, hr)
}

func TestFiveMinuteWindowRolls(t *testing.T) {
	a := NewAggregator()
	feed(a, 300, 100, 120)
	feed(a, 300, 250, 150)

	p, _ := a.FiveMinutePower()
	hr, _ := a.FiveMinuteHeartRate()
	assert.Equal(t, 250.0, p)
	assert.Equal(t, 150.0, hr)
}

func TestHeartRateWindowSkipsMissingReadings(t *testing.T) {
	a := NewAggregator()
	feed(a, 120, 200, 0)
	_, ok := a.FiveMinuteHeartRate()
	assert.False(t, ok)
	assert.Equal(t, 0.0, a.Summary().AvgHeartRate)
}

func TestFTPEstimate(t *testing.T) {
	a := NewAggregator()
	feed(a, FTPWindow-1, 250, 0)
	_, ok := a.FTPEstimate()
	assert.False(t, ok)

	feed(a, 1, 250, 0)
	ftp, ok := a.FTPEstimate()
	require.True(t, ok)
	assert.InDelta(t, 237.5, ftp, 1e-9)

	// an easier block afterwards does not lower the estimate
	feed(a, FTPWindow, 150, 0)
	ftp, _ = a.FTPEstimate()
	assert.InDelta(t, 237.5, ftp, 1e-9)
}

func TestBestPower(t *testing.T) {
	a := NewAggregator()
	for _, p := range []int{100, 400, 300, 100, 500, 100} {
		a.Add(Sample{Power: p})
	}

	best, ok := a.BestPower(1)
	require.True(t, ok)
	assert.Equal(t, 500.0, best)

	best, _ = a.BestPower(2)
	assert.Equal(t, 350.0, best)

	best, _ = a.BestPower(3)
	assert.Equal(t, 300.0, best)

	best, _ = a.BestPower(6)
	assert.Equal(t, 250.0, best)

	_, ok = a.BestPower(7)
	assert.False(t, ok)
	_, ok = a.BestPower(0)
	assert.False(t, ok)
}

func TestPowerCurve(t *testing.T) {
	a := NewAggregator()
	feed(a, 90, 200, 0)

	curve := a.PowerCurve(DefaultCurveDurations)
	require.Len(t, curve, 4)
	assert.Equal(t, CurvePoint{Seconds: 60, Watts: 200}, curve[3])
}

func TestSummary(t *testing.T) {
	a := NewAggregator()
	a.Add(Sample{Power: 100, HeartRate: 120, HasHeartRate: true, Cadence: 80, HasCadence: true})
	a.Add(Sample{Power: 300, HeartRate: 160, HasHeartRate: true, Cadence: 100, HasCadence: true})
	a.Add(Sample{Power: 200})

	s := a.Summary()
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 200.0, s.AvgPower)
	assert.Equal(t, 300, s.MaxPower)
	assert.Equal(t, 140.0, s.AvgHeartRate)
	assert.Equal(t, 160, s.MaxHeartRate)
	assert.Equal(t, 90.0, s.AvgCadence)

	a.Reset()
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, Summary{}, a.Summary())
}

func TestConditionEvaluator(t *testing.T) {
	a := NewAggregator()
	var c ConditionEvaluator

	feed(a, 30, 200, 140)
	_, ok := c.Evaluate(a)
	assert.False(t, ok)

	feed(a, 30, 200, 140)
	v, ok := c.Evaluate(a)
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
	assert.InDelta(t, 200.0/140.0, c.Baseline(), 1e-12)

	// same power at a lower heart rate once the window has rolled over
	feed(a, 300, 200, 125)
	v, ok = c.Evaluate(a)
	require.True(t, ok)
	assert.InDelta(t, 12.0, v, 1e-9)

	// clamps
	feed(a, 300, 200, 100)
	v, _ = c.Evaluate(a)
	assert.Equal(t, MaxCondition, v)

	c.Reset()
	assert.Equal(t, 0.0, c.Baseline())
}
