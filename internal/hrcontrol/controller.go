// Package hrcontrol steers trainer power so that heart rate stays inside a
// target band.
package hrcontrol

import (
	"math"
	"time"

	"github.com/mcuadros/go-defaults"
)

// Options tunes the PI loop. Zero fields take the default in their tag.
type Options struct {
	Kp            float64       `default:"0.5"`
	Ki            float64       `default:"0.05"`
	Settle        time.Duration `default:"30s"`
	Window        int           `default:"5"`
	MaxRatePerSec float64       `default:"2"`
	IntegralLimit float64       `default:"100"`
	MinPct        float64       `default:"30"`
	MaxPct        float64       `default:"100"`
}

// Controller is a PI loop whose process variable is the mean of the last few
// heart rate readings and whose output is a %FTP. Create a new one for every
// heart rate step.
type Controller struct {
	opts    Options
	low     float64
	high    float64
	initial float64
	current float64

	readings []int
	next     int
	filled   int

	integral float64
	elapsed  time.Duration
}

func New(lowBpm, highBpm, initialPct int, opts Options) *Controller {
	defaults.SetDefaults(&opts)
	return &Controller{
		opts:     opts,
		low:      float64(lowBpm),
		high:     float64(highBpm),
		initial:  float64(initialPct),
		current:  float64(initialPct),
		readings: make([]int, opts.Window),
	}
}

// Update advances the controller by dt. hasHR is false when no reading
// arrived this tick; the output is then left as it is. During the settling
// period the initial percentage is returned unchanged.
func (c *Controller) Update(hr int, hasHR bool, dt time.Duration) float64 {
	c.elapsed += dt
	if hasHR {
		c.readings[c.next] = hr
		c.next = (c.next + 1) % len(c.readings)
		if c.filled < len(c.readings) {
			c.filled++
		}
	}

	if c.elapsed <= c.opts.Settle {
		c.current = c.initial
		return c.current
	}
	if !hasHR || c.filled == 0 {
		return c.current
	}

	secs := dt.Seconds()
	e := c.deadBand(c.smoothed() - (c.low+c.high)/2)

	c.integral = clamp(c.integral+e*secs, -c.opts.IntegralLimit, c.opts.IntegralLimit)

	maxStep := c.opts.MaxRatePerSec * secs
	adj := clamp(-(c.opts.Kp*e + c.opts.Ki*c.integral), -maxStep, maxStep)

	c.current = clamp(c.current+adj, c.opts.MinPct, c.opts.MaxPct)
	return c.current
}

// deadBand removes half the band width from the error, keeping its sign.
func (c *Controller) deadBand(e float64) float64 {
	dead := (c.high - c.low) / 2
	if math.Abs(e) <= dead {
		return 0
	}
	if e > 0 {
		return e - dead
	}
	return e + dead
}

func (c *Controller) smoothed() float64 {
	sum := 0
	for i := 0; i < c.filled; i++ {
		sum += c.readings[i]
	}
	return float64(sum) / float64(c.filled)
}

// SmoothedHR is the current process variable, if any reading has arrived.
func (c *Controller) SmoothedHR() (float64, bool) {
	if c.filled == 0 {
		return 0, false
	}
	return c.smoothed(), true
}

func (c *Controller) Pct() float64 {
	return c.current
}

func (c *Controller) Settled() bool {
	return c.elapsed > c.opts.Settle
}

func (c *Controller) Integral() float64 {
	return c.integral
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
