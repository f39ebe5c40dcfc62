package telemetry

// MaxCondition bounds the reported performance condition in either direction.
const MaxCondition = 20.0

// ConditionEvaluator compares the current efficiency factor (five minute
// power over five minute heart rate) with the first one seen in the ride.
// Positive values mean more watts per beat than at the start.
type ConditionEvaluator struct {
	baseline float64
}

// Evaluate returns the condition in percent, or ok=false while either five
// minute window is still warming up or heart rate is missing.
func (c *ConditionEvaluator) Evaluate(a *Aggregator) (float64, bool) {
	power, ok := a.FiveMinutePower()
	if !ok {
		return 0, false
	}
	hr, ok := a.FiveMinuteHeartRate()
	if !ok || hr <= 0 {
		return 0, false
	}

	ef := power / hr
	if c.baseline == 0 {
		if ef <= 0 {
			return 0, false
		}
		c.baseline = ef
	}

	pct := (ef/c.baseline - 1) * 100
	if pct > MaxCondition {
		pct = MaxCondition
	} else if pct < -MaxCondition {
		pct = -MaxCondition
	}
	return pct, true
}

func (c *ConditionEvaluator) Baseline() float64 {
	return c.baseline
}

func (c *ConditionEvaluator) Reset() {
	c.baseline = 0
}
