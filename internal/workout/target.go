package workout

import (
	"fmt"
	"time"
)

// Watts converts a percentage of FTP to whole watts, rounding down.
func Watts(ftp, pct int) int {
	if ftp <= 0 || pct <= 0 {
		return 0
	}
	return ftp * pct / 100
}

// RampPct interpolates a ramp at elapsed. Progress is clamped to [0, 1] and
// the result is truncated, not rounded.
func RampPct(startPct, endPct int, elapsed, duration time.Duration) int {
	progress := 1.0
	if duration > 0 {
		progress = float64(elapsed) / float64(duration)
	}
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	return int(float64(startPct) + progress*float64(endPct-startPct))
}

// TargetPct is the %FTP the step asks for elapsed into it. HR steps report
// their fallback; the controller refines it.
func (s ExpandedStep) TargetPct(elapsed time.Duration) int {
	switch s.Type {
	case StepRamp:
		return RampPct(s.StartPct, s.EndPct, elapsed, s.Duration)
	case StepHR:
		return s.FallbackPct
	}
	return s.Pct
}

// Zone is a power training zone on the %FTP scale.
type Zone int

const (
	ZoneRecovery Zone = iota + 1
	ZoneEndurance
	ZoneTempo
	ZoneThreshold
	ZoneVO2Max
	ZoneAnaerobic
)

// ClassifyZone maps a %FTP onto its zone.
func ClassifyZone(pct int) Zone {
	switch {
	case pct < 56:
		return ZoneRecovery
	case pct < 76:
		return ZoneEndurance
	case pct < 91:
		return ZoneTempo
	case pct < 106:
		return ZoneThreshold
	case pct < 121:
		return ZoneVO2Max
	}
	return ZoneAnaerobic
}

func (z Zone) String() string {
	switch z {
	case ZoneRecovery:
		return "recovery"
	case ZoneEndurance:
		return "endurance"
	case ZoneTempo:
		return "tempo"
	case ZoneThreshold:
		return "threshold"
	case ZoneVO2Max:
		return "vo2max"
	case ZoneAnaerobic:
		return "anaerobic"
	}
	return fmt.Sprintf("Zone(%d)", int(z))
}
