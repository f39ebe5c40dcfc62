package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/statemachine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	minutes := int(d.Minutes())
	if minutes >= 60 {
		hours := minutes / 60
		mins := minutes % 60
		if mins > 0 {
			return fmt.Sprintf("%dh %dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%d min", minutes)
}

func formatMMSS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	if total >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", total/3600, total%3600/60, total%60)
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// describeStep renders one expanded step in a single line.
func describeStep(s workout.ExpandedStep) string {
	var target string
	switch s.Type {
	case workout.StepRamp:
		target = fmt.Sprintf("%d%% → %d%% FTP", s.StartPct, s.EndPct)
	case workout.StepHR:
		target = fmt.Sprintf("%d-%d bpm", s.LowBpm, s.HighBpm)
	default:
		target = fmt.Sprintf("%d%% FTP", s.Pct)
	}
	text := fmt.Sprintf("%s for %s", target, formatDuration(s.Duration))
	if s.Label != "" {
		text = s.Label + ": " + text
	}
	if s.Iteration != nil {
		text += fmt.Sprintf(" (%d/%d)", s.Iteration.Index+1, s.Iteration.Total)
	}
	return text
}

func phaseColor(phase statemachine.State) string {
	switch phase {
	case statemachine.Running:
		return "green"
	case statemachine.Paused:
		return "yellow"
	case statemachine.Error:
		return "red"
	case statemachine.Finished:
		return "blue"
	}
	return "gray"
}

func metricsText(st engine.State) string {
	var b strings.Builder
	b.WriteString("\n")
	if st.HasPower {
		fmt.Fprintf(&b, "  [blue]⚡[white] Power:      [yellow]%d[white] W\n\n", st.Power)
	} else {
		b.WriteString("  [blue]⚡[white] Power:      [gray]--[white]\n\n")
	}
	if st.HasHeartRate {
		fmt.Fprintf(&b, "  [red]♥[white] Heart Rate: [yellow]%d[white] bpm\n\n", st.HeartRate)
	} else {
		b.WriteString("  [red]♥[white] Heart Rate: [gray]--[white]\n\n")
	}
	if st.HasCadence {
		fmt.Fprintf(&b, "  [cyan]↻[white] Cadence:    [yellow]%.0f[white] rpm\n\n", st.Cadence)
	}
	if st.SpeedKmh > 0 {
		fmt.Fprintf(&b, "  [green]→[white] Speed:      [yellow]%.1f[white] km/h\n\n", st.SpeedKmh)
	}
	if st.NormalizedPower > 0 {
		fmt.Fprintf(&b, "  [gray]NP:[white]         %.0f W\n", st.NormalizedPower)
	}
	if st.HasCondition {
		fmt.Fprintf(&b, "  [gray]Condition:[white]  %+.0f\n", st.Condition)
	}
	return b.String()
}

func controlsText(st engine.State) string {
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  [%s]●[white] %s", phaseColor(st.Phase), strings.ToUpper(st.Phase.String()))
	if st.Reason != "" {
		fmt.Fprintf(&b, " [gray](%s)[white]", st.Reason)
	}
	b.WriteString("\n\n")

	if st.TrainerName != "" {
		fmt.Fprintf(&b, "  [gray]Trainer:[white] %s [gray]%s[white]\n", st.TrainerName, st.TrainerProtocol)
	} else {
		b.WriteString("  [gray]Trainer:[white] none\n")
	}
	if st.HeartRateName != "" {
		fmt.Fprintf(&b, "  [gray]HR strap:[white] %s\n", st.HeartRateName)
	}
	if !st.RadioAvailable {
		b.WriteString("  [red]Bluetooth radio is off[white]\n")
	}
	if st.ReadOnly {
		b.WriteString("  [red]Trainer is read-only: no ERG control[white]\n")
	}
	if st.Degraded {
		b.WriteString("  [yellow]Trainer degraded[white]\n")
	}
	if st.Diagnostic != "" {
		fmt.Fprintf(&b, "  [gray]%s[white]\n", st.Diagnostic)
	}

	b.WriteString("\n  [gray]Keys:[white]\n")
	switch st.Phase {
	case statemachine.Running:
		b.WriteString("  [yellow]Space[white] Pause  [yellow]X[white] Stop\n")
	case statemachine.Paused:
		b.WriteString("  [yellow]Space[white] Resume  [yellow]X[white] Stop\n")
	case statemachine.Ready:
		b.WriteString("  [yellow]Space[white] Start\n")
	default:
		b.WriteString("  [yellow]X[white] Reset\n")
	}
	b.WriteString("  [yellow]+[white]/[yellow]-[white] Power offset  [yellow]←[white]/[yellow]→[white] Skip step\n")
	return b.String()
}

func rideText(st engine.State) string {
	if st.WorkoutName == "" {
		return "\n  [gray]No workout loaded[white]\n\n  Go to Workouts (press 2) to load one.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n  [yellow]%s[white]", st.WorkoutName)
	if st.Phase == statemachine.Paused {
		b.WriteString(" [gray](PAUSED)[white]")
	}
	fmt.Fprintf(&b, "\n  [gray]FTP:[white] %d W\n\n", st.FTP)

	fmt.Fprintf(&b, "  [gray]Elapsed:[white]   %s\n", formatMMSS(st.Elapsed))
	fmt.Fprintf(&b, "  [gray]Remaining:[white] %s\n\n", formatMMSS(st.Remaining))

	if st.Step != nil {
		fmt.Fprintf(&b, "  [cyan]Step %d/%d[white]  %s / %s\n", st.Step.Index+1, st.StepCount,
			formatMMSS(st.StepElapsed), formatMMSS(st.Step.Duration))
		fmt.Fprintf(&b, "  %s\n\n", describeStep(*st.Step))
	}

	fmt.Fprintf(&b, "  [blue]⚡[white] Target: [yellow]%d[white] W", st.TargetWatts)
	if st.TargetPct > 0 {
		fmt.Fprintf(&b, " [gray](%d%% FTP", st.TargetPct)
		if st.Zone != "" {
			fmt.Fprintf(&b, ", %s", st.Zone)
		}
		b.WriteString(")[white]")
	}
	b.WriteString("\n")
	if st.PowerOffset != 0 {
		fmt.Fprintf(&b, "  [gray]Offset:[white] %+d W\n", st.PowerOffset)
	}
	if st.Step != nil && st.Step.Type == workout.StepHR {
		fmt.Fprintf(&b, "  [red]♥[white] HR control: %.0f%% FTP\n", st.HRControlPct)
	}
	if st.Phase == statemachine.Finished {
		b.WriteString("\n  [green]Workout complete![white]\n")
	}
	return b.String()
}

func workoutDetails(w workout.Workout) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n  [yellow]%s[white]\n\n", w.Name)
	if w.Description != "" {
		fmt.Fprintf(&b, "  %s\n\n", w.Description)
	}
	steps := workout.Expand(w)
	fmt.Fprintf(&b, "  [gray]Duration:[white] %s\n", formatDuration(w.TotalDuration()))
	fmt.Fprintf(&b, "  [gray]Steps:[white] %d\n\n", len(steps))
	b.WriteString("  [gray]Structure:[white]\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "    %d. %s\n", i+1, describeStep(s))
	}
	b.WriteString("\n  [green]Press Enter to load this workout[white]\n")
	return b.String()
}

func deviceText(d DeviceStatus) string {
	color := "gray"
	switch d.State {
	case LinkConnected:
		color = "green"
	case LinkReconnecting, LinkLost:
		color = "yellow"
	case LinkGaveUp, LinkFailed:
		color = "red"
	}
	name := d.Name
	if name == "" {
		name = "unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n  [%s]●[white] %s\n\n", color, d.State)
	if d.Address != "" {
		fmt.Fprintf(&b, "  [gray]Device:[white]  %s\n  [gray]Address:[white] %s\n", name, d.Address)
	}
	if d.Detail != "" {
		fmt.Fprintf(&b, "  [gray]%s[white]\n", d.Detail)
	}
	return b.String()
}
