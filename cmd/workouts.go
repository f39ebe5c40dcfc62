package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

var workoutsCmd = &cobra.Command{
	Use:   "workouts",
	Short: "List the workout library",
	Long: `Lists the built-in workouts plus those found in --workout-dir and
--workout-file, with their duration and hardest power zone.

Use --steps to print every expanded interval.`,
	Args: cobra.NoArgs,
	RunE: runWorkouts,
}

var workoutsSteps bool

func init() {
	workoutsCmd.Flags().BoolVar(&workoutsSteps, "steps", false, "Print the expanded steps of every workout")
}

func runWorkouts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	lib, selected, err := loadLibrary(cfg)
	if err != nil {
		return err
	}

	// tabwriter counts escape codes as width, so colors stay outside the table
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDURATION\tSTEPS\tZONE")
	for _, wo := range lib.List() {
		steps := workout.Expand(wo)
		id := wo.ID
		if id == selected {
			id += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", id, wo.Name, formatMinutes(wo.TotalDuration()), len(steps), peakZone(steps))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	color.HiBlack("* ridden by default")

	if workoutsSteps {
		for _, wo := range lib.List() {
			fmt.Println()
			color.New(color.Bold).Println(wo.Name)
			for i, s := range workout.Expand(wo) {
				fmt.Printf("  %2d. %s\n", i+1, describeStep(s))
			}
		}
	}
	return nil
}

// peakZone is the zone of the highest power target in steps. Heart rate
// steps count with their fallback percentage.
func peakZone(steps []workout.ExpandedStep) string {
	peak := 0
	for _, s := range steps {
		pct := s.Pct
		switch s.Type {
		case workout.StepRamp:
			pct = max(s.StartPct, s.EndPct)
		case workout.StepHR:
			pct = s.FallbackPct
		}
		peak = max(peak, pct)
	}
	if peak == 0 {
		return "-"
	}
	return workout.ClassifyZone(peak).String()
}

func describeStep(s workout.ExpandedStep) string {
	var target string
	switch s.Type {
	case workout.StepRamp:
		target = fmt.Sprintf("ramp %d%% to %d%% FTP", s.StartPct, s.EndPct)
	case workout.StepHR:
		target = fmt.Sprintf("heart rate %d-%d bpm", s.LowBpm, s.HighBpm)
	default:
		target = fmt.Sprintf("%d%% FTP", s.Pct)
	}
	text := fmt.Sprintf("%-8s %s  %s", formatMinutes(s.Duration), target, s.Label)
	if s.Iteration != nil {
		text += color.HiBlackString(" (%d/%d)", s.Iteration.Index+1, s.Iteration.Total)
	}
	return text
}

func formatMinutes(d time.Duration) string {
	total := int(d.Round(time.Second).Seconds())
	if total >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", total/3600, total%3600/60, total%60)
	}
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
