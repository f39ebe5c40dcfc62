// Package ride describes a finished ride as handed to persistence and export.
package ride

import (
	"time"

	"github.com/google/uuid"

	"github.com/lowaak/smart-trainer/erg-engine/internal/telemetry"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Record is the summary of one ride plus, optionally, its 1 Hz samples.
type Record struct {
	ID          string
	WorkoutID   string
	WorkoutName string
	StartedAt   time.Time
	EndedAt     time.Time
	FTP         int
	Status      Status

	DurationSec     int
	AvgPower        float64
	MaxPower        int
	AvgHeartRate    float64
	MaxHeartRate    int
	AvgCadence      float64
	NormalizedPower float64
	IntensityFactor float64
	TSS             float64

	Samples []telemetry.Sample
}

func NewID() string {
	return uuid.NewString()
}

// IntensityFactor is normalized power over FTP.
func IntensityFactor(np float64, ftp int) float64 {
	if ftp <= 0 {
		return 0
	}
	return np / float64(ftp)
}

// TSS is (seconds * NP * IF) / (FTP * 3600) * 100.
func TSS(seconds int, np float64, ftp int) float64 {
	if ftp <= 0 || seconds <= 0 {
		return 0
	}
	intensity := IntensityFactor(np, ftp)
	return float64(seconds) * np * intensity / (float64(ftp) * 3600) * 100
}

// Build fills a Record from the aggregator. Samples are attached only when
// withSamples is set.
func Build(id string, workoutID, workoutName string, started, ended time.Time, ftp int, status Status,
	agg *telemetry.Aggregator, withSamples bool) Record {
	sum := agg.Summary()
	r := Record{
		ID:              id,
		WorkoutID:       workoutID,
		WorkoutName:     workoutName,
		StartedAt:       started,
		EndedAt:         ended,
		FTP:             ftp,
		Status:          status,
		DurationSec:     sum.Samples,
		AvgPower:        sum.AvgPower,
		MaxPower:        sum.MaxPower,
		AvgHeartRate:    sum.AvgHeartRate,
		MaxHeartRate:    sum.MaxHeartRate,
		AvgCadence:      sum.AvgCadence,
		NormalizedPower: sum.NormalizedPower,
		IntensityFactor: IntensityFactor(sum.NormalizedPower, ftp),
		TSS:             TSS(sum.Samples, sum.NormalizedPower, ftp),
	}
	if withSamples {
		r.Samples = agg.Samples()
	}
	return r
}
