// Package fitexport writes finished rides as FIT activity files.
package fitexport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/tormoder/fit"

	"github.com/lowaak/smart-trainer/erg-engine/internal/ride"
)

// ErrNoSamples is returned for rides stored without their 1 Hz samples.
var ErrNoSamples = errors.New("ride has no samples")

// Product is the FIT product id written with the development manufacturer.
const Product = 1

// Encode writes r as an indoor cycling activity: file id, a timer start event,
// one record per sample, one lap, one session and the activity message.
func Encode(w io.Writer, r ride.Record) error {
	if len(r.Samples) == 0 {
		return ErrNoSamples
	}

	h := fit.NewHeader(fit.V20, true)
	file, err := fit.NewFile(fit.FileTypeActivity, h)
	if err != nil {
		return err
	}
	file.FileId.TimeCreated = r.StartedAt
	file.FileId.Manufacturer = fit.ManufacturerDevelopment
	file.FileId.Product = Product

	activity, err := file.Activity()
	if err != nil {
		return err
	}

	start := r.StartedAt.UTC()
	end := start.Add(time.Duration(r.Samples[len(r.Samples)-1].Elapsed) * time.Second)
	elapsedMs := scale(float64(r.DurationSec), 1000)

	startEvent := fit.NewEventMsg()
	startEvent.Timestamp = start
	startEvent.Event = fit.EventTimer
	startEvent.EventType = fit.EventTypeStart
	activity.Events = append(activity.Events, startEvent)

	for _, s := range r.Samples {
		rec := fit.NewRecordMsg()
		rec.Timestamp = start.Add(time.Duration(s.Elapsed) * time.Second)
		rec.Power = uint16(clamp(s.Power, 0, math.MaxUint16-1))
		if s.HasHeartRate {
			rec.HeartRate = uint8(clamp(s.HeartRate, 0, math.MaxUint8-1))
		}
		if s.HasCadence {
			rec.Cadence = uint8(clamp(s.Cadence, 0, math.MaxUint8-1))
		}
		activity.Records = append(activity.Records, rec)
	}

	stopEvent := fit.NewEventMsg()
	stopEvent.Timestamp = end
	stopEvent.Event = fit.EventTimer
	stopEvent.EventType = fit.EventTypeStopAll
	activity.Events = append(activity.Events, stopEvent)

	lap := fit.NewLapMsg()
	lap.Timestamp = end
	lap.StartTime = start
	lap.Event = fit.EventLap
	lap.EventType = fit.EventTypeStop
	lap.TotalElapsedTime = elapsedMs
	lap.TotalTimerTime = elapsedMs
	lap.AvgPower = uint16(math.Round(r.AvgPower))
	lap.MaxPower = uint16(r.MaxPower)
	activity.Laps = append(activity.Laps, lap)

	session := fit.NewSessionMsg()
	session.Timestamp = end
	session.StartTime = start
	session.Event = fit.EventSession
	session.EventType = fit.EventTypeStop
	session.Sport = fit.SportCycling
	session.SubSport = fit.SubSportIndoorCycling
	session.TotalElapsedTime = elapsedMs
	session.TotalTimerTime = elapsedMs
	session.AvgPower = uint16(math.Round(r.AvgPower))
	session.MaxPower = uint16(r.MaxPower)
	session.NormalizedPower = uint16(math.Round(r.NormalizedPower))
	session.IntensityFactor = uint16(scale(r.IntensityFactor, 1000))
	session.TrainingStressScore = uint16(scale(r.TSS, 10))
	session.ThresholdPower = uint16(r.FTP)
	session.NumLaps = 1
	session.FirstLapIndex = 0
	if r.MaxHeartRate > 0 {
		session.AvgHeartRate = uint8(math.Round(r.AvgHeartRate))
		session.MaxHeartRate = uint8(r.MaxHeartRate)
	}
	if r.AvgCadence > 0 {
		session.AvgCadence = uint8(math.Round(r.AvgCadence))
	}
	activity.Sessions = append(activity.Sessions, session)

	summary := fit.NewActivityMsg()
	summary.Timestamp = end
	summary.LocalTimestamp = end
	summary.TotalTimerTime = elapsedMs
	summary.NumSessions = 1
	summary.Type = fit.ActivityModeManual
	summary.Event = fit.EventActivity
	summary.EventType = fit.EventTypeStop
	activity.Activity = summary

	return fit.Encode(w, file, binary.LittleEndian)
}

// WriteFile encodes r into path.
func WriteFile(path string, r ride.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encode ride %s: %w", r.ID, err)
	}
	return f.Close()
}

func scale(v, factor float64) uint32 {
	if v <= 0 {
		return 0
	}
	return uint32(math.Round(v * factor))
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
