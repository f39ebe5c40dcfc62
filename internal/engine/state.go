package engine

import (
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/statemachine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

// State is the snapshot published after every tick and every command.
type State struct {
	Phase  statemachine.State `json:"phase"`
	Reason string             `json:"reason,omitempty"`
	At     time.Time          `json:"at"`

	WorkoutID   string `json:"workoutId,omitempty"`
	WorkoutName string `json:"workoutName,omitempty"`
	RideID      string `json:"rideId,omitempty"`
	FTP         int    `json:"ftp"`

	Step          *workout.ExpandedStep `json:"step,omitempty"`
	StepCount     int                   `json:"stepCount"`
	StepElapsed   time.Duration         `json:"stepElapsed"`
	StepRemaining time.Duration         `json:"stepRemaining"`
	Elapsed       time.Duration         `json:"elapsed"`
	Remaining     time.Duration         `json:"remaining"`

	TargetWatts int    `json:"targetWatts"`
	TargetPct   int    `json:"targetPct"`
	PowerOffset int    `json:"powerOffset"`
	Zone        string `json:"zone,omitempty"`
	// HRControlPct is the controller output on heart rate steps.
	HRControlPct float64 `json:"hrControlPct,omitempty"`

	Power        int     `json:"power"`
	HasPower     bool    `json:"hasPower"`
	Cadence      float64 `json:"cadence"`
	HasCadence   bool    `json:"hasCadence"`
	SpeedKmh     float64 `json:"speedKmh"`
	HeartRate    int     `json:"heartRate"`
	HasHeartRate bool    `json:"hasHeartRate"`

	NormalizedPower float64 `json:"normalizedPower"`
	Condition       float64 `json:"condition"`
	HasCondition    bool    `json:"hasCondition"`

	TrainerName      string `json:"trainerName,omitempty"`
	TrainerAddress   string `json:"trainerAddress,omitempty"`
	TrainerProtocol  string `json:"trainerProtocol,omitempty"`
	HeartRateName    string `json:"heartRateName,omitempty"`
	HeartRateAddress string `json:"heartRateAddress,omitempty"`
	ReadOnly         bool   `json:"readOnly"`
	Degraded         bool   `json:"degraded"`
	Diagnostic       string `json:"diagnostic,omitempty"`
	RadioAvailable   bool   `json:"radioAvailable"`
}

// CanStart reports whether Start would be accepted.
func (s State) CanStart() bool {
	return s.Phase == statemachine.Ready && !s.ReadOnly && s.RadioAvailable && s.StepCount > 0
}
