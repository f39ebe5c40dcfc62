package dashboard

import (
	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

// View is implemented once per UI framework. Dashboard feeds it.
type View interface {
	// Initialize builds the widgets. Called once, before Run.
	Initialize(ctl *Controller)

	SetupKeyboardHandlers(ctl *Controller)

	// Run blocks until the UI exits.
	Run() error
	Stop()
	Draw() error

	SetMode(mode Mode)
	CurrentMode() Mode

	GetLogViewHeight() int
	ClearLogView()
	WriteLogLine(line string) error

	UpdateState(st engine.State)
	SetDevices(devices []DeviceStatus)
	SetWorkoutList(workouts []workout.Workout)
}
