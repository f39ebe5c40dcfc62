package dashboard

import (
	"fmt"
	"log"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/erg-engine/internal/supervisor"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

const (
	pageRide     = "ride"
	pageWorkouts = "workouts"
	pageDevices  = "devices"
)

// CursesView implements View with tview.
type CursesView struct {
	logger      *log.Logger
	app         *tview.Application
	currentMode Mode

	pages    *tview.Pages
	logView  *tview.TextView
	mainFlex *tview.Flex

	rideFlex       *tview.Flex
	rideTabWidgets []tview.Primitive
	metricsPanel   *tview.TextView
	controlsPanel  *tview.TextView
	ridePanel      *tview.TextView

	workoutsFlex       *tview.Flex
	workoutsTabWidgets []tview.Primitive
	workoutList        *tview.List
	workoutDetails     *tview.TextView

	mu       sync.Mutex
	workouts []workout.Workout

	devicesFlex       *tview.Flex
	devicesTabWidgets []tview.Primitive
	devicePanels      map[supervisor.Role]*tview.TextView
}

var _ View = (*CursesView)(nil)

func NewCursesView(logger *log.Logger, app *tview.Application) *CursesView {
	if logger == nil {
		panic("CursesView: logger cannot be nil")
	}
	return &CursesView{
		logger:       logger,
		app:          app,
		currentMode:  ModeRide,
		devicePanels: make(map[supervisor.Role]*tview.TextView),
	}
}

func (ui *CursesView) Initialize(ctl *Controller) {
	// No SetChangedFunc with app.Draw here: it can hang once the app is
	// stopped while log lines are still arriving.
	ui.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	ui.logView.SetBorder(true).SetTitle(" Log ")

	ui.pages = tview.NewPages()
	ui.initRideMode()
	ui.initWorkoutsMode(ctl)
	ui.initDevicesMode()

	ui.pages.AddPage(pageRide, ui.rideFlex, true, true)
	ui.pages.AddPage(pageWorkouts, ui.workoutsFlex, true, false)
	ui.pages.AddPage(pageDevices, ui.devicesFlex, true, false)

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[yellow]1[white] Ride  |  [yellow]2[white] Workouts  |  [yellow]3[white] Devices  |  [yellow]Tab[white] Focus  |  [yellow]Esc[white] Quit")

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 1, 0, false).
		AddItem(ui.pages, 0, 1, true)

	ui.mainFlex = tview.NewFlex().
		AddItem(left, 0, 3, true).
		AddItem(ui.logView, 0, 2, false)

	ui.setFocusForCurrentMode()
}

func newPanel(title string) *tview.TextView {
	panel := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	panel.SetBorder(true).SetTitle(title)
	return panel
}

func (ui *CursesView) initRideMode() {
	ui.metricsPanel = newPanel(" Metrics ")
	ui.controlsPanel = newPanel(" Session ")
	ui.ridePanel = newPanel(" Workout ")
	ui.rideTabWidgets = []tview.Primitive{ui.ridePanel, ui.metricsPanel, ui.controlsPanel}

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.metricsPanel, 0, 2, false).
		AddItem(ui.controlsPanel, 0, 2, false)

	ui.rideFlex = tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(leftColumn, 0, 1, false).
		AddItem(ui.ridePanel, 0, 1, true)
}

func (ui *CursesView) initWorkoutsMode(ctl *Controller) {
	ui.workoutList = tview.NewList().
		ShowSecondaryText(true).
		SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			ui.logger.Printf("Dashboard: workout selected: %s", mainText)
			ctl.OnWorkoutSelected(index)
		}).
		SetChangedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			ui.showWorkoutDetails(index)
		})
	ui.workoutList.SetBorder(true).SetTitle(" Workouts ")
	ui.workoutDetails = newPanel(" Details ")
	ui.workoutsTabWidgets = []tview.Primitive{ui.workoutList, ui.workoutDetails}

	ui.workoutsFlex = tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(ui.workoutList, 0, 1, true).
		AddItem(ui.workoutDetails, 0, 1, false)
}

func (ui *CursesView) initDevicesMode() {
	row := tview.NewFlex().SetDirection(tview.FlexRow)
	for _, role := range supervisor.Roles {
		panel := newPanel(fmt.Sprintf(" %s ", role))
		ui.devicePanels[role] = panel
		ui.devicesTabWidgets = append(ui.devicesTabWidgets, panel)
		row.AddItem(panel, 0, 1, len(ui.devicesTabWidgets) == 1)
	}
	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[yellow]R[white] Reconnect  |  [yellow]F[white] Forget and search again")

	ui.devicesFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 1, 0, false).
		AddItem(row, 0, 1, true)
}

func (ui *CursesView) SetWorkoutList(workouts []workout.Workout) {
	ui.mu.Lock()
	ui.workouts = workouts
	ui.mu.Unlock()

	ui.workoutList.Clear()
	for _, w := range workouts {
		ui.workoutList.AddItem(w.Name, formatDuration(w.TotalDuration()), 0, nil)
	}
	if len(workouts) > 0 {
		ui.showWorkoutDetails(0)
	}
}

func (ui *CursesView) showWorkoutDetails(index int) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if index < 0 || index >= len(ui.workouts) {
		ui.workoutDetails.SetText("\n  Select a workout to see its steps.\n")
		return
	}
	ui.workoutDetails.SetText(workoutDetails(ui.workouts[index]))
}

func (ui *CursesView) SetMode(mode Mode) {
	if ui.currentMode == mode {
		return
	}
	ui.currentMode = mode
	switch mode {
	case ModeRide:
		ui.pages.SwitchToPage(pageRide)
	case ModeWorkouts:
		ui.pages.SwitchToPage(pageWorkouts)
	case ModeDevices:
		ui.pages.SwitchToPage(pageDevices)
	}
	ui.setFocusForCurrentMode()
}

func (ui *CursesView) CurrentMode() Mode {
	return ui.currentMode
}

func (ui *CursesView) tabWidgets() []tview.Primitive {
	switch ui.currentMode {
	case ModeRide:
		return ui.rideTabWidgets
	case ModeWorkouts:
		return ui.workoutsTabWidgets
	case ModeDevices:
		return ui.devicesTabWidgets
	}
	return nil
}

func (ui *CursesView) setFocusForCurrentMode() {
	if widgets := ui.tabWidgets(); len(widgets) > 0 {
		ui.app.SetFocus(widgets[0])
	}
}

// focusedRole is the role whose device panel has focus, or "".
func (ui *CursesView) focusedRole() supervisor.Role {
	for role, panel := range ui.devicePanels {
		if panel.HasFocus() {
			return role
		}
	}
	return ""
}

func (ui *CursesView) SetupKeyboardHandlers(ctl *Controller) {
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyRune {
			if mode, ok := ModeByKey(event.Rune()); ok {
				ctl.OnModeChange(mode)
				return nil
			}
		}

		switch event.Key() {
		case tcell.KeyTab:
			widgets := ui.tabWidgets()
			for i, w := range widgets {
				if w.HasFocus() {
					ui.app.SetFocus(widgets[(i+1)%len(widgets)])
					break
				}
			}
			return nil
		case tcell.KeyEscape:
			ctl.OnEscapeKey()
			return nil
		}

		switch ui.currentMode {
		case ModeRide:
			switch {
			case event.Key() == tcell.KeyUp, event.Rune() == '+', event.Rune() == '=':
				ctl.IncreasePower()
			case event.Key() == tcell.KeyDown, event.Rune() == '-':
				ctl.DecreasePower()
			case event.Key() == tcell.KeyRight:
				ctl.SkipForward()
			case event.Key() == tcell.KeyLeft:
				ctl.SkipBackward()
			case event.Rune() == ' ':
				ctl.ToggleRide()
			case event.Rune() == 'x':
				ctl.StopRide()
			default:
				return event
			}
			return nil
		case ModeDevices:
			role := ui.focusedRole()
			if role == "" {
				return event
			}
			// Releasing a device waits for its write queue; keep that off the
			// UI goroutine.
			switch event.Rune() {
			case 'r':
				go_func_utils.SafeGo(ui.logger, func() { ctl.ReconnectDevice(role) })
			case 'f':
				go_func_utils.SafeGo(ui.logger, func() { ctl.ForgetDevice(role) })
			default:
				return event
			}
			return nil
		}
		return event
	})
}

func (ui *CursesView) GetLogViewHeight() int {
	_, _, _, height := ui.logView.GetInnerRect()
	return height
}

func (ui *CursesView) ClearLogView() {
	ui.logView.Clear()
}

func (ui *CursesView) WriteLogLine(line string) error {
	_, err := fmt.Fprint(ui.logView, tview.Escape(line))
	return err
}

func (ui *CursesView) UpdateState(st engine.State) {
	ui.metricsPanel.SetText(metricsText(st))
	ui.controlsPanel.SetText(controlsText(st))
	ui.ridePanel.SetText(rideText(st))
}

func (ui *CursesView) SetDevices(devices []DeviceStatus) {
	for _, d := range devices {
		if panel, ok := ui.devicePanels[d.Role]; ok {
			panel.SetText(deviceText(d))
		}
	}
}

func (ui *CursesView) Draw() error {
	ui.app.Draw()
	return nil
}

func (ui *CursesView) Run() error {
	// SetRoot resets focus, so focus is set again afterwards.
	ui.app.SetRoot(ui.mainFlex, true)
	ui.setFocusForCurrentMode()
	return ui.app.Run()
}

func (ui *CursesView) Stop() {
	ui.app.Stop()
}
