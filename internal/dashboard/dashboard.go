// Package dashboard is the terminal front end of a ride: live metrics, the
// workout list, device status and a tail of the log.
package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
)

// LogTail is the in-memory log the dashboard follows.
type LogTail interface {
	Lines() []string
	Listen(ch chan<- string) func()
}

// Dashboard connects a View to the engine, the model and the log tail. It
// holds the logic every View implementation shares.
type Dashboard struct {
	view   View
	model  *Model
	ctl    *Controller
	engine Engine
	tail   LogTail
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type Args struct {
	View       View
	Model      *Model
	Controller *Controller
	Engine     Engine
	Tail       LogTail
	Logger     *log.Logger
}

func New(args Args) *Dashboard {
	if args.Logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	if args.View == nil {
		panic("Dashboard: view cannot be nil")
	}
	if args.Controller == nil {
		panic("Dashboard: controller cannot be nil")
	}
	if args.Model == nil {
		panic("Dashboard: model cannot be nil")
	}
	if args.Engine == nil {
		panic("Dashboard: engine cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		view:   args.View,
		model:  args.Model,
		ctl:    args.Controller,
		engine: args.Engine,
		tail:   args.Tail,
		logger: args.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	d.view.Initialize(d.ctl)
	d.view.SetupKeyboardHandlers(d.ctl)
	d.view.SetMode(d.model.Mode())
	d.view.SetWorkoutList(d.ctl.Workouts())
	d.view.SetDevices(d.model.Devices())
	d.view.UpdateState(d.engine.Snapshot())

	d.updateLogDisplay()
	go_func_utils.SafeGoWG(d.logger, &d.wg, d.monitorLogResize)
	d.setupListeners()
	return d
}

// listen runs handle for every value on ch until the dashboard shuts down.
func listen[T any](d *Dashboard, register func(chan<- T) func(), depth int, handle func(T)) {
	ch := make(chan T, depth)
	unregister := register(ch)
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		defer unregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case v := <-ch:
				handle(v)
			}
		}
	})
}

func (d *Dashboard) setupListeners() {
	listen(d, d.engine.ListenToState, 4, func(st engine.State) {
		d.view.UpdateState(st)
		d.draw()
	})
	listen(d, d.model.ListenToMode, 1, func(mode Mode) {
		d.view.SetMode(mode)
		d.draw()
	})
	listen(d, d.model.ListenToDevices, 1, func(devices []DeviceStatus) {
		d.view.SetDevices(devices)
		d.draw()
	})
	listen(d, d.model.ListenToClose, 1, func(struct{}) {
		d.view.Stop()
	})
	if d.tail != nil {
		listen(d, d.tail.Listen, 1, func(string) {
			d.updateLogDisplay()
			d.draw()
		})
	}
}

func (d *Dashboard) draw() {
	if err := d.view.Draw(); err != nil {
		d.logger.Printf("Dashboard: error drawing: %v", err)
	}
}

func (d *Dashboard) updateLogDisplay() {
	if d.tail == nil {
		return
	}
	height := d.view.GetLogViewHeight()
	if height <= 0 {
		return
	}
	lines := d.tail.Lines()
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	d.view.ClearLogView()
	for _, line := range lines {
		if err := d.view.WriteLogLine(line + "\n"); err != nil {
			d.logger.Printf("Dashboard: error writing to log view: %v", err)
		}
	}
}

func (d *Dashboard) monitorLogResize() {
	var lastHeight int
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			height := d.view.GetLogViewHeight()
			if height != lastHeight && height > 0 {
				lastHeight = height
				d.updateLogDisplay()
				d.draw()
			}
		}
	}
}

// Run blocks until the view exits.
func (d *Dashboard) Run() error {
	return d.view.Run()
}

func (d *Dashboard) Shutdown() {
	d.once.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
}
