package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rivo/tview"
	"github.com/spf13/cobra"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/erg-engine/internal/bt"
	"github.com/lowaak/smart-trainer/erg-engine/internal/bt/btsim"
	"github.com/lowaak/smart-trainer/erg-engine/internal/config"
	"github.com/lowaak/smart-trainer/erg-engine/internal/dashboard"
	"github.com/lowaak/smart-trainer/erg-engine/internal/engine"
	"github.com/lowaak/smart-trainer/erg-engine/internal/fitexport"
	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/erg-engine/internal/logging"
	"github.com/lowaak/smart-trainer/erg-engine/internal/ride"
	"github.com/lowaak/smart-trainer/erg-engine/internal/statefeed"
	"github.com/lowaak/smart-trainer/erg-engine/internal/store"
	"github.com/lowaak/smart-trainer/erg-engine/internal/supervisor"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

var rideCmd = &cobra.Command{
	Use:   "ride",
	Short: "Connect the devices and ride a workout",
	Long: `Connects the trainer and heart rate strap, loads the workout and opens the
dashboard. Keys: 1/2/3 switch screens, Space starts or pauses, X stops,
+/- move the power offset, Left/Right skip steps, Esc quits.

Finished and stopped rides are saved to the ride database.`,
	Args: cobra.NoArgs,
	RunE: runRide,
}

func runRide(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	lib, selected, err := loadLibrary(cfg)
	if err != nil {
		return err
	}
	w, err := lib.Get(selected)
	if err != nil {
		return err
	}

	sink, err := logging.Open(logging.Options{
		Path:       cfg.LogPath(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer sink.Close()
	logger := sink.Logger()

	db, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	manager := newManager(cfg, logger)
	if err := manager.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth: %w", err)
	}
	defer manager.Shutdown()

	sup := supervisor.New(logger, manager, db.Identities(), cfg.SupervisorOptions())
	eng := engine.New(logger, engine.Options{
		FTP:       cfg.FTP,
		HRControl: cfg.HRControlOptions(),
		Releaser:  sup,
	})

	if !sup.RadioAvailable() {
		_ = eng.SetRadioAvailable(false)
	}

	model := dashboard.NewModel()
	link := newDeviceLink(logger, eng, model)
	unlistenSup := sup.Listen(link.onEvent)
	sup.Start()

	saver := newRideSaver(logger, db, cfg)
	unlistenRides := eng.ListenToRides(saver.save)

	rides := &rideEngine{Engine: eng, sup: sup, cfg: cfg, logger: logger}
	if err := rides.LoadWorkout(w, 0); err != nil {
		logger.Printf("Main: cannot load %s: %v", w.Name, err)
	}

	var feed *statefeed.Feed
	if cfg.StateFeed.Addr != "" {
		feed = statefeed.New(logger, eng)
		feed.ListenAndServe(cfg.StateFeed.Addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go_func_utils.SafeGo(logger, func() {
		<-ctx.Done()
		model.RequestClose()
	})

	view := dashboard.NewCursesView(logger, tview.NewApplication())
	ctl := dashboard.NewController(model, rides, sup, lib.List(), logger)
	dash := dashboard.New(dashboard.Args{
		View:       view,
		Model:      model,
		Controller: ctl,
		Engine:     rides,
		Tail:       sink.Tail(),
		Logger:     logger,
	})
	runErr := dash.Run()
	stop()

	dash.Shutdown()
	if feed != nil {
		feed.Shutdown()
	}
	eng.Shutdown()
	unlistenRides()
	sup.Shutdown()
	unlistenSup()
	link.Shutdown()
	saver.Wait()
	logger.Println("Main: bye")
	return runErr
}

func newManager(cfg config.Config, logger *log.Logger) bt.BTManagerInterface {
	if cfg.Mock {
		devices := btsim.DefaultDevices(logger, cfg.Sim.HTTPPort)
		for _, d := range devices {
			logger.Printf("Main: simulated %s %s (%s)", d.Profile(), d.GetLocalName(), d.GetAddressString())
		}
		return btsim.NewManager(logger, devices...)
	}
	return bt.NewBTManager(bluetooth.DefaultAdapter, logger, bt.ManagerOptions{})
}

func addressFor(cfg config.Config, role supervisor.Role) string {
	if role == supervisor.RoleTrainer {
		return cfg.Trainer
	}
	return cfg.HR
}

// rideEngine asks for the devices again whenever a workout is loaded, since
// stopping a ride releases them.
type rideEngine struct {
	*engine.Engine
	sup    *supervisor.Supervisor
	cfg    config.Config
	logger *log.Logger
}

func (e *rideEngine) LoadWorkout(w workout.Workout, ftpOverride int) error {
	if err := e.Engine.LoadWorkout(w, ftpOverride); err != nil {
		return err
	}
	for _, role := range supervisor.Roles {
		if e.sup.Device(role) != nil || e.sup.ReconnectPending(role) {
			continue
		}
		if err := e.sup.Acquire(role, addressFor(e.cfg, role)); err != nil {
			e.logger.Printf("Main: acquire %s: %v", role, err)
		}
	}
	return nil
}

// deviceLink applies supervisor events to the engine and the dashboard model
// in order, on its own goroutine. Supervisor listeners must not block and the
// engine may be releasing devices while an event arrives.
type deviceLink struct {
	logger *log.Logger
	engine *engine.Engine
	model  *dashboard.Model
	events chan supervisor.Event
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func newDeviceLink(logger *log.Logger, eng *engine.Engine, model *dashboard.Model) *deviceLink {
	l := &deviceLink{
		logger: logger,
		engine: eng,
		model:  model,
		events: make(chan supervisor.Event, 64),
		quit:   make(chan struct{}),
	}
	go_func_utils.SafeGoWG(logger, &l.wg, l.run)
	return l
}

func (l *deviceLink) onEvent(ev supervisor.Event) {
	select {
	case l.events <- ev:
	case <-l.quit:
	}
}

func (l *deviceLink) run() {
	for {
		select {
		case <-l.quit:
			return
		case ev := <-l.events:
			l.apply(ev)
		}
	}
}

func (l *deviceLink) apply(ev supervisor.Event) {
	l.model.ApplySupervisorEvent(ev)

	var err error
	switch ev.Kind {
	case supervisor.EventConnected, supervisor.EventReconnected:
		if ev.Device == nil {
			return
		}
		if ev.Role == supervisor.RoleTrainer {
			err = l.engine.AttachTrainer(ev.Device)
		} else {
			err = l.engine.AttachHeartRate(ev.Device)
		}
	case supervisor.EventDisconnected:
		err = l.engine.DetachDevice(ev.Address)
	case supervisor.EventGaveUp:
		if ev.Role == supervisor.RoleTrainer {
			err = l.engine.Fail(fmt.Sprintf("trainer %s could not be reconnected", ev.Address))
		}
	case supervisor.EventOrphanReclaimed:
		l.logger.Printf("Main: closed a stale link to %s", ev.Address)
	case supervisor.EventRadioOff:
		err = l.engine.SetRadioAvailable(false)
	case supervisor.EventRadioOn:
		err = l.engine.SetRadioAvailable(true)
	}
	if err != nil && !errors.Is(err, engine.ErrEngineStopped) {
		l.logger.Printf("Main: %s %s: %v", ev.Kind, ev.Role, err)
	}
}

func (l *deviceLink) Shutdown() {
	l.once.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}

// rideSaver stores every finished ride, and writes its FIT file when
// configured, off the engine goroutine.
type rideSaver struct {
	logger *log.Logger
	db     *store.DB
	fitDir string
	wg     sync.WaitGroup
}

func newRideSaver(logger *log.Logger, db *store.DB, cfg config.Config) *rideSaver {
	s := &rideSaver{logger: logger, db: db}
	if cfg.ExportFIT {
		s.fitDir = cfg.FITDir()
	}
	return s
}

func (s *rideSaver) save(r ride.Record) {
	go_func_utils.SafeGoWG(s.logger, &s.wg, func() { s.persist(r) })
}

func (s *rideSaver) persist(r ride.Record) {
	if err := s.db.SaveRide(r); err != nil {
		s.logger.Printf("Main: save ride %s: %v", r.ID, err)
		return
	}
	s.logger.Printf("Main: saved %s ride %s (%s, %d s, TSS %.0f)", r.Status, shortID(r.ID), r.WorkoutName, r.DurationSec, r.TSS)

	if s.fitDir == "" {
		return
	}
	if len(r.Samples) == 0 {
		s.logger.Printf("Main: ride %s has no samples, no FIT file written", shortID(r.ID))
		return
	}
	if err := os.MkdirAll(s.fitDir, 0o755); err != nil {
		s.logger.Printf("Main: create %s: %v", s.fitDir, err)
		return
	}
	path := filepath.Join(s.fitDir, fitFileName(r))
	if err := fitexport.WriteFile(path, r); err != nil {
		s.logger.Printf("Main: export ride %s: %v", shortID(r.ID), err)
		return
	}
	s.logger.Printf("Main: wrote %s", path)
}

func (s *rideSaver) Wait() {
	s.wg.Wait()
}

func fitFileName(r ride.Record) string {
	return fmt.Sprintf("%s-%s.fit", r.StartedAt.Format("2006-01-02-150405"), shortID(r.ID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
