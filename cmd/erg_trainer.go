package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/erg-engine/internal/config"
	"github.com/lowaak/smart-trainer/erg-engine/internal/store"
	"github.com/lowaak/smart-trainer/erg-engine/internal/workout"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "erg-trainer",
	Short: "Structured workouts on a smart trainer in ERG mode",
	Long: `Drives a Bluetooth smart trainer (FTMS or FE-C) through a structured workout:

- keeps the trainer at the target power of every step
- holds heart rate inside a zone on heart rate steps
- reconnects to remembered devices after a dropout
- stores every ride and exports it as a FIT file

Run without a command to start a ride.`,
	SilenceUsage: true,
	RunE:         runRide,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(rideCmd)
	rootCmd.AddCommand(workoutsCmd)
	rootCmd.AddCommand(ridesCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(forgetCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default $HOME/.erg-trainer/config.yaml)")
	flags.String("data-dir", "", "Directory for the ride database, log and FIT files")
	flags.Int("ftp", 0, "Functional threshold power in watts")
	flags.Int("max-hr", 0, "Maximum heart rate, used by heart rate workouts")
	flags.Bool("mock", false, "Use simulated devices instead of the Bluetooth radio")
	flags.String("trainer", "", "Trainer address")
	flags.String("hr", "", "Heart rate strap address")
	flags.Bool("auto-select", true, "Connect the first matching device when none is remembered")
	flags.String("workout", "", "Built-in workout id")
	flags.String("workout-file", "", "Workout file to load (YAML or JSON)")
	flags.String("workout-dir", "", "Directory of extra workout files")
	flags.String("state-feed", "", "Listen address of the WebSocket state feed")
	flags.String("log-file", "", "Log file")
	flags.Int("sim-port", 0, "Base port of the simulator control APIs")
	flags.Bool("export-fit", false, "Write a FIT file for every saved ride")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(cmd.Flags(), configFile)
}

// openStore opens the ride database with migrations applied.
func openStore(cfg config.Config, logger *log.Logger) (*store.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := store.OpenMigrated(logger, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open ride database: %w", err)
	}
	return db, nil
}

// quietLogger is used by the listing commands, which print to stdout.
func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// loadLibrary returns the built-in workouts plus those in the configured
// directory and file, and the id of the workout to ride: the workout file's
// when one is given, else the configured id.
func loadLibrary(cfg config.Config) (*workout.Library, string, error) {
	lib := workout.NewBuiltinLibrary(cfg.MaxHR)
	if cfg.WorkoutDir != "" {
		if err := lib.AddDir(cfg.WorkoutDir); err != nil {
			return nil, "", err
		}
	}
	selected := cfg.Workout
	if cfg.WorkoutFile != "" {
		w, err := workout.LoadFile(cfg.WorkoutFile)
		if err != nil {
			return nil, "", err
		}
		// the file may also live in the workout directory
		if err := lib.Add(w); err != nil && !errors.Is(err, workout.ErrDuplicateID) {
			return nil, "", err
		}
		selected = w.ID
	}
	return lib, selected, nil
}
