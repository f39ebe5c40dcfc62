package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/erg-engine/internal/fitexport"
	"github.com/lowaak/smart-trainer/erg-engine/internal/ride"
	"github.com/lowaak/smart-trainer/erg-engine/internal/supervisor"
)

var ridesCmd = &cobra.Command{
	Use:   "rides",
	Short: "List stored rides",
	Long: `Lists the rides in the ride database, newest first. Ride ids may be
shortened to any unique prefix in the export and rides delete commands.`,
	Args: cobra.NoArgs,
	RunE: runRides,
}

var ridesDeleteCmd = &cobra.Command{
	Use:   "delete <ride-id>",
	Short: "Delete a stored ride and its samples",
	Args:  cobra.ExactArgs(1),
	RunE:  runRidesDelete,
}

var exportCmd = &cobra.Command{
	Use:   "export <ride-id> <file.fit>",
	Short: "Export a stored ride as a FIT activity file",
	Args:  cobra.ExactArgs(2),
	RunE:  runExport,
}

var forgetCmd = &cobra.Command{
	Use:       "forget <trainer|heart-rate>",
	Short:     "Forget the remembered device for a role",
	Long:      `Clears the remembered device so the next ride searches for one again.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(supervisor.RoleTrainer), string(supervisor.RoleHeartRate)},
	RunE:      runForget,
}

var ridesLimit int

func init() {
	ridesCmd.Flags().IntVarP(&ridesLimit, "limit", "n", 20, "Number of rides to list (0 for all)")
	ridesCmd.AddCommand(ridesDeleteCmd)
}

func runRides(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := openStore(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer db.Close()

	rides, err := db.ListRides(ridesLimit)
	if err != nil {
		return err
	}
	if len(rides) == 0 {
		color.Yellow("No rides yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tWORKOUT\tSTATUS\tTIME\tAVG W\tNP\tIF\tTSS")
	for _, r := range rides {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0f\t%.0f\t%.2f\t%.0f\n",
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.WorkoutName,
			r.Status,
			formatMinutes(time.Duration(r.DurationSec)*time.Second),
			r.AvgPower,
			r.NormalizedPower,
			r.IntensityFactor,
			r.TSS,
		)
	}
	return w.Flush()
}

func runRidesDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := openStore(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := db.ResolveRideID(args[0])
	if err != nil {
		return err
	}
	if err := db.DeleteRide(id); err != nil {
		return err
	}
	color.Green("Deleted ride %s", shortID(id))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := openStore(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := db.ResolveRideID(args[0])
	if err != nil {
		return err
	}
	r, err := db.GetRide(id, true)
	if err != nil {
		return err
	}
	if err := fitexport.WriteFile(args[1], r); err != nil {
		return err
	}
	color.Green("Wrote %s (%s, %d samples)", args[1], describeRide(r), len(r.Samples))
	return nil
}

func runForget(cmd *cobra.Command, args []string) error {
	role, err := supervisor.ParseRole(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := openStore(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer db.Close()

	ids := db.Identities()
	id, known, err := ids.Get(role)
	if err != nil {
		return err
	}
	if !known {
		color.Yellow("No %s remembered.", role)
		return nil
	}
	if err := ids.Clear(role); err != nil {
		return err
	}
	color.Green("Forgot %s %s (%s)", role, id.Name, id.Address)
	return nil
}

func describeRide(r ride.Record) string {
	return fmt.Sprintf("%s on %s, %s", r.WorkoutName, r.StartedAt.Local().Format("2006-01-02"), r.Status)
}
