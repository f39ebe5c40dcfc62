package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/ride"
	"github.com/lowaak/smart-trainer/erg-engine/internal/telemetry"
)

const rideColumns = `id,workout_id,workout_name,started_at,ended_at,ftp,status,duration_s,
	avg_power,max_power,avg_hr,max_hr,avg_cadence,np,intensity_factor,tss`

// SaveRide stores r and its samples in one transaction.
func (db *DB) SaveRide(r ride.Record) error {
	return db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO rides(`+rideColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.ID, r.WorkoutID, r.WorkoutName, formatTime(r.StartedAt), formatTime(r.EndedAt), r.FTP, string(r.Status),
			r.DurationSec, r.AvgPower, r.MaxPower, r.AvgHeartRate, r.MaxHeartRate, r.AvgCadence,
			r.NormalizedPower, r.IntensityFactor, r.TSS)
		if err != nil {
			return fmt.Errorf("insert ride %s: %w", r.ID, err)
		}
		return insertSamples(tx, r.ID, r.Samples)
	})
}

func insertSamples(tx *sql.Tx, rideID string, samples []telemetry.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO ride_samples(ride_id,t_offset_s,power_w,hr,cad) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range samples {
		var hr, cad interface{}
		if s.HasHeartRate {
			hr = s.HeartRate
		}
		if s.HasCadence {
			cad = s.Cadence
		}
		if _, err := stmt.Exec(rideID, s.Elapsed, s.Power, hr, cad); err != nil {
			return fmt.Errorf("insert sample %d of ride %s: %w", s.Elapsed, rideID, err)
		}
	}
	return nil
}

// GetRide loads one ride. Samples are read only when withSamples is set.
func (db *DB) GetRide(id string, withSamples bool) (ride.Record, error) {
	row := db.QueryRow(`SELECT `+rideColumns+` FROM rides WHERE id=?`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ride.Record{}, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ride.Record{}, err
	}
	if withSamples {
		if r.Samples, err = db.samples(id); err != nil {
			return ride.Record{}, err
		}
	}
	return r, nil
}

// ResolveRideID expands a unique prefix of a ride id.
func (db *DB) ResolveRideID(prefix string) (string, error) {
	rows, err := db.Query(`SELECT id FROM rides WHERE substr(id, 1, ?) = ? LIMIT 2`, len(prefix), prefix)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("ride %s: %w", prefix, ErrNotFound)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("%w: %s", ErrAmbiguous, prefix)
}

// ListRides returns the newest rides first, without samples. limit <= 0
// returns every ride.
func (db *DB) ListRides(limit int) ([]ride.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+rideColumns+` FROM rides ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rides []ride.Record
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, r)
	}
	return rides, rows.Err()
}

func (db *DB) DeleteRide(id string) error {
	res, err := db.Exec(`DELETE FROM rides WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) samples(rideID string) ([]telemetry.Sample, error) {
	rows, err := db.Query(`SELECT t_offset_s,power_w,hr,cad FROM ride_samples WHERE ride_id=? ORDER BY t_offset_s`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		var s telemetry.Sample
		var hr, cad sql.NullInt64
		if err := rows.Scan(&s.Elapsed, &s.Power, &hr, &cad); err != nil {
			return nil, err
		}
		s.HeartRate, s.HasHeartRate = int(hr.Int64), hr.Valid
		s.Cadence, s.HasCadence = int(cad.Int64), cad.Valid
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(row scanner) (ride.Record, error) {
	var r ride.Record
	var started, ended, status string
	err := row.Scan(&r.ID, &r.WorkoutID, &r.WorkoutName, &started, &ended, &r.FTP, &status, &r.DurationSec,
		&r.AvgPower, &r.MaxPower, &r.AvgHeartRate, &r.MaxHeartRate, &r.AvgCadence,
		&r.NormalizedPower, &r.IntensityFactor, &r.TSS)
	if err != nil {
		return ride.Record{}, err
	}
	r.Status = ride.Status(status)
	if r.StartedAt, err = parseTime(started); err != nil {
		return ride.Record{}, err
	}
	if r.EndedAt, err = parseTime(ended); err != nil {
		return ride.Record{}, err
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}
