package store

import (
	"database/sql"
	"errors"

	"github.com/lowaak/smart-trainer/erg-engine/internal/supervisor"
)

// IdentityStore persists the supervisor's remembered devices.
type IdentityStore struct {
	db *DB
}

var _ supervisor.IdentityStore = (*IdentityStore)(nil)

func (db *DB) Identities() *IdentityStore {
	return &IdentityStore{db: db}
}

func (s *IdentityStore) Get(role supervisor.Role) (supervisor.DeviceIdentity, bool, error) {
	id := supervisor.DeviceIdentity{Role: role}
	err := s.db.QueryRow(`SELECT address, name FROM device_identities WHERE role=?`, string(role)).
		Scan(&id.Address, &id.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return supervisor.DeviceIdentity{}, false, nil
	}
	if err != nil {
		return supervisor.DeviceIdentity{}, false, err
	}
	return id, true, nil
}

func (s *IdentityStore) Set(id supervisor.DeviceIdentity) error {
	_, err := s.db.Exec(`INSERT INTO device_identities(role,address,name,updated_at) VALUES(?,?,?,datetime('now'))
	ON CONFLICT(role) DO UPDATE SET
		address = excluded.address,
		name = excluded.name,
		updated_at = excluded.updated_at`,
		string(id.Role), id.Address, id.Name)
	return err
}

func (s *IdentityStore) Clear(role supervisor.Role) error {
	_, err := s.db.Exec(`DELETE FROM device_identities WHERE role = ?`, string(role))
	return err
}

// All returns every remembered device.
func (s *IdentityStore) All() ([]supervisor.DeviceIdentity, error) {
	rows, err := s.db.Query(`SELECT role, address, name FROM device_identities ORDER BY role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []supervisor.DeviceIdentity
	for rows.Next() {
		var id supervisor.DeviceIdentity
		var role string
		if err := rows.Scan(&role, &id.Address, &id.Name); err != nil {
			return nil, err
		}
		id.Role = supervisor.Role(role)
		out = append(out, id)
	}
	return out, rows.Err()
}
