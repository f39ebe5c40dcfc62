package supervisor

import (
	"fmt"
	"sync"

	"github.com/lowaak/smart-trainer/erg-engine/internal/protocol"
)

// Role is the job a device does in a ride.
type Role string

const (
	RoleTrainer   Role = "trainer"
	RoleHeartRate Role = "heart-rate"
)

// Roles lists every role in connection order.
var Roles = []Role{RoleTrainer, RoleHeartRate}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleTrainer, RoleHeartRate:
		return Role(s), nil
	case "hr":
		return RoleHeartRate, nil
	}
	return "", fmt.Errorf("unknown device role %q (want trainer or heart-rate)", s)
}

// ServiceUUIDs are the advertised services that make a scanned device a
// candidate for the role.
func (r Role) ServiceUUIDs() []string {
	if r == RoleHeartRate {
		return []string{protocol.ServiceUUIDHeartRate}
	}
	return protocol.TrainerServiceUUIDs
}

// DeviceIdentity is what is remembered about a device so it can be
// reconnected without scanning.
type DeviceIdentity struct {
	Role    Role
	Address string
	Name    string
}

// IdentityStore persists one DeviceIdentity per role.
type IdentityStore interface {
	Get(role Role) (DeviceIdentity, bool, error)
	Set(identity DeviceIdentity) error
	Clear(role Role) error
}

// MemoryIdentityStore keeps identities for the life of the process.
type MemoryIdentityStore struct {
	mu         sync.Mutex
	identities map[Role]DeviceIdentity
}

var _ IdentityStore = (*MemoryIdentityStore)(nil)

func NewMemoryIdentityStore(identities ...DeviceIdentity) *MemoryIdentityStore {
	s := &MemoryIdentityStore{identities: make(map[Role]DeviceIdentity)}
	for _, id := range identities {
		s.identities[id.Role] = id
	}
	return s
}

func (s *MemoryIdentityStore) Get(role Role) (DeviceIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[role]
	return id, ok, nil
}

func (s *MemoryIdentityStore) Set(identity DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.Role] = identity
	return nil
}

func (s *MemoryIdentityStore) Clear(role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, role)
	return nil
}
