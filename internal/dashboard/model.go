package dashboard

import (
	"fmt"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/events"
	"github.com/lowaak/smart-trainer/erg-engine/internal/supervisor"
)

// Mode is the screen shown on the left of the log view.
type Mode int

const (
	ModeRide Mode = iota
	ModeWorkouts
	ModeDevices
)

type ModeInfo struct {
	Mode        Mode
	DisplayName string
	KeyBinding  rune
}

var AllModes = []ModeInfo{
	{Mode: ModeRide, DisplayName: "Ride", KeyBinding: '1'},
	{Mode: ModeWorkouts, DisplayName: "Workouts", KeyBinding: '2'},
	{Mode: ModeDevices, DisplayName: "Devices", KeyBinding: '3'},
}

func ModeByKey(key rune) (Mode, bool) {
	for _, info := range AllModes {
		if info.KeyBinding == key {
			return info.Mode, true
		}
	}
	return 0, false
}

func InfoFor(mode Mode) (ModeInfo, bool) {
	for _, info := range AllModes {
		if info.Mode == mode {
			return info, true
		}
	}
	return ModeInfo{}, false
}

type LinkState string

const (
	LinkSearching    LinkState = "searching"
	LinkConnected    LinkState = "connected"
	LinkLost         LinkState = "lost"
	LinkReconnecting LinkState = "reconnecting"
	LinkGaveUp       LinkState = "gave up"
	LinkReleased     LinkState = "released"
	LinkFailed       LinkState = "connect failed"
)

// DeviceStatus is what the devices screen shows for one role.
type DeviceStatus struct {
	Role    supervisor.Role
	Name    string
	Address string
	State   LinkState
	Detail  string
}

// Model holds the dashboard state that does not come from the engine.
type Model struct {
	mu           sync.RWMutex
	mode         Mode
	devices      map[supervisor.Role]DeviceStatus
	modeEvent    *events.ChannelEvent[Mode]
	devicesEvent *events.ChannelEvent[[]DeviceStatus]
	closeEvent   *events.ChannelEvent[struct{}]
}

func NewModel() *Model {
	m := &Model{
		mode:         ModeRide,
		devices:      make(map[supervisor.Role]DeviceStatus),
		modeEvent:    events.NewChannelEvent[Mode](true),
		devicesEvent: events.NewChannelEvent[[]DeviceStatus](true),
		closeEvent:   events.NewChannelEvent[struct{}](true),
	}
	for _, role := range supervisor.Roles {
		m.devices[role] = DeviceStatus{Role: role, State: LinkSearching}
	}
	return m
}

func (m *Model) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

func (m *Model) SetMode(mode Mode) {
	m.mu.Lock()
	if m.mode == mode {
		m.mu.Unlock()
		return
	}
	m.mode = mode
	m.mu.Unlock()
	m.modeEvent.Notify(mode)
}

func (m *Model) ListenToMode(ch chan<- Mode) func() {
	return m.modeEvent.Listen(ch)
}

// Devices returns one status per role in supervisor.Roles order.
func (m *Model) Devices() []DeviceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devicesLocked()
}

func (m *Model) devicesLocked() []DeviceStatus {
	out := make([]DeviceStatus, 0, len(supervisor.Roles))
	for _, role := range supervisor.Roles {
		out = append(out, m.devices[role])
	}
	return out
}

func (m *Model) ListenToDevices(ch chan<- []DeviceStatus) func() {
	return m.devicesEvent.Listen(ch)
}

// ApplySupervisorEvent folds a supervisor event into the role's status.
// Events without a known role, such as a reclaimed orphan link, are ignored.
func (m *Model) ApplySupervisorEvent(ev supervisor.Event) {
	m.mu.Lock()
	st, ok := m.devices[ev.Role]
	if !ok {
		m.mu.Unlock()
		return
	}
	if ev.Address != "" {
		st.Address = ev.Address
	}
	st.Detail = ""
	switch ev.Kind {
	case supervisor.EventConnected, supervisor.EventReconnected:
		st.State = LinkConnected
		if ev.Device != nil && ev.Device.GetLocalName() != "" {
			st.Name = ev.Device.GetLocalName()
		}
	case supervisor.EventDisconnected:
		if ev.Unexpected {
			st.State = LinkLost
		} else {
			st.State = LinkReleased
		}
	case supervisor.EventReconnecting:
		st.State = LinkReconnecting
		st.Detail = fmt.Sprintf("attempt %d in %s", ev.Attempt, ev.Delay.Round(100*time.Millisecond))
	case supervisor.EventGaveUp:
		st.State = LinkGaveUp
	case supervisor.EventConnectFailed:
		st.State = LinkFailed
		if ev.Err != nil {
			st.Detail = ev.Err.Error()
		}
	}
	m.devices[ev.Role] = st
	devices := m.devicesLocked()
	m.mu.Unlock()
	m.devicesEvent.Notify(devices)
}

// ForgetDevice resets the role after its identity was cleared.
func (m *Model) ForgetDevice(role supervisor.Role) {
	m.mu.Lock()
	m.devices[role] = DeviceStatus{Role: role, State: LinkSearching}
	devices := m.devicesLocked()
	m.mu.Unlock()
	m.devicesEvent.Notify(devices)
}

func (m *Model) RequestClose() {
	m.closeEvent.Notify(struct{}{})
}

func (m *Model) ListenToClose(ch chan<- struct{}) func() {
	return m.closeEvent.Listen(ch)
}
