package btsim

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/bt"
	"github.com/lowaak/smart-trainer/erg-engine/internal/events"
	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/erg-engine/internal/protocol"
)

// TickInterval is how often connected devices advance and notify.
const TickInterval = 250 * time.Millisecond

// Manager is a simulated radio implementing bt.BTManagerInterface.
type Manager struct {
	logger                *log.Logger
	devices               []*Device
	mu                    sync.RWMutex
	scanning              bool
	poweredOn             bool
	ticking               bool
	scanDeviceListEvent   *events.ChannelEvent[[]bt.BTDevice]
	connectedDevicesEvent *events.ChannelEvent[[]bt.BTDevice]
	connectionEvent       *events.ChannelEvent[bt.ConnectionEvent]
	powerStateEvent       *events.ChannelEvent[bool]
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
}

var _ bt.BTManagerInterface = (*Manager)(nil)

// DefaultDevices returns one simulated HR strap, FTMS trainer and FE-C
// trainer, with control APIs on basePort+1, +2 and +3. A basePort of 0
// disables the APIs.
func DefaultDevices(logger *log.Logger, basePort int) []*Device {
	port := func(offset int) int {
		if basePort == 0 {
			return 0
		}
		return basePort + offset
	}
	return []*Device{
		NewDevice(logger, Config{Address: "00:11:22:33:44:01", LocalName: "Sim HR", Profile: ProfileHeartRate, HTTPPort: port(1)}),
		NewDevice(logger, Config{Address: "00:11:22:33:44:02", LocalName: "Sim FTMS Trainer", Profile: ProfileFTMS, HTTPPort: port(2)}),
		NewDevice(logger, Config{Address: "00:11:22:33:44:03", LocalName: "Sim FE-C Trainer", Profile: ProfileFEC, HTTPPort: port(3)}),
	}
}

func NewManager(logger *log.Logger, devices ...*Device) *Manager {
	if logger == nil {
		panic("btsim.Manager: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:                logger,
		devices:               devices,
		scanDeviceListEvent:   events.NewChannelEvent[[]bt.BTDevice](true),
		connectedDevicesEvent: events.NewChannelEvent[[]bt.BTDevice](true),
		connectionEvent:       events.NewChannelEvent[bt.ConnectionEvent](false),
		powerStateEvent:       events.NewChannelEvent[bool](true),
		ctx:                   ctx,
		cancel:                cancel,
	}
	for _, d := range devices {
		d.linkLost = m.onLinkLost
	}
	return m
}

func (m *Manager) Devices() []*Device {
	return m.devices
}

func (m *Manager) Device(address string) *Device {
	for _, d := range m.devices {
		if d.cfg.Address == address {
			return d
		}
	}
	return nil
}

// Enable starts the control APIs and the notification ticker.
func (m *Manager) Enable() error {
	for _, d := range m.devices {
		d.startServer()
	}
	m.startTicker(TickInterval)
	m.SetPowered(true)
	return nil
}

// SetPowered simulates the radio being switched off and on. Switching off
// drops every link.
func (m *Manager) SetPowered(on bool) {
	m.mu.Lock()
	m.poweredOn = on
	m.mu.Unlock()
	if !on {
		for _, d := range m.devices {
			d.DropLink()
		}
	}
	m.logger.Printf("btsim: radio powered on: %v", on)
	m.powerStateEvent.Notify(on)
}

func (m *Manager) IsPoweredOn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.poweredOn
}

func (m *Manager) startTicker(interval time.Duration) {
	m.mu.Lock()
	if m.ticking {
		m.mu.Unlock()
		return
	}
	m.ticking = true
	m.mu.Unlock()

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.Tick(interval)
			}
		}
	})
}

// Tick advances every device by dt. Tests call it directly instead of Enable.
func (m *Manager) Tick(dt time.Duration) {
	for _, d := range m.devices {
		d.Tick(dt)
	}
}

func (m *Manager) GetBTDeviceByAddressString(addressString string) bt.BTDevice {
	if d := m.Device(addressString); d != nil {
		return d
	}
	return nil
}

// StartScan reports every in-range device whose advertised services match the
// filter. Devices that advertise nothing only show up in unfiltered scans.
func (m *Manager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	m.scanning = true
	m.mu.Unlock()

	found := make([]bt.BTDevice, 0, len(m.devices))
	now := time.Now()
	for _, d := range m.devices {
		if !d.State().InRange || !matchesFilter(d, serviceUuidFilter) {
			continue
		}
		d.markScanned(now)
		found = append(found, d)
		m.logger.Printf("btsim: Found device: %s (%s)", d.cfg.LocalName, d.cfg.Address)
	}
	m.scanDeviceListEvent.Notify(found)
}

func matchesFilter(d *Device, filter []string) bool {
	if filter == nil {
		return true
	}
	for _, uuid := range filter {
		if protocol.ContainsService(d.GetServiceUUIDs(), uuid) {
			return true
		}
	}
	return false
}

func (m *Manager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	return nil
}

func (m *Manager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *Manager) Connect(device bt.BTDevice) error {
	d := m.Device(device.GetAddressString())
	if d == nil {
		return fmt.Errorf("unknown device %s", device.GetAddressString())
	}
	return m.connect(d)
}

func (m *Manager) connect(d *Device) error {
	if !m.IsPoweredOn() {
		return fmt.Errorf("radio is powered off")
	}
	wasConnected := d.IsConnected()
	if err := d.connect(); err != nil {
		return err
	}
	if !wasConnected {
		m.notifyConnection(bt.ConnectionEvent{Address: d.cfg.Address, Connected: true})
		m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
	}
	return nil
}

func (m *Manager) ConnectAddress(ctx context.Context, address string) (bt.BTDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := m.Device(address)
	if d == nil {
		return nil, fmt.Errorf("no device at %s", address)
	}
	if err := m.connect(d); err != nil {
		return nil, err
	}
	return d, nil
}

// AttachOrphan connects a device without anyone asking, like a link the OS
// kept open from a previous run.
func (m *Manager) AttachOrphan(address string) error {
	d := m.Device(address)
	if d == nil {
		return fmt.Errorf("no device at %s", address)
	}
	return m.connect(d)
}

func (m *Manager) Disconnect(device bt.BTDevice) error {
	d := m.Device(device.GetAddressString())
	if d == nil {
		return fmt.Errorf("unknown device %s", device.GetAddressString())
	}
	if d.disconnect() {
		m.onLinkLost(d)
	}
	return nil
}

func (m *Manager) onLinkLost(d *Device) {
	m.notifyConnection(bt.ConnectionEvent{Address: d.cfg.Address, Connected: false})
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
}

func (m *Manager) notifyConnection(ev bt.ConnectionEvent) {
	if dropped := m.connectionEvent.Notify(ev); dropped > 0 {
		m.logger.Printf("btsim: %d listeners missed the connection event for %s", dropped, ev.Address)
	}
}

func (m *Manager) GetConnectedDevices() []bt.BTDevice {
	result := make([]bt.BTDevice, 0)
	for _, d := range m.devices {
		if d.IsConnected() {
			result = append(result, d)
		}
	}
	return result
}

func (m *Manager) GetScanDevices() []bt.BTDevice {
	result := make([]bt.BTDevice, 0)
	for _, d := range m.devices {
		if d.IsRecentlyScanned() {
			result = append(result, d)
		}
	}
	return result
}

func (m *Manager) ListenToDeviceList(ch chan<- []bt.BTDevice) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

func (m *Manager) ListenToConnectedDevices(ch chan<- []bt.BTDevice) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

func (m *Manager) ListenToConnectionEvents(ch chan<- bt.ConnectionEvent) func() {
	return m.connectionEvent.Listen(ch)
}

func (m *Manager) ListenToPowerState(ch chan<- bool) func() {
	return m.powerStateEvent.Listen(ch)
}

func (m *Manager) Shutdown() {
	m.logger.Println("btsim: Shutting down")
	for _, d := range m.devices {
		if d.disconnect() {
			m.onLinkLost(d)
		}
		d.stopServer()
	}
	m.cancel()
	m.wg.Wait()
	for _, d := range m.devices {
		d.wg.Wait()
	}
	m.logger.Println("btsim: Shutdown complete")
}
