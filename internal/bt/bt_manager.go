package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/lowaak/smart-trainer/erg-engine/internal/events"
	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/erg-engine/internal/safe_map"

	"tinygo.org/x/bluetooth"
)

// ConnectionEvent is published for every OS-level connect or disconnect,
// including links the application did not ask for.
type ConnectionEvent struct {
	Address   string
	Connected bool
}

// BTManagerInterface is the radio as seen by the supervisor. The simulator in
// btsim implements it too.
type BTManagerInterface interface {
	Enable() error
	IsPoweredOn() bool
	GetBTDeviceByAddressString(addressString string) BTDevice
	StartScan(serviceUuidFilter []string)
	StopScan() error
	IsScanning() bool
	Connect(device BTDevice) error
	// ConnectAddress connects to a device that has not been scanned in this
	// run, such as one remembered from an earlier session.
	ConnectAddress(ctx context.Context, address string) (BTDevice, error)
	Disconnect(device BTDevice) error
	GetConnectedDevices() []BTDevice
	GetScanDevices() []BTDevice
	ListenToDeviceList(ch chan<- []BTDevice) func()
	ListenToConnectedDevices(ch chan<- []BTDevice) func()
	ListenToConnectionEvents(ch chan<- ConnectionEvent) func()
	// ListenToPowerState reports every change of the radio's power, true
	// when it becomes usable and false when it is lost.
	ListenToPowerState(ch chan<- bool) func()
	Shutdown()
}

var _ BTManagerInterface = (*BTManager)(nil)

type ManagerOptions struct {
	ScanTimeout        time.Duration `default:"10s"`
	WriteQueueDepth    int           `default:"4"`
	// PowerRetryInterval is how often a radio that failed is re-enabled.
	PowerRetryInterval time.Duration `default:"5s"`
}

type BTManager struct {
	adapter               *bluetooth.Adapter
	opts                  ManagerOptions
	devicesByAddress      *safe_map.SafeMap[string, *btDeviceImpl]
	mu                    sync.RWMutex
	scanning              bool
	poweredOn             bool
	reenabling            bool
	scanContextCancel     context.CancelFunc
	scanDeviceListEvent   *events.ChannelEvent[[]BTDevice]
	connectedDevicesEvent *events.ChannelEvent[[]BTDevice]
	connectionEvent       *events.ChannelEvent[ConnectionEvent]
	powerStateEvent       *events.ChannelEvent[bool]
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
	logger                *log.Logger
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger, opts ManagerOptions) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if adapter == nil {
		panic("BTManager: adapter cannot be nil")
	}
	defaults.SetDefaults(&opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:               adapter,
		opts:                  opts,
		devicesByAddress:      safe_map.NewSafeMap[string, *btDeviceImpl](),
		scanDeviceListEvent:   events.NewChannelEvent[[]BTDevice](true),
		connectedDevicesEvent: events.NewChannelEvent[[]BTDevice](true),
		connectionEvent:       events.NewChannelEvent[ConnectionEvent](false),
		powerStateEvent:       events.NewChannelEvent[bool](true),
		ctx:                   ctx,
		cancel:                cancel,
		logger:                logger,
	}
}

// GetBTDeviceByAddressString returns a BTDevice by its address string, or nil if not found
func (m *BTManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	if device, ok := m.devicesByAddress.Load(addressString); ok {
		return device
	}
	return nil
}

func (m *BTManager) getBTDeviceImpl(address bluetooth.Address) (*btDeviceImpl, bool) {
	if existing, ok := m.devicesByAddress.Load(address.String()); ok {
		return existing, false
	}
	candidate := newBtDeviceImpl(m.logger, address, m.opts.ScanTimeout, m.opts.WriteQueueDepth)
	actual, loaded := m.devicesByAddress.LoadOrStore(candidate.GetAddressString(), candidate)
	return actual, !loaded
}

func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		d, _ := m.getBTDeviceImpl(device.Address)
		if connected {
			m.logger.Printf("BTManager: Device connected: %s", addressStr)
			d.setConnectedDevice(&device)
		} else {
			m.logger.Printf("BTManager: Device disconnected: %s", addressStr)
			d.setConnectedDevice(nil)
		}
		if dropped := m.connectionEvent.Notify(ConnectionEvent{Address: addressStr, Connected: connected}); dropped > 0 {
			m.logger.Printf("BTManager: %d listeners missed the connection event for %s", dropped, addressStr)
		}
		m.emitConnectedDevicesChange()
	})

	if err := m.adapter.Enable(); err != nil {
		m.setPowered(false)
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	m.setPowered(true)
	return nil
}

// setPowered records the radio state and publishes it when it changed.
func (m *BTManager) setPowered(on bool) {
	m.mu.Lock()
	changed := m.poweredOn != on
	m.poweredOn = on
	m.mu.Unlock()
	if changed {
		m.logger.Printf("BTManager: radio powered on: %v", on)
		m.powerStateEvent.Notify(on)
	}
}

// radioLost marks the radio unusable and re-enables it every
// PowerRetryInterval until that works. The adapter has no power callback, so
// a failing scan is the signal.
func (m *BTManager) radioLost(err error) {
	m.logger.Printf("BTManager: radio unusable: %v", err)
	m.setPowered(false)

	m.mu.Lock()
	if m.reenabling {
		m.mu.Unlock()
		return
	}
	m.reenabling = true
	m.mu.Unlock()

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer func() {
			m.mu.Lock()
			m.reenabling = false
			m.mu.Unlock()
		}()
		ticker := time.NewTicker(m.opts.PowerRetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if err := m.adapter.Enable(); err == nil {
					m.setPowered(true)
					return
				}
			}
		}
	})
}

func (m *BTManager) IsPoweredOn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.poweredOn
}

// StartScan scans until StopScan. A nil filter reports every device, which is
// what trainer discovery needs since FE-C trainers rarely advertise their service.
func (m *BTManager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filterSet map[string]struct{}
	if serviceUuidFilter != nil {
		filterSet = make(map[string]struct{}, len(serviceUuidFilter))
		for _, filter := range serviceUuidFilter {
			filterSet[filter] = struct{}{}
		}
	}
	m.logger.Printf("BTManager: Starting scan, filter %v", serviceUuidFilter)

	if m.scanning && m.scanContextCancel != nil {
		m.logger.Printf("BTManager: Restarting running scan")
		m.scanContextCancel()
	}

	m.scanning = true
	scanContext, cancel := context.WithCancel(m.ctx)
	m.scanContextCancel = cancel

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		m.cleanupStaleDevices(scanContext)
	})

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer m.logger.Printf("BTManager: exiting scan handling loop")

		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
			select {
			case <-scanContext.Done():
				// still need StopScan on the adapter
				return
			default:
			}

			if filterSet != nil {
				found := false
				for _, uuid := range device.ServiceUUIDs() {
					if _, ok := filterSet[uuid.String()]; ok {
						found = true
						break
					}
				}
				if !found {
					return
				}
			}

			d, newObj := m.getBTDeviceImpl(device.Address)
			d.setScanResult(&device)
			d.setScanLastSeen(time.Now())
			if uuids := device.ServiceUUIDs(); len(uuids) > 0 {
				d.setAdvertisedServiceUUIDs(uuids)
			}
			if newObj {
				m.logger.Printf("BTManager: Found device: %s (%s) [RSSI: %d]", d.GetLocalName(), d.GetAddressString(), device.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("BTManager: Scan error: %v", err)
			if scanContext.Err() == nil {
				m.radioLost(err)
			}
		}
	})

	// debounce scan results to once per second
	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-scanContext.Done():
				return
			case <-ticker.C:
				m.scanDeviceListEvent.Notify(m.GetScanDevices())
			}
		}
	})
}

// Shutdown disconnects every device and waits for the scan goroutines.
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: Shutting down")
	for _, dev := range m.GetConnectedDevices() {
		if err := m.Disconnect(dev); err != nil {
			m.logger.Printf("BTManager: Error disconnecting from %v: %v", dev.GetAddressString(), err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: Error stopping scan: %v", err)
	}
	m.mu.Lock()
	m.poweredOn = false
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	m.logger.Println("BTManager: Shutdown complete")
}

// cleanupStaleDevices forgets devices that stopped advertising. Connected
// devices are kept no matter how long ago they were last seen.
func (m *BTManager) cleanupStaleDevices(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.devicesByAddress.Range(func(address string, d *btDeviceImpl) bool {
				if d.GetState() == Disconnected && now.Sub(d.GetScanLastSeen()) > m.opts.ScanTimeout {
					m.devicesByAddress.Delete(address)
					m.logger.Printf("BTManager: Device timeout: %s (not seen for %v)", address, m.opts.ScanTimeout)
				}
				return true
			})
		}
	}
}

func (m *BTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return nil
	}
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	return m.adapter.StopScan()
}

func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Connect connects to a scanned device and blocks until the link is up.
func (m *BTManager) Connect(device BTDevice) error {
	addressStr := device.GetAddressString()
	d, ok := m.devicesByAddress.Load(addressStr)
	if !ok {
		return fmt.Errorf("unknown device %s", addressStr)
	}
	return m.connect(d)
}

func (m *BTManager) connect(d *btDeviceImpl) error {
	m.logger.Printf("BTManager: Connecting to %s", d.GetAddressString())
	d.setState(Connecting)

	connected, err := m.adapter.Connect(d.getAddress(), bluetooth.ConnectionParams{})
	if err != nil {
		d.setState(Disconnected)
		m.logger.Printf("BTManager: Connection error: %v", err)
		return fmt.Errorf("connect %s: %w", d.GetAddressString(), err)
	}
	// the connect handler may already have done this
	d.setConnectedDevice(&connected)
	m.logger.Printf("BTManager: Connected to %s", d.GetAddressString())
	return nil
}

func (m *BTManager) ConnectAddress(ctx context.Context, address string) (BTDevice, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	d, _ := m.getBTDeviceImpl(addr)

	// adapter.Connect cannot be cancelled; a late success still reaches the
	// connect handler and shows up as a ConnectionEvent.
	done := make(chan error, 1)
	go_func_utils.SafeGo(m.logger, func() {
		done <- m.connect(d)
	})
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *BTManager) Disconnect(device BTDevice) error {
	addressStr := device.GetAddressString()
	d, ok := m.devicesByAddress.Load(addressStr)
	if !ok {
		return fmt.Errorf("unknown device %s", addressStr)
	}
	innerDevice := d.getConnectedDevice()
	if innerDevice == nil {
		return nil
	}
	m.logger.Printf("BTManager: Disconnecting from %s", addressStr)
	return innerDevice.Disconnect()
}

func (m *BTManager) GetConnectedDevices() []BTDevice {
	result := make([]BTDevice, 0)
	m.devicesByAddress.Range(func(_ string, d *btDeviceImpl) bool {
		if d.IsConnected() {
			result = append(result, d)
		}
		return true
	})
	return result
}

func (m *BTManager) GetScanDevices() []BTDevice {
	result := make([]BTDevice, 0)
	m.devicesByAddress.Range(func(_ string, d *btDeviceImpl) bool {
		if d.IsRecentlyScanned() {
			result = append(result, d)
		}
		return true
	})
	return result
}

// ListenToDeviceList registers a channel for scan results, at most once per second.
func (m *BTManager) ListenToDeviceList(ch chan<- []BTDevice) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

func (m *BTManager) ListenToConnectedDevices(ch chan<- []BTDevice) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

func (m *BTManager) ListenToConnectionEvents(ch chan<- ConnectionEvent) func() {
	return m.connectionEvent.Listen(ch)
}

func (m *BTManager) ListenToPowerState(ch chan<- bool) func() {
	return m.powerStateEvent.Listen(ch)
}

func (m *BTManager) emitConnectedDevicesChange() {
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
}
