package bt

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lowaak/smart-trainer/erg-engine/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type BTDeviceState int

const (
	Disconnected BTDeviceState = iota
	Connecting
	Connected
)

func (s BTDeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		return "Unknown"
	}
}

// BTDevice is one peripheral as seen by sessions and the supervisor. Writes
// go through a bounded per-connection queue; callers check
// CanWriteWithoutBlocking before queueing anything they can afford to drop.
type BTDevice interface {
	GetAddressString() string
	GetScanRSSI() (int16, error)
	GetScanLastSeen() time.Time
	GetLocalName() string
	IsConnected() bool
	GetState() BTDeviceState
	IsRecentlyScanned() bool
	// GetServiceUUIDs returns the services seen in advertisements.
	GetServiceUUIDs() []string
	HasServiceUUID(uuid string) bool
	// DiscoverServiceUUIDs runs full GATT discovery on the connected device.
	// Results are cached for the life of the connection.
	DiscoverServiceUUIDs() ([]string, error)
	HasCharacteristic(serviceUuid string, characteristicUuid string) bool
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error)
	QueueWrite(serviceUuid string, characteristicUuid string, data []byte, withResponse bool) error
	CanWriteWithoutBlocking() bool
	// WaitForWrites blocks until queued writes have gone out, or timeout.
	WaitForWrites(timeout time.Duration) bool
	SetWriteErrorHandler(handler WriteErrorHandler)
}

type btDeviceImpl struct {
	address                bluetooth.Address
	addressStr             string
	scanLastSeen           time.Time
	localName              string
	scanResult             *bluetooth.ScanResult
	connectedDevice        *bluetooth.Device // nil while not connected
	mu                     sync.RWMutex
	bleMu                  sync.Mutex // serializes characteristic operations
	scanTimeout            time.Duration
	queueDepth             int
	logger                 *log.Logger
	state                  BTDeviceState
	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  atomic.Bool
	advertisedUuidStrs     []string
	writes                 *writeQueue
	writeErrorHandler      WriteErrorHandler
}

func newBtDeviceImpl(
	logger *log.Logger,
	address bluetooth.Address,
	scanTimeout time.Duration,
	queueDepth int,
) *btDeviceImpl {
	if logger == nil {
		panic("BTDevice: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		panic("BTDevice: scanTimeout must be > 0")
	}
	return &btDeviceImpl{
		logger:                 logger,
		address:                address,
		addressStr:             address.String(),
		localName:              "Unknown",
		scanTimeout:            scanTimeout,
		queueDepth:             queueDepth,
		scanLastSeen:           time.Unix(0, 0),
		state:                  Disconnected,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDeviceImpl) getAddress() bluetooth.Address {
	return b.address
}

func (b *btDeviceImpl) GetAddressString() string {
	return b.addressStr
}

func (b *btDeviceImpl) GetServiceUUIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.advertisedUuidStrs...)
}

func (b *btDeviceImpl) HasServiceUUID(uuid string) bool {
	want := strings.ToLower(uuid)
	for _, u := range b.GetServiceUUIDs() {
		if u == want {
			return true
		}
	}
	return false
}

func (b *btDeviceImpl) setAdvertisedServiceUUIDs(serviceUuids []bluetooth.UUID) {
	strs := make([]string, 0, len(serviceUuids))
	for _, uuid := range serviceUuids {
		strs = append(strs, uuid.String())
	}
	b.mu.Lock()
	b.advertisedUuidStrs = strs
	b.mu.Unlock()
}

func (b *btDeviceImpl) DiscoverServiceUUIDs() ([]string, error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	if err := b.discoverAllServices(); err != nil {
		return nil, err
	}
	result := make([]string, 0, b.serviceByUuid.Len())
	b.serviceByUuid.Range(func(uuid string, _ *bluetooth.DeviceService) bool {
		result = append(result, uuid)
		return true
	})
	return result, nil
}

func (b *btDeviceImpl) HasCharacteristic(serviceUuidStr string, characteristicUuidStr string) bool {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return false
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return false
	}
	_, err = b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
	return err == nil
}

func (b *btDeviceImpl) EnableNotifications(
	serviceUuidStr string,
	characteristicUuidStr string,
	callbackFunc func(buf []byte)) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", characteristicUuidStr, err)
	}

	b.logger.Printf("BTDevice: Notifications enabled for %s on %s", characteristicUuidStr, b.addressStr)
	return nil
}

func (b *btDeviceImpl) DisableNotifications(
	serviceUuidStr string,
	characteristicUuidStr string) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	// nil callback disables
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", characteristicUuidStr, err)
	}
	return nil
}

func (b *btDeviceImpl) ReadCharacteristic(
	serviceUuidStr string,
	characteristicUuidStr string) ([]byte, error) {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic: %w", err)
	}
	return buf[:n], nil
}

func (b *btDeviceImpl) QueueWrite(
	serviceUuidStr string,
	characteristicUuidStr string,
	data []byte,
	withResponse bool) error {

	b.mu.RLock()
	q := b.writes
	b.mu.RUnlock()
	if q == nil {
		return ErrNotConnected
	}
	return q.enqueue(WriteRequest{
		ServiceUUID:  serviceUuidStr,
		CharUUID:     characteristicUuidStr,
		Data:         append([]byte(nil), data...),
		WithResponse: withResponse,
	})
}

func (b *btDeviceImpl) CanWriteWithoutBlocking() bool {
	b.mu.RLock()
	q := b.writes
	b.mu.RUnlock()
	return q != nil && q.hasCapacity()
}

func (b *btDeviceImpl) WaitForWrites(timeout time.Duration) bool {
	b.mu.RLock()
	q := b.writes
	b.mu.RUnlock()
	return q == nil || q.waitIdle(timeout)
}

func (b *btDeviceImpl) SetWriteErrorHandler(handler WriteErrorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErrorHandler = handler
}

func (b *btDeviceImpl) reportWriteError(req WriteRequest, err error) {
	b.mu.RLock()
	handler := b.writeErrorHandler
	b.mu.RUnlock()
	if handler != nil {
		handler(req, err)
	}
}

// performWrite runs on the write queue goroutine.
func (b *btDeviceImpl) performWrite(req WriteRequest) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(req.ServiceUUID, req.CharUUID)
	if err != nil {
		return err
	}
	if req.WithResponse {
		_, err = characteristic.Write(req.Data)
	} else {
		_, err = characteristic.WriteWithoutResponse(req.Data)
	}
	if err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	return nil
}

func (b *btDeviceImpl) GetScanRSSI() (int16, error) {
	scanResult := b.getScanResult()
	if scanResult == nil {
		return 0, errors.New("no rssi available")
	}
	return scanResult.RSSI, nil
}

func (b *btDeviceImpl) GetState() BTDeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDeviceImpl) GetLocalName() string {
	if scanResult := b.getScanResult(); scanResult != nil {
		if name := scanResult.LocalName(); name != "" {
			return name
		}
	}
	return b.localName
}

func (b *btDeviceImpl) GetScanLastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanLastSeen
}

func (b *btDeviceImpl) setScanLastSeen(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanLastSeen = t
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) IsRecentlyScanned() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult == nil {
		return false
	}
	return time.Since(b.scanLastSeen) <= b.scanTimeout
}

func (b *btDeviceImpl) setScanResult(scanResult *bluetooth.ScanResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanResult = scanResult
}

func (b *btDeviceImpl) getScanResult() *bluetooth.ScanResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanResult
}

// setConnectedDevice records a new link (device != nil) or its loss. Every
// link gets a fresh write queue and fresh GATT caches, since handles from an
// earlier connection are not valid on the next one.
func (b *btDeviceImpl) setConnectedDevice(device *bluetooth.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if device != nil && b.connectedDevice != nil {
		b.connectedDevice = device
		return
	}

	if b.writes != nil {
		b.writes.stop()
		b.writes = nil
	}
	b.serviceByUuid.Clear()
	b.characteristicByUuid.Clear()
	b.serviceCharsDiscovered.Clear()
	b.allServicesDiscovered.Store(false)

	b.connectedDevice = device
	if device == nil {
		b.state = Disconnected
		return
	}
	b.state = Connected
	b.writes = newWriteQueue(b.logger, b.queueDepth, b.performWrite, b.reportWriteError)
	b.writes.start()
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

func (b *btDeviceImpl) setState(state BTDeviceState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
}

func (b *btDeviceImpl) lookupCharacteristic(serviceUuidStr, characteristicUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}
	return b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
}

// discoverAllServices fills the service cache in one round trip. Discovering
// services one at a time interrupts services already in use on some stacks.
// Caller holds bleMu.
func (b *btDeviceImpl) discoverAllServices() error {
	if b.allServicesDiscovered.Load() {
		return nil
	}
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return ErrNotConnected
	}

	deviceServices, err := connectedDevice.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("error discovering services: %w", err)
	}
	for i := range deviceServices {
		svc := &deviceServices[i]
		b.serviceByUuid.Store(svc.UUID().String(), svc)
	}
	b.logger.Printf("BTDevice: Discovered %d services on %s", len(deviceServices), b.addressStr)
	b.allServicesDiscovered.Store(true)
	return nil
}

func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	serviceUuidStr := serviceUuid.String()
	if service, ok := b.serviceByUuid.Load(serviceUuidStr); ok {
		return service, nil
	}
	if err := b.discoverAllServices(); err != nil {
		return nil, err
	}
	service, ok := b.serviceByUuid.Load(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUuidStr)
	}
	return service, nil
}

func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid bluetooth.UUID, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := serviceUuid.String()
	charUuidStr := charUuid.String()
	comboUuidStr := serviceUuidStr + "_" + charUuidStr

	if characteristic, ok := b.characteristicByUuid.Load(comboUuidStr); ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}

		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}
		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			b.characteristicByUuid.Store(serviceUuidStr+"_"+char.UUID().String(), char)
		}
		b.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok := b.characteristicByUuid.Load(comboUuidStr)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuidStr, serviceUuidStr)
	}
	return characteristic, nil
}
