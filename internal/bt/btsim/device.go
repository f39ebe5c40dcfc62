// Package btsim simulates the peripherals a ride needs (an FTMS trainer, an
// FE-C trainer and a heart-rate strap) behind the same interfaces as the real
// radio, each with a small HTTP API for poking at it while a ride runs.
package btsim

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/lowaak/smart-trainer/erg-engine/internal/bt"
	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/erg-engine/internal/protocol"
)

type Profile int

const (
	ProfileHeartRate Profile = iota
	ProfileFTMS
	ProfileFEC
)

func (p Profile) String() string {
	switch p {
	case ProfileHeartRate:
		return "heart-rate"
	case ProfileFTMS:
		return "ftms"
	case ProfileFEC:
		return "fe-c"
	}
	return fmt.Sprintf("Profile(%d)", int(p))
}

// FECTargetTimeout is how long a simulated FE-C trainer holds a target that
// is not refreshed.
const FECTargetTimeout = 2 * time.Second

type Config struct {
	Address   string
	LocalName string
	Profile   Profile
	// HTTPPort of the control API; 0 disables it.
	HTTPPort        int
	WriteQueueDepth int `default:"4"`
	// DenyControl makes the FTMS control point refuse request-control.
	DenyControl bool
	BasePower   float64 `default:"100"`
	Cadence     float64 `default:"85"`
	RestingHR   float64 `default:"60"`
}

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	ServiceUUID        string    `json:"serviceUuid"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	DataHex            string    `json:"dataHex"`
	Description        string    `json:"description"`
}

// DeviceState is the device as reported by the HTTP API.
type DeviceState struct {
	Address     string  `json:"address"`
	LocalName   string  `json:"localName"`
	Profile     string  `json:"profile"`
	Connected   bool    `json:"connected"`
	InRange     bool    `json:"inRange"`
	HeartRate   int     `json:"heartRate"`
	Power       int     `json:"power"`
	Cadence     int     `json:"cadence"`
	SpeedKmh    float64 `json:"speedKmh"`
	TargetPower int     `json:"targetPower"`
	Controlled  bool    `json:"controlled"`
	FailWrites  bool    `json:"failWrites"`
	Stalled     bool    `json:"stalled"`
}

// Device is one simulated peripheral. It implements bt.BTDevice.
type Device struct {
	logger *log.Logger
	cfg    Config

	mu             sync.RWMutex
	state          bt.BTDeviceState
	inRange        bool
	scanned        bool
	scanLastSeen   time.Time
	callbacks      map[string]func([]byte)
	writeErrorFunc bt.WriteErrorHandler
	queue          chan bt.WriteRequest
	quit           chan struct{}
	pendingWrites  atomic.Int64
	failWrites     bool
	stalled        bool
	denyControl    bool

	// simulated rider and trainer
	power          float64
	basePower      float64
	cadence        float64
	heartRate      float64
	hrPinned       bool
	targetPower    int
	ergActive      bool
	sinceTarget    time.Duration
	controlGranted bool
	fecSequence    byte
	fecEventCount  byte
	fecElapsed     time.Duration
	ticks          int

	writtenMu     sync.RWMutex
	writtenValues []WrittenValue

	linkLost func(*Device)

	server *http.Server
	wg     sync.WaitGroup
}

var _ bt.BTDevice = (*Device)(nil)

func NewDevice(logger *log.Logger, cfg Config) *Device {
	if logger == nil {
		panic("btsim.Device: logger cannot be nil")
	}
	defaults.SetDefaults(&cfg)
	return &Device{
		logger:      logger,
		cfg:         cfg,
		state:       bt.Disconnected,
		inRange:     true,
		callbacks:   make(map[string]func([]byte)),
		denyControl: cfg.DenyControl,
		power:       cfg.BasePower,
		basePower:   cfg.BasePower,
		cadence:     cfg.Cadence,
		heartRate:   cfg.RestingHR,
	}
}

func (d *Device) Profile() Profile {
	return d.cfg.Profile
}

func (d *Device) services() []string {
	switch d.cfg.Profile {
	case ProfileHeartRate:
		return []string{protocol.ServiceUUIDHeartRate}
	case ProfileFTMS:
		return []string{protocol.ServiceUUIDFTMS, protocol.ServiceUUIDCyclingPower}
	case ProfileFEC:
		return []string{protocol.ServiceUUIDFEC}
	}
	return nil
}

func (d *Device) characteristics(service string) []string {
	switch service {
	case protocol.ServiceUUIDHeartRate:
		return []string{protocol.CharUUIDHeartRateMeasurement}
	case protocol.ServiceUUIDFTMS:
		return []string{
			protocol.CharUUIDIndoorBikeData,
			protocol.CharUUIDFTMSControlPoint,
			protocol.CharUUIDFTMSFeature,
			protocol.CharUUIDSupportedPowerRange,
		}
	case protocol.ServiceUUIDCyclingPower:
		return []string{protocol.CharUUIDCyclingPowerMeasurement}
	case protocol.ServiceUUIDFEC:
		return []string{protocol.CharUUIDFECRead, protocol.CharUUIDFECWrite}
	}
	return nil
}

// --- bt.BTDevice ---

func (d *Device) GetAddressString() string {
	return d.cfg.Address
}

func (d *Device) GetScanRSSI() (int16, error) {
	return -50, nil
}

func (d *Device) GetScanLastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scanLastSeen
}

func (d *Device) GetLocalName() string {
	return d.cfg.LocalName
}

func (d *Device) IsConnected() bool {
	return d.GetState() == bt.Connected
}

func (d *Device) GetState() bt.BTDeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) IsRecentlyScanned() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scanned && d.inRange
}

// GetServiceUUIDs returns the advertised services. The FE-C trainer does not
// advertise its vendor service, like most real ones.
func (d *Device) GetServiceUUIDs() []string {
	if d.cfg.Profile == ProfileFEC {
		return nil
	}
	return d.services()
}

func (d *Device) HasServiceUUID(uuid string) bool {
	return protocol.ContainsService(d.GetServiceUUIDs(), uuid)
}

func (d *Device) DiscoverServiceUUIDs() ([]string, error) {
	if !d.IsConnected() {
		return nil, bt.ErrNotConnected
	}
	return d.services(), nil
}

func (d *Device) HasCharacteristic(serviceUuid string, characteristicUuid string) bool {
	if !d.IsConnected() || !protocol.ContainsService(d.services(), serviceUuid) {
		return false
	}
	return protocol.ContainsService(d.characteristics(protocol.NormalizeUUID(serviceUuid)), characteristicUuid)
}

func (d *Device) EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error {
	if !d.HasCharacteristic(serviceUuid, characteristicUuid) {
		return fmt.Errorf("characteristic %s/%s not available on %s", serviceUuid, characteristicUuid, d.cfg.LocalName)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[protocol.NormalizeUUID(characteristicUuid)] = callbackFunc
	d.logger.Printf("btsim [%s]: notifications enabled for %s", d.cfg.LocalName, characteristicUuid)
	return nil
}

func (d *Device) DisableNotifications(serviceUuid string, characteristicUuid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.callbacks, protocol.NormalizeUUID(characteristicUuid))
	return nil
}

func (d *Device) ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error) {
	if !d.HasCharacteristic(serviceUuid, characteristicUuid) {
		return nil, fmt.Errorf("characteristic %s/%s not available on %s", serviceUuid, characteristicUuid, d.cfg.LocalName)
	}
	switch protocol.NormalizeUUID(characteristicUuid) {
	case protocol.CharUUIDFTMSFeature:
		// target setting: power target supported
		return []byte{0x00, 0x40, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00}, nil
	case protocol.CharUUIDSupportedPowerRange:
		// 25-2000 W in 1 W steps
		return []byte{0x19, 0x00, 0xD0, 0x07, 0x01, 0x00}, nil
	}
	return nil, fmt.Errorf("characteristic %s is not readable", characteristicUuid)
}

func (d *Device) QueueWrite(serviceUuid string, characteristicUuid string, data []byte, withResponse bool) error {
	d.mu.RLock()
	queue, quit := d.queue, d.quit
	d.mu.RUnlock()
	if queue == nil {
		return bt.ErrNotConnected
	}
	req := bt.WriteRequest{
		ServiceUUID:  protocol.NormalizeUUID(serviceUuid),
		CharUUID:     protocol.NormalizeUUID(characteristicUuid),
		Data:         append([]byte(nil), data...),
		WithResponse: withResponse,
	}
	d.pendingWrites.Add(1)
	select {
	case <-quit:
		d.pendingWrites.Add(-1)
		return bt.ErrNotConnected
	case queue <- req:
		return nil
	default:
		d.pendingWrites.Add(-1)
		return bt.ErrWriteQueueFull
	}
}

func (d *Device) WaitForWrites(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for d.pendingWrites.Load() > 0 {
		if !d.IsConnected() || time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

func (d *Device) CanWriteWithoutBlocking() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.queue != nil && len(d.queue) < cap(d.queue)
}

func (d *Device) SetWriteErrorHandler(handler bt.WriteErrorHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErrorFunc = handler
}

// --- link management, driven by the Manager ---

func (d *Device) markScanned(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanned = true
	d.scanLastSeen = t
}

func (d *Device) connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inRange {
		return fmt.Errorf("%s (%s) is out of range", d.cfg.LocalName, d.cfg.Address)
	}
	if d.state == bt.Connected {
		return nil
	}
	d.state = bt.Connected
	d.queue = make(chan bt.WriteRequest, d.cfg.WriteQueueDepth)
	d.quit = make(chan struct{})
	queue, quit := d.queue, d.quit
	go_func_utils.SafeGoWG(d.logger, &d.wg, func() {
		d.drainWrites(queue, quit)
	})
	d.logger.Printf("btsim [%s]: connected", d.cfg.LocalName)
	return nil
}

// disconnect drops the link. It reports whether the device was connected.
func (d *Device) disconnect() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != bt.Connected {
		return false
	}
	d.state = bt.Disconnected
	d.pendingWrites.Store(0)
	close(d.quit)
	d.queue = nil
	d.quit = nil
	d.callbacks = make(map[string]func([]byte))
	d.controlGranted = false
	d.targetPower = 0
	d.ergActive = false
	d.logger.Printf("btsim [%s]: disconnected", d.cfg.LocalName)
	return true
}

func (d *Device) drainWrites(queue <-chan bt.WriteRequest, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case req := <-queue:
			if !d.waitWhileStalled(quit) {
				return
			}
			err := d.handleWrite(req)
			d.pendingWrites.Add(-1)
			if err != nil {
				d.mu.RLock()
				handler := d.writeErrorFunc
				d.mu.RUnlock()
				if handler != nil {
					handler(req, err)
				}
			}
		}
	}
}

func (d *Device) waitWhileStalled(quit <-chan struct{}) bool {
	for {
		d.mu.RLock()
		stalled := d.stalled
		d.mu.RUnlock()
		if !stalled {
			return true
		}
		select {
		case <-quit:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// --- fault injection ---

// SetInRange makes the device reachable or not. Going out of range drops an
// open link the way a real radio would.
func (d *Device) SetInRange(inRange bool) {
	d.mu.Lock()
	d.inRange = inRange
	d.mu.Unlock()
	if !inRange {
		d.DropLink()
	}
}

// DropLink simulates radio loss.
func (d *Device) DropLink() {
	if d.disconnect() && d.linkLost != nil {
		d.linkLost(d)
	}
}

func (d *Device) SetFailWrites(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrites = fail
}

// SetStalled holds queued writes back so the queue fills up.
func (d *Device) SetStalled(stalled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stalled = stalled
}

func (d *Device) SetDenyControl(deny bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denyControl = deny
}

// SetHeartRate pins the heart rate; 0 returns it to the power model.
func (d *Device) SetHeartRate(bpm int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hrPinned = bpm > 0
	if bpm > 0 {
		d.heartRate = float64(bpm)
	}
}

// SetBasePower sets what the rider produces while no ERG target is active.
func (d *Device) SetBasePower(watts int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.basePower = float64(watts)
}

func (d *Device) SetCadence(rpm int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cadence = float64(rpm)
}

func (d *Device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DeviceState{
		Address:     d.cfg.Address,
		LocalName:   d.cfg.LocalName,
		Profile:     d.cfg.Profile.String(),
		Connected:   d.state == bt.Connected,
		InRange:     d.inRange,
		HeartRate:   int(math.Round(d.heartRate)),
		Power:       int(math.Round(d.power)),
		Cadence:     int(math.Round(d.cadence)),
		SpeedKmh:    speedForPower(d.power),
		TargetPower: d.targetPower,
		Controlled:  d.controlGranted,
		FailWrites:  d.failWrites,
		Stalled:     d.stalled,
	}
}

func (d *Device) Writes() []WrittenValue {
	d.writtenMu.RLock()
	defer d.writtenMu.RUnlock()
	return append([]WrittenValue(nil), d.writtenValues...)
}

// --- write handling ---

func (d *Device) recordWrite(req bt.WriteRequest, description string) {
	d.writtenMu.Lock()
	defer d.writtenMu.Unlock()
	d.writtenValues = append(d.writtenValues, WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        req.ServiceUUID,
		CharacteristicUUID: req.CharUUID,
		DataHex:            hex.EncodeToString(req.Data),
		Description:        description,
	})
	// keep only the last 100 writes
	if len(d.writtenValues) > 100 {
		d.writtenValues = d.writtenValues[len(d.writtenValues)-100:]
	}
}

func (d *Device) handleWrite(req bt.WriteRequest) error {
	d.mu.RLock()
	fail := d.failWrites
	d.mu.RUnlock()
	if fail {
		d.recordWrite(req, "rejected (fail-writes)")
		return fmt.Errorf("btsim [%s]: write to %s failed", d.cfg.LocalName, req.CharUUID)
	}

	switch req.CharUUID {
	case protocol.CharUUIDFTMSControlPoint:
		d.recordWrite(req, describeFTMSControl(req.Data))
		d.handleFTMSControl(req.Data)
	case protocol.CharUUIDFECWrite:
		d.recordWrite(req, describeFECWrite(req.Data))
		d.handleFECWrite(req.Data)
	default:
		d.recordWrite(req, "unexpected write")
		return fmt.Errorf("btsim [%s]: characteristic %s is not writable", d.cfg.LocalName, req.CharUUID)
	}
	return nil
}

func describeFTMSControl(data []byte) string {
	if len(data) == 0 {
		return "empty"
	}
	switch data[0] {
	case protocol.FTMSOpRequestControl:
		return "Request Control"
	case protocol.FTMSOpReset:
		return "Reset"
	case protocol.FTMSOpSetTargetPower:
		if len(data) >= 3 {
			return fmt.Sprintf("Set Target Power: %dW", int16(binary.LittleEndian.Uint16(data[1:3])))
		}
		return "Set Target Power (malformed)"
	case protocol.FTMSOpStartOrResume:
		return "Start/Resume"
	case protocol.FTMSOpStopOrPause:
		if len(data) >= 2 && data[1] == 0x02 {
			return "Pause"
		}
		return "Stop"
	}
	return fmt.Sprintf("Unknown opcode: 0x%02X", data[0])
}

func describeFECWrite(data []byte) string {
	page, ok := protocol.DecodeFECFrame(data)
	if !ok {
		return "malformed FE-C frame"
	}
	if page[0] == protocol.FECPageTargetPower {
		return fmt.Sprintf("FE-C Target Power: %.2fW", float64(binary.LittleEndian.Uint16(page[6:8]))/4)
	}
	return fmt.Sprintf("FE-C page 0x%02X", page[0])
}

func (d *Device) handleFTMSControl(data []byte) {
	if len(data) == 0 {
		return
	}
	op := data[0]
	result := protocol.FTMSResultSuccess

	d.mu.Lock()
	switch {
	case op == protocol.FTMSOpRequestControl:
		if d.denyControl {
			result = protocol.FTMSResultControlNotPermitted
		} else {
			d.controlGranted = true
		}
	case !d.controlGranted:
		result = protocol.FTMSResultControlNotPermitted
	case op == protocol.FTMSOpReset:
		d.controlGranted = false
		d.targetPower = 0
		d.ergActive = false
	case op == protocol.FTMSOpSetTargetPower:
		if len(data) < 3 {
			result = protocol.FTMSResultInvalidParameter
			break
		}
		d.targetPower = int(int16(binary.LittleEndian.Uint16(data[1:3])))
		d.ergActive = d.targetPower > 0
	case op == protocol.FTMSOpStartOrResume:
	case op == protocol.FTMSOpStopOrPause:
		d.targetPower = 0
		d.ergActive = false
	default:
		result = protocol.FTMSResultOpCodeNotSupported
	}
	callback := d.callbacks[protocol.CharUUIDFTMSControlPoint]
	d.mu.Unlock()

	if callback != nil {
		callback([]byte{protocol.FTMSOpResponseCode, op, result})
	}
}

func (d *Device) handleFECWrite(data []byte) {
	page, ok := protocol.DecodeFECFrame(data)
	if !ok {
		return
	}

	d.mu.Lock()
	status := protocol.FECStatusPass
	if page[0] == protocol.FECPageTargetPower {
		d.targetPower = int(binary.LittleEndian.Uint16(page[6:8])) / 4
		d.ergActive = d.targetPower > 0
		d.sinceTarget = 0
	} else {
		status = protocol.FECStatusNotSupported
	}
	d.fecSequence++
	reply := [8]byte{protocol.FECPageCommandStatus, page[0], d.fecSequence, status, 0xFF, 0xFF, 0xFF, 0xFF}
	callback := d.callbacks[protocol.CharUUIDFECRead]
	d.mu.Unlock()

	if callback != nil {
		callback(protocol.EncodeFECFrame(reply))
	}
}

// --- simulation ---

// Tick advances the model by dt and sends the notifications due. FE-C pages go
// out on every tick, alternating trainer and general data; the other profiles
// notify on every fourth tick.
func (d *Device) Tick(dt time.Duration) {
	d.step(dt)

	d.mu.Lock()
	if d.state != bt.Connected {
		d.mu.Unlock()
		return
	}
	d.ticks++
	ticks := d.ticks
	d.mu.Unlock()

	switch d.cfg.Profile {
	case ProfileFEC:
		if ticks%2 == 1 {
			d.notify(protocol.CharUUIDFECRead, d.fecTrainerDataFrame())
		} else {
			d.notify(protocol.CharUUIDFECRead, d.fecGeneralDataFrame())
		}
	case ProfileFTMS:
		if ticks%4 == 1 {
			d.notify(protocol.CharUUIDIndoorBikeData, d.indoorBikeDataFrame())
			d.notify(protocol.CharUUIDCyclingPowerMeasurement, d.cyclingPowerFrame())
		}
	case ProfileHeartRate:
		if ticks%4 == 1 {
			d.notify(protocol.CharUUIDHeartRateMeasurement, d.heartRateFrame())
		}
	}
}

func (d *Device) step(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	secs := dt.Seconds()
	if d.cfg.Profile == ProfileFEC && d.ergActive {
		d.sinceTarget += dt
		if d.sinceTarget > FECTargetTimeout {
			// ERG lapses without a fresh target
			d.ergActive = false
			d.targetPower = 0
		}
	}
	d.fecElapsed += dt

	goal := d.basePower
	if d.ergActive {
		goal = float64(d.targetPower)
	}
	d.power += (goal - d.power) * math.Min(1, secs)

	if !d.hrPinned {
		hrGoal := d.cfg.RestingHR + d.power*0.45
		d.heartRate += (hrGoal - d.heartRate) * math.Min(1, secs/20)
	}
}

func (d *Device) notify(charUUID string, frame []byte) {
	d.mu.RLock()
	callback := d.callbacks[charUUID]
	d.mu.RUnlock()
	if callback != nil {
		callback(frame)
	}
}

func speedForPower(power float64) float64 {
	if power <= 0 {
		return 0
	}
	// rough flat-road figure
	return 10 * math.Cbrt(power/8)
}

func (d *Device) indoorBikeDataFrame() []byte {
	s := d.State()
	frame := make([]byte, 8)
	// speed present (bit 0 clear), cadence and power present
	binary.LittleEndian.PutUint16(frame[0:], 0x0044)
	binary.LittleEndian.PutUint16(frame[2:], uint16(s.SpeedKmh*100))
	binary.LittleEndian.PutUint16(frame[4:], uint16(s.Cadence*2))
	binary.LittleEndian.PutUint16(frame[6:], uint16(int16(s.Power)))
	return frame
}

func (d *Device) cyclingPowerFrame() []byte {
	s := d.State()
	frame := make([]byte, 4)
	binary.LittleEndian.PutUint16(frame[2:], uint16(int16(s.Power)))
	return frame
}

func (d *Device) heartRateFrame() []byte {
	s := d.State()
	if s.HeartRate > 255 {
		frame := []byte{0x01, 0, 0}
		binary.LittleEndian.PutUint16(frame[1:], uint16(s.HeartRate))
		return frame
	}
	return []byte{0x00, byte(s.HeartRate)}
}

func (d *Device) fecTrainerDataFrame() []byte {
	s := d.State()
	d.mu.Lock()
	d.fecEventCount++
	count := d.fecEventCount
	d.mu.Unlock()

	power := uint16(s.Power) & 0x0FFF
	page := [8]byte{
		protocol.FECPageTrainerData,
		count,
		byte(s.Cadence),
		0, 0, // accumulated power, unused here
		byte(power),
		byte(power >> 8),
		0,
	}
	return protocol.EncodeFECFrame(page)
}

func (d *Device) fecGeneralDataFrame() []byte {
	s := d.State()
	d.mu.RLock()
	elapsed := d.fecElapsed
	d.mu.RUnlock()

	var page [8]byte
	page[0] = protocol.FECPageGeneralData
	page[1] = 25 // equipment type: trainer
	page[2] = byte(elapsed / (250 * time.Millisecond))
	binary.LittleEndian.PutUint16(page[4:6], uint16(s.SpeedKmh/3.6*1000))
	page[6] = 0xFF // no heart rate
	return protocol.EncodeFECFrame(page)
}
