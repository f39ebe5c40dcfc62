// Package supervisor finds, connects and keeps connected the devices a ride
// needs: it reconnects remembered devices directly, falls back to scanning,
// retries unexpected disconnects with exponential backoff and closes links
// the radio kept open from an earlier run.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sethvargo/go-retry"

	"github.com/lowaak/smart-trainer/erg-engine/internal/bt"
	"github.com/lowaak/smart-trainer/erg-engine/internal/events"
	"github.com/lowaak/smart-trainer/erg-engine/internal/go_func_utils"
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnecting
	EventReconnected
	EventGaveUp
	EventOrphanReclaimed
	EventConnectFailed
	// EventRadioOff and EventRadioOn carry no role: they report the radio
	// itself. Nothing can connect while it is off.
	EventRadioOff
	EventRadioOn
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventReconnecting:
		return "Reconnecting"
	case EventReconnected:
		return "Reconnected"
	case EventGaveUp:
		return "GaveUp"
	case EventOrphanReclaimed:
		return "OrphanReclaimed"
	case EventConnectFailed:
		return "ConnectFailed"
	case EventRadioOff:
		return "RadioOff"
	case EventRadioOn:
		return "RadioOn"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event reports a change in a role's connection.
type Event struct {
	Kind    EventKind
	Role    Role
	Address string
	// Device is set for Connected and Reconnected.
	Device bt.BTDevice
	// Unexpected is set on Disconnected when nobody asked for it.
	Unexpected bool
	Attempt    int
	Delay      time.Duration
	Err        error
}

type Options struct {
	BaseDelay      time.Duration `default:"1s"`
	MaxAttempts    int           `default:"6"`
	ConnectTimeout time.Duration `default:"10s"`
	// ReleaseTimeout bounds the wait for queued writes before a manual disconnect.
	ReleaseTimeout time.Duration `default:"1s"`
	// AutoSelect connects the first scanned device advertising a role's
	// services when no identity is remembered for it.
	AutoSelect bool
	Scheduler  Scheduler
}

type roleState struct {
	role     Role
	wanted   bool
	identity DeviceIdentity
	known    bool
	device   bt.BTDevice
	// connecting is the address of an attempt in flight.
	connecting string
	attempt    int
	backoff    retry.Backoff
	timer      Timer
	timerGen   uint64
	releasing  bool
	// gaveUp blocks further automatic attempts until the next Acquire.
	gaveUp bool
}

// Supervisor owns the connections of every role. It is safe for concurrent use.
type Supervisor struct {
	logger  *log.Logger
	manager bt.BTManagerInterface
	store   IdentityStore
	opts    Options

	mu       sync.Mutex
	roles    map[Role]*roleState
	scanning bool
	radioOn  bool

	events *events.CallbackEvent[Event]

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	unlisten []func()
}

func New(logger *log.Logger, manager bt.BTManagerInterface, store IdentityStore, opts Options) *Supervisor {
	if logger == nil {
		panic("Supervisor: logger cannot be nil")
	}
	if manager == nil {
		panic("Supervisor: manager cannot be nil")
	}
	if store == nil {
		panic("Supervisor: store cannot be nil")
	}
	defaults.SetDefaults(&opts)
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		logger:  logger,
		manager: manager,
		store:   store,
		opts:    opts,
		roles:   make(map[Role]*roleState),
		events:  events.NewCallbackEvent[Event](false),
		radioOn: manager.IsPoweredOn(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, r := range Roles {
		s.roles[r] = &roleState{role: r}
	}
	return s
}

// Listen registers fn for supervisor events. fn runs on supervisor goroutines
// and must not block.
func (s *Supervisor) Listen(fn func(Event)) func() {
	return s.events.Listen(fn)
}

// Start begins watching the radio. Call it after the manager is enabled.
func (s *Supervisor) Start() {
	connCh := make(chan bt.ConnectionEvent, 32)
	powerCh := make(chan bool, 4)
	listCh := make(chan []bt.BTDevice, 4)
	linkedCh := make(chan []bt.BTDevice, 4)
	s.unlisten = append(s.unlisten,
		s.manager.ListenToConnectionEvents(connCh),
		s.manager.ListenToPowerState(powerCh),
		s.manager.ListenToDeviceList(listCh),
		s.manager.ListenToConnectedDevices(linkedCh),
	)

	go_func_utils.SafeGoWG(s.logger, &s.wg, func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case ev := <-connCh:
				s.onConnectionEvent(ev)
			case on := <-powerCh:
				s.onPowerState(on)
			case devices := <-listCh:
				s.onDeviceList(devices)
			case devices := <-linkedCh:
				s.onConnectedDevices(devices)
			}
		}
	})
}

// Acquire asks for a device in role. A non-empty address overrides the
// remembered identity.
func (s *Supervisor) Acquire(role Role, address string) error {
	rs, ok := s.roles[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	stored, known, err := s.store.Get(role)
	if err != nil {
		return fmt.Errorf("load %s identity: %w", role, err)
	}

	s.mu.Lock()
	rs.wanted = true
	resetBackoffLocked(rs)
	rs.gaveUp = false
	switch {
	case address != "":
		rs.identity = DeviceIdentity{Role: role, Address: address}
		if known && stored.Address == address {
			rs.identity.Name = stored.Name
		}
		rs.known = true
	case known:
		rs.identity = stored
		rs.known = true
	default:
		rs.known = false
	}
	busy := rs.device != nil || rs.connecting != ""
	s.mu.Unlock()

	if busy {
		return nil
	}
	s.acquire(role)
	return nil
}

func (s *Supervisor) acquire(role Role) {
	rs := s.roles[role]
	s.mu.Lock()
	known, identity := rs.known, rs.identity
	s.mu.Unlock()

	if known {
		go_func_utils.SafeGoWG(s.logger, &s.wg, func() {
			if !s.connectDirect(role, identity.Address, false) {
				s.logger.Printf("Supervisor: %s not reachable directly, scanning for it", identity.Address)
				s.startScan()
			}
		})
		return
	}
	if !s.opts.AutoSelect {
		s.logger.Printf("Supervisor: no %s configured and auto select is off", role)
		s.emit(Event{Kind: EventConnectFailed, Role: role, Err: fmt.Errorf("no %s device configured", role)})
		return
	}
	s.logger.Printf("Supervisor: scanning for a %s", role)
	s.startScan()
}

// connectDirect connects to address without a scan hit and reports success.
func (s *Supervisor) connectDirect(role Role, address string, reconnect bool) bool {
	rs := s.roles[role]
	s.mu.Lock()
	if !rs.wanted || rs.device != nil || rs.connecting != "" {
		s.mu.Unlock()
		return true
	}
	rs.connecting = address
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	defer cancel()
	s.logger.Printf("Supervisor: connecting %s to %s", role, address)
	device, err := s.manager.ConnectAddress(ctx, address)
	if err != nil {
		s.mu.Lock()
		rs.connecting = ""
		s.mu.Unlock()
		s.logger.Printf("Supervisor: connect %s (%s): %v", role, address, err)
		return false
	}
	s.connected(role, device, reconnect)
	return true
}

func (s *Supervisor) connectScanned(role Role, device bt.BTDevice) {
	s.logger.Printf("Supervisor: connecting %s to %s (%s)", role, device.GetLocalName(), device.GetAddressString())
	if err := s.manager.Connect(device); err != nil {
		rs := s.roles[role]
		s.mu.Lock()
		rs.connecting = ""
		s.mu.Unlock()
		s.logger.Printf("Supervisor: connect %s: %v", device.GetAddressString(), err)
		s.emit(Event{Kind: EventConnectFailed, Role: role, Address: device.GetAddressString(), Err: err})
		return
	}
	s.connected(role, device, false)
}

func (s *Supervisor) connected(role Role, device bt.BTDevice, reconnect bool) {
	rs := s.roles[role]
	s.mu.Lock()
	rs.connecting = ""
	if !rs.wanted {
		s.mu.Unlock()
		// released while the attempt was in flight
		_ = s.manager.Disconnect(device)
		return
	}
	rs.device = device
	resetBackoffLocked(rs)
	identity := DeviceIdentity{Role: role, Address: device.GetAddressString(), Name: device.GetLocalName()}
	if identity.Name == "" {
		identity.Name = rs.identity.Name
	}
	changed := !rs.known || rs.identity != identity
	rs.identity = identity
	rs.known = true
	stopScan := s.scanning && !s.searchingLocked()
	if stopScan {
		s.scanning = false
	}
	s.mu.Unlock()

	if stopScan {
		_ = s.manager.StopScan()
	}
	if changed {
		if err := s.store.Set(identity); err != nil {
			s.logger.Printf("Supervisor: remember %s: %v", identity.Address, err)
		}
	}
	kind := EventConnected
	if reconnect {
		kind = EventReconnected
	}
	s.logger.Printf("Supervisor: %s %s (%s)", role, kind, identity.Address)
	s.emit(Event{Kind: kind, Role: role, Address: identity.Address, Device: device})
}

// searchingLocked reports whether a wanted role still has no device.
func (s *Supervisor) searchingLocked() bool {
	for _, rs := range s.roles {
		if rs.wanted && rs.device == nil {
			return true
		}
	}
	return false
}

func (s *Supervisor) startScan() {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		// a role joined a running scan: match what has been seen so far
		s.onDeviceList(s.manager.GetScanDevices())
		return
	}
	s.scanning = true
	s.mu.Unlock()
	// unfiltered: FE-C trainers do not advertise their service
	s.manager.StartScan(nil)
}

func (s *Supervisor) onDeviceList(devices []bt.BTDevice) {
	type pick struct {
		role   Role
		device bt.BTDevice
	}
	var picks []pick

	s.mu.Lock()
	for _, role := range Roles {
		rs := s.roles[role]
		if !rs.wanted || rs.gaveUp || rs.device != nil || rs.connecting != "" || rs.timer != nil {
			continue
		}
		for _, d := range devices {
			addr := d.GetAddressString()
			if s.claimedLocked(addr) {
				continue
			}
			match := rs.known && addr == rs.identity.Address
			if !rs.known && s.opts.AutoSelect {
				for _, uuid := range role.ServiceUUIDs() {
					if d.HasServiceUUID(uuid) {
						match = true
						break
					}
				}
			}
			if match {
				rs.connecting = addr
				picks = append(picks, pick{role: role, device: d})
				break
			}
		}
	}
	s.mu.Unlock()

	for _, p := range picks {
		go_func_utils.SafeGoWG(s.logger, &s.wg, func() {
			s.connectScanned(p.role, p.device)
		})
	}
}

// claimedLocked reports whether address is owned by, or being connected for, a role.
func (s *Supervisor) claimedLocked(address string) bool {
	for _, rs := range s.roles {
		if rs.connecting == address {
			return true
		}
		if rs.device != nil && rs.device.GetAddressString() == address {
			return true
		}
	}
	return false
}

func (s *Supervisor) roleForAddressLocked(address string) *roleState {
	for _, rs := range s.roles {
		if rs.device != nil && rs.device.GetAddressString() == address {
			return rs
		}
	}
	return nil
}

func (s *Supervisor) onConnectionEvent(ev bt.ConnectionEvent) {
	s.mu.Lock()
	rs := s.roleForAddressLocked(ev.Address)
	claimed := s.claimedLocked(ev.Address)
	s.mu.Unlock()

	if ev.Connected {
		if !claimed {
			s.reclaimOrphan(ev.Address)
		}
		return
	}
	if rs == nil {
		return
	}
	s.linkLost(rs, ev.Address)
}

// onConnectedDevices catches links that went down without a connection event
// reaching us, which happens when the event was dropped.
func (s *Supervisor) onConnectedDevices(devices []bt.BTDevice) {
	linked := make(map[string]bool, len(devices))
	for _, d := range devices {
		linked[d.GetAddressString()] = true
	}
	type lost struct {
		rs      *roleState
		address string
	}
	var gone []lost
	s.mu.Lock()
	for _, role := range Roles {
		rs := s.roles[role]
		if rs.device == nil || rs.releasing {
			continue
		}
		addr := rs.device.GetAddressString()
		// the list may be older than the link, so ask the device too
		if !linked[addr] && !rs.device.IsConnected() {
			gone = append(gone, lost{rs: rs, address: addr})
		}
	}
	s.mu.Unlock()

	for _, g := range gone {
		s.linkLost(g.rs, g.address)
	}
}

// linkLost handles an unexpected disconnect of rs's device at address.
func (s *Supervisor) linkLost(rs *roleState, address string) {
	var pending []Event
	s.mu.Lock()
	if rs.releasing || rs.device == nil || rs.device.GetAddressString() != address {
		s.mu.Unlock()
		return
	}
	rs.device = nil
	s.logger.Printf("Supervisor: %s (%s) disconnected unexpectedly", rs.role, address)
	pending = append(pending, Event{Kind: EventDisconnected, Role: rs.role, Address: address, Unexpected: true})
	if rs.wanted {
		pending = append(pending, s.scheduleReconnectLocked(rs))
	}
	s.mu.Unlock()

	for _, e := range pending {
		s.emit(e)
	}
}

// scheduleReconnectLocked arms the next backoff timer, or gives up once
// MaxAttempts have failed. It returns the event to emit after unlocking.
func (s *Supervisor) scheduleReconnectLocked(rs *roleState) Event {
	if rs.backoff == nil {
		rs.backoff = NewBackoff(s.opts.BaseDelay, s.opts.MaxAttempts)
	}
	delay, stop := rs.backoff.Next()
	if stop {
		s.logger.Printf("Supervisor: giving up on %s after %d attempts", rs.role, rs.attempt)
		attempts := rs.attempt
		resetBackoffLocked(rs)
		rs.timer = nil
		rs.gaveUp = true
		return Event{Kind: EventGaveUp, Role: rs.role, Address: rs.identity.Address, Attempt: attempts}
	}
	rs.attempt++
	rs.timerGen++
	gen, role, attempt := rs.timerGen, rs.role, rs.attempt
	rs.timer = s.opts.Scheduler.AfterFunc(delay, func() {
		s.reconnect(role, gen)
	})
	s.logger.Printf("Supervisor: reconnecting %s in %v (attempt %d/%d)", rs.role, delay, attempt, s.opts.MaxAttempts)
	return Event{Kind: EventReconnecting, Role: rs.role, Address: rs.identity.Address, Attempt: attempt, Delay: delay}
}

func (s *Supervisor) reconnect(role Role, gen uint64) {
	rs := s.roles[role]
	s.mu.Lock()
	if gen != rs.timerGen || rs.timer == nil || !rs.wanted || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	rs.timer = nil
	address := rs.identity.Address
	s.mu.Unlock()

	if s.connectDirect(role, address, true) {
		return
	}
	s.mu.Lock()
	if !rs.wanted || rs.device != nil || rs.timer != nil {
		s.mu.Unlock()
		return
	}
	ev := s.scheduleReconnectLocked(rs)
	s.mu.Unlock()
	s.emit(ev)
}

func (s *Supervisor) onPowerState(on bool) {
	s.mu.Lock()
	changed := s.radioOn != on
	s.radioOn = on
	s.mu.Unlock()

	if !on {
		if changed {
			s.logger.Println("Supervisor: radio powered off")
			s.emit(Event{Kind: EventRadioOff})
		}
		return
	}
	if changed {
		s.logger.Println("Supervisor: radio powered on")
		s.emit(Event{Kind: EventRadioOn})
	}
	s.reclaimOrphans()

	var retry []Role
	s.mu.Lock()
	for _, role := range Roles {
		rs := s.roles[role]
		if rs.wanted && !rs.gaveUp && rs.device == nil && rs.connecting == "" && rs.timer == nil {
			resetBackoffLocked(rs)
			retry = append(retry, role)
		}
	}
	s.mu.Unlock()
	for _, role := range retry {
		s.acquire(role)
	}
}

// reclaimOrphans disconnects every connected device no role owns, such as
// links kept open by the OS after a previous run.
func (s *Supervisor) reclaimOrphans() {
	for _, d := range s.manager.GetConnectedDevices() {
		s.mu.Lock()
		claimed := s.claimedLocked(d.GetAddressString())
		s.mu.Unlock()
		if !claimed {
			s.reclaimOrphan(d.GetAddressString())
		}
	}
}

func (s *Supervisor) reclaimOrphan(address string) {
	device := s.manager.GetBTDeviceByAddressString(address)
	if device == nil || !device.IsConnected() {
		return
	}
	s.logger.Printf("Supervisor: closing stale connection to %s", address)
	if err := s.manager.Disconnect(device); err != nil {
		s.logger.Printf("Supervisor: close stale connection to %s: %v", address, err)
		return
	}
	s.emit(Event{Kind: EventOrphanReclaimed, Address: address})
}

// Release disconnects role on purpose: any pending reconnect is cancelled,
// queued writes get ReleaseTimeout to drain, and no reconnect follows.
func (s *Supervisor) Release(role Role) {
	rs, ok := s.roles[role]
	if !ok {
		return
	}
	s.mu.Lock()
	rs.wanted = false
	resetBackoffLocked(rs)
	s.cancelTimerLocked(rs)
	device := rs.device
	rs.releasing = device != nil
	s.mu.Unlock()

	if device == nil {
		return
	}
	if !device.WaitForWrites(s.opts.ReleaseTimeout) {
		s.logger.Printf("Supervisor: writes to %s did not drain before disconnect", device.GetAddressString())
	}
	if err := s.manager.Disconnect(device); err != nil {
		s.logger.Printf("Supervisor: disconnect %s: %v", device.GetAddressString(), err)
	}

	s.mu.Lock()
	rs.device = nil
	rs.releasing = false
	s.mu.Unlock()
	s.logger.Printf("Supervisor: released %s (%s)", role, device.GetAddressString())
	s.emit(Event{Kind: EventDisconnected, Role: role, Address: device.GetAddressString()})
}

// ReleaseAll releases every role.
func (s *Supervisor) ReleaseAll() {
	for _, role := range Roles {
		s.Release(role)
	}
}

// CancelReconnects stops automatic reconnection for every role without
// touching live links. It does not block on the radio, so the engine can call
// it from its executor before the devices are released.
func (s *Supervisor) CancelReconnects() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rs := range s.roles {
		rs.wanted = false
		resetBackoffLocked(rs)
		s.cancelTimerLocked(rs)
	}
}

// Forget releases role and drops its remembered identity.
func (s *Supervisor) Forget(role Role) error {
	s.Release(role)
	s.mu.Lock()
	if rs, ok := s.roles[role]; ok {
		rs.known = false
		rs.identity = DeviceIdentity{}
	}
	s.mu.Unlock()
	return s.store.Clear(role)
}

func resetBackoffLocked(rs *roleState) {
	rs.attempt = 0
	rs.backoff = nil
}

func (s *Supervisor) cancelTimerLocked(rs *roleState) {
	rs.timerGen++
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
}

// Device returns the connected device for role, or nil.
func (s *Supervisor) Device(role Role) bt.BTDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.roles[role]; ok {
		return rs.device
	}
	return nil
}

// Identity returns the identity in use for role.
func (s *Supervisor) Identity(role Role) (DeviceIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.roles[role]
	if !ok || !rs.known {
		return DeviceIdentity{}, false
	}
	return rs.identity, true
}

// RadioAvailable reports whether the radio was powered on when last heard from.
func (s *Supervisor) RadioAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.radioOn
}

// ReconnectPending reports whether a backoff timer is armed for role.
func (s *Supervisor) ReconnectPending(role Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.roles[role]
	return ok && rs.timer != nil
}

// Shutdown releases every role and stops watching the radio.
func (s *Supervisor) Shutdown() {
	for _, role := range Roles {
		s.Release(role)
	}
	s.cancel()
	for _, unlisten := range s.unlisten {
		unlisten()
	}
	s.wg.Wait()
	s.logger.Println("Supervisor: stopped")
}

func (s *Supervisor) emit(ev Event) {
	s.events.Notify(ev)
}
