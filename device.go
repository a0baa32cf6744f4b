// Package pktio implements the packet I/O device table of a user-space data
// plane. A fixed table of device slots owns per-interface state machines,
// receive and transmit queue configuration and the binding to a transport
// driver. Packet buffers come from the pool package; queued and scheduled
// delivery goes through eventq queues drained by an external scheduler
// calling into the bridge in sched.go.
//
// The core spawns no threads of its own. Progress is driven by caller
// threads polling queues and by the scheduler bridge.
package pktio

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"

	"github.com/behrlich/go-pktio/eventq"
	"github.com/behrlich/go-pktio/internal/constants"
	"github.com/behrlich/go-pktio/internal/locks"
	"github.com/behrlich/go-pktio/internal/logging"
	"github.com/behrlich/go-pktio/internal/shm"
	"github.com/behrlich/go-pktio/pool"
)

// Handle identifies an open device. The zero value is invalid; valid
// handles encode the table slot as index+1 so they stay meaningful across
// processes sharing the table region.
type Handle uint32

// Invalid is the null device handle.
const Invalid Handle = 0

// State is the lifecycle state of a device slot.
type State int32

const (
	// StateFree slots hold no device.
	StateFree State = iota
	// StateActive slots are claimed but not yet bound to a driver.
	StateActive
	// StateOpened devices have a bound driver and configurable queues.
	StateOpened
	// StateStarted devices carry traffic; packet operations are only
	// defined here.
	StateStarted
	// StateStopPending devices wait for the scheduler to finalize stop.
	StateStopPending
	// StateStopped devices can be reconfigured, restarted or closed.
	StateStopped
	// StateClosePending devices wait for the scheduler to finalize
	// close.
	StateClosePending
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateActive:
		return "active"
	case StateOpened:
		return "opened"
	case StateStarted:
		return "started"
	case StateStopPending:
		return "stop pending"
	case StateStopped:
		return "stopped"
	case StateClosePending:
		return "close pending"
	}
	return "unknown"
}

type inQueueEntry struct {
	queue *eventq.Queue
	pktin PktinQueue
}

type outQueueEntry struct {
	queue  *eventq.Queue
	pktout PktoutQueue
}

// Entry is one device slot. Drivers receive the bound entry on every
// operation and may stash per-slot state with SetDriverData.
type Entry struct {
	rxl locks.Ticket
	txl locks.Ticket

	state  atomic.Int32
	handle Handle
	name   string
	drv    Driver
	drvDat any

	param Params
	cfg   Config
	pool  pool.Handle

	clsEnabled atomic.Bool
	classifier Classifier

	numInQueue  int
	numOutQueue int
	inQueues    [constants.MaxQueues]inQueueEntry
	outQueues   [constants.MaxQueues]outQueueEntry

	inDiscards atomic.Uint64
}

// Name returns the interface name the entry was opened with.
func (e *Entry) Name() string { return e.name }

// Handle returns the device handle of the entry.
func (e *Entry) Handle() Handle { return e.handle }

// Index returns the slot index of the entry.
func (e *Entry) Index() int { return int(e.handle) - 1 }

// Pool returns the receive buffer pool of the entry.
func (e *Entry) Pool() pool.Handle { return e.pool }

// Param returns the open-time input/output modes.
func (e *Entry) Param() Params { return e.param }

// Config returns the applied feature configuration.
func (e *Entry) Config() Config { return e.cfg }

// NumInQueues and NumOutQueues return the configured queue counts.
func (e *Entry) NumInQueues() int  { return e.numInQueue }
func (e *Entry) NumOutQueues() int { return e.numOutQueue }

// SetDriverData stores opaque per-slot driver state. Ownership of the state
// transfers to the slot at open and back to the driver at close.
func (e *Entry) SetDriverData(v any) { e.drvDat = v }

// DriverData returns the opaque per-slot driver state.
func (e *Entry) DriverData() any { return e.drvDat }

func (e *Entry) getState() State  { return State(e.state.Load()) }
func (e *Entry) setState(s State) { e.state.Store(int32(s)) }
func (e *Entry) isFree() bool     { return e.getState() == StateFree }

// lockEntry takes both slot locks, receive side first. unlockEntry releases
// in reverse.
func lockEntry(e *Entry) {
	e.rxl.Lock()
	e.txl.Lock()
}

func unlockEntry(e *Entry) {
	e.txl.Unlock()
	e.rxl.Unlock()
}

const entriesRegionName = "device_entries"

// slotStampSize is the per-slot record in the shared device_entries region:
// one state byte, one name length byte, then the name.
const slotStampSize = constants.CacheLineSize

var tbl struct {
	lock        locks.Spin
	initialized bool
	entries     [constants.MaxPktioEntries]Entry
	region      *shm.Region
	clock       *timecache.TimeCache
}

// InitGlobal reserves the shared device table region, initializes every
// slot and runs each registered driver's global init. It must be called
// once per process before any other device operation.
func InitGlobal() error {
	tbl.lock.Lock()
	defer tbl.lock.Unlock()

	if tbl.initialized {
		return newErr("init_global", CodeInUse, "device table already initialized")
	}

	region, err := shm.Reserve(entriesRegionName,
		uint64(constants.MaxPktioEntries)*slotStampSize, shm.Proc)
	if err != nil {
		return newErr("init_global", CodeResources, err.Error())
	}
	tbl.region = region
	tbl.clock = timecache.NewWithResolution(time.Millisecond)

	for i := range tbl.entries {
		e := &tbl.entries[i]
		e.handle = Handle(i + 1)
		e.setState(StateFree)
	}

	for _, d := range registeredDrivers() {
		gi, ok := d.(GlobalIniter)
		if !ok {
			continue
		}
		if err := gi.InitGlobal(); err != nil {
			logging.Error("driver global init failed", "driver", d.Name(), "err", err)
			return wrapDrvErr("init_global", Invalid, err)
		}
	}

	tbl.initialized = true
	return nil
}

// TermGlobal stops and closes every device still in use, runs driver global
// terms and releases the table region. Devices that cannot be stopped or
// closed are programming errors and abort.
func TermGlobal() error {
	for i := range tbl.entries {
		e := &tbl.entries[i]
		if e.isFree() {
			continue
		}

		lockEntry(e)
		if e.getState() == StateStarted {
			if err := stopLocked(e); err != nil {
				panic("pktio: unable to stop device " + e.name)
			}
		}
		if e.getState() != StateClosePending {
			if err := closeLocked(e); err != nil {
				panic("pktio: unable to close device " + e.name)
			}
		}
		unlockEntry(e)
	}

	for _, d := range registeredDrivers() {
		gi, ok := d.(GlobalIniter)
		if !ok {
			continue
		}
		if err := gi.TermGlobal(); err != nil {
			panic("pktio: driver term failed: " + d.Name())
		}
	}

	tbl.lock.Lock()
	defer tbl.lock.Unlock()
	if tbl.region != nil {
		if err := tbl.region.Free(); err != nil {
			logging.Error("device table region free failed", "err", err)
		}
		tbl.region = nil
	}
	if tbl.clock != nil {
		tbl.clock.Stop()
		tbl.clock = nil
	}
	tbl.initialized = false
	return nil
}

// InitLocal runs per-worker driver setup. Workers call it once before
// touching the data path.
func InitLocal() error {
	for _, d := range registeredDrivers() {
		li, ok := d.(LocalIniter)
		if !ok {
			continue
		}
		if err := li.InitLocal(); err != nil {
			return wrapDrvErr("init_local", Invalid, err)
		}
	}
	return nil
}

// TermLocal runs per-worker driver teardown.
func TermLocal() error {
	for _, d := range registeredDrivers() {
		li, ok := d.(LocalIniter)
		if !ok {
			continue
		}
		if err := li.TermLocal(); err != nil {
			return wrapDrvErr("term_local", Invalid, err)
		}
	}
	return nil
}

func getEntry(h Handle) *Entry {
	if h == Invalid || uint32(h) > constants.MaxPktioEntries {
		return nil
	}
	return &tbl.entries[uint32(h)-1]
}

func entryByIndex(i int) *Entry {
	if i < 0 || i >= constants.MaxPktioEntries {
		return nil
	}
	return &tbl.entries[i]
}

// stampSlot mirrors the slot state and name into the shared table region so
// co-operating processes can see which slots are live. Rows are per-slot, so
// concurrent stamps never tear across slots.
func stampSlot(e *Entry) {
	if tbl.region == nil {
		return
	}
	row := tbl.region.Bytes()[e.Index()*slotStampSize : (e.Index()+1)*slotStampSize]
	row[0] = byte(e.getState())
	name := e.name
	if len(name) > slotStampSize-2 {
		name = name[:slotStampSize-2]
	}
	row[1] = byte(len(name))
	copy(row[2:], name)
}

// Open binds an interface name to a free device slot. The registered
// drivers are probed in order under the table lock; the first driver to
// claim the name binds the slot. At most one open of a given name succeeds.
func Open(name string, p pool.Handle, params *Params) (Handle, error) {
	if !tbl.initialized {
		return Invalid, newErr("open", CodeResources, "device table not initialized")
	}
	if params == nil {
		def := ParamInit()
		params = &def
	}
	if len(name) == 0 || len(name) >= constants.NameLen-1 {
		return Invalid, newErr("open", CodeBadParams, "interface name length")
	}
	if !p.IsPacket() {
		return Invalid, newErr("open", CodeBadParams, "pool is not a packet pool")
	}

	tbl.lock.Lock()
	defer tbl.lock.Unlock()

	if lookupLocked(name) != Invalid {
		return Invalid, newErr("open", CodeInUse, "interface already open: "+name)
	}

	e := allocLockEntry()
	if e == nil {
		return Invalid, newErr("open", CodeResources, "no free device slots")
	}

	e.pool = p
	e.param = *params
	e.cfg = ConfigInit()
	e.classifier = nil
	e.clsEnabled.Store(false)
	initInQueues(e)
	initOutQueues(e)

	var bound Driver
	for _, d := range registeredDrivers() {
		err := d.Open(e, name, p)
		if err == nil {
			bound = d
			break
		}
		if !errors.Is(err, ErrNotClaimed) {
			logging.Debug("driver open failed", "driver", d.Name(),
				"name", name, "err", err)
		}
	}

	if bound == nil {
		e.setState(StateFree)
		unlockEntry(e)
		return Invalid, newErr("open", CodeNotSupported, "no driver for interface "+name)
	}

	e.name = name
	e.drv = bound
	e.setState(StateOpened)
	unlockEntry(e)
	stampSlot(e)

	logging.Debug("device opened", "name", name, "driver", bound.Name())
	return e.handle, nil
}

// allocLockEntry claims the first free slot and returns it locked and
// Active, or nil when the table is full.
func allocLockEntry() *Entry {
	for i := range tbl.entries {
		e := &tbl.entries[i]
		if !e.isFree() {
			continue
		}
		lockEntry(e)
		if e.isFree() {
			e.setState(StateActive)
			return e
		}
		unlockEntry(e)
	}
	return nil
}

func initInQueues(e *Entry) {
	for i := range e.inQueues {
		e.inQueues[i] = inQueueEntry{}
	}
	e.numInQueue = 0
}

func initOutQueues(e *Entry) {
	for i := range e.outQueues {
		e.outQueues[i] = outQueueEntry{}
	}
	e.numOutQueue = 0
}

func lookupLocked(name string) Handle {
	for i := range tbl.entries {
		e := &tbl.entries[i]
		st := e.getState()
		if st != StateFree && st != StateActive && e.name == name {
			return e.handle
		}
	}
	return Invalid
}

// Lookup returns the handle bound to an interface name, or Invalid.
func Lookup(name string) Handle {
	tbl.lock.Lock()
	defer tbl.lock.Unlock()
	return lookupLocked(name)
}

// Close releases the device slot. The device must be stopped (or never
// started); remaining packets on direct input queues are drained and freed
// first. A slot observed in StopPending moves to ClosePending for the
// scheduler bridge to finalize.
func (h Handle) Close() error {
	e := getEntry(h)
	if e == nil {
		return devErr("close", h, CodeBadParams, "no such device")
	}

	if e.getState() == StateStarted {
		return devErr("close", h, CodeWrongState, "stop before close")
	}
	if e.getState() == StateStopped {
		flushInQueues(e)
	}

	lockEntry(e)
	destroyInQueues(e, e.numInQueue)
	destroyOutQueues(e, e.numOutQueue)
	e.numInQueue = 0
	e.numOutQueue = 0

	tbl.lock.Lock()
	err := closeLocked(e)
	tbl.lock.Unlock()
	if err != nil {
		unlockEntry(e)
		// Close from a wrong state is a programming error.
		panic("pktio: unable to close device " + e.name)
	}
	unlockEntry(e)
	stampSlot(e)
	return nil
}

func closeLocked(e *Entry) error {
	st := e.getState()
	if st != StateOpened && st != StateStopped && st != StateStopPending {
		return devErr("close", e.handle, CodeWrongState, st.String())
	}

	if err := e.drv.Close(e); err != nil {
		return wrapDrvErr("close", e.handle, err)
	}

	if st == StateStopPending {
		e.setState(StateClosePending)
	} else {
		e.setState(StateFree)
	}
	return nil
}

// flushInQueues drains direct-mode input queues in small batches, freeing
// each packet, so the driver rings are empty before close.
func flushInQueues(e *Entry) {
	if e.param.InMode != InModeDirect {
		return
	}
	const maxPkts = 16
	var pkts [maxPkts]*pool.Buffer

	for i := 0; i < e.numInQueue; i++ {
		q := e.inQueues[i].pktin
		for {
			n, err := q.Recv(pkts[:])
			if err != nil {
				logging.Error("queue flush failed", "dev", e.name, "queue", i, "err", err)
				return
			}
			if n == 0 {
				break
			}
			pool.FreeMulti(pkts[:n])
		}
	}
}

func destroyInQueues(e *Entry, num int) {
	for i := 0; i < num; i++ {
		if q := e.inQueues[i].queue; q != nil {
			q.Destroy()
			e.inQueues[i].queue = nil
		}
	}
}

func destroyOutQueues(e *Entry, num int) {
	for i := 0; i < num; i++ {
		if q := e.outQueues[i].queue; q != nil {
			q.Destroy()
			e.outQueues[i].queue = nil
		}
	}
}

// Configure applies a feature configuration. Only valid while the device is
// not started; feature bits outside the driver capability are rejected.
func (h Handle) Configure(cfg *Config) error {
	e := getEntry(h)
	if e == nil {
		return devErr("config", h, CodeBadParams, "no such device")
	}
	if cfg == nil {
		def := ConfigInit()
		cfg = &def
	}

	capa, err := h.Capability()
	if err != nil {
		return err
	}
	if cfg.PktinBits&^capa.Config.PktinBits != 0 {
		return devErr("config", h, CodeBadParams, "unsupported input configuration option")
	}
	if cfg.PktoutBits&^capa.Config.PktoutBits != 0 {
		return devErr("config", h, CodeBadParams, "unsupported output configuration option")
	}
	if cfg.EnableLoop && !capa.Config.EnableLoop {
		return devErr("config", h, CodeBadParams, "loopback mode not supported")
	}

	lockEntry(e)
	defer unlockEntry(e)

	if e.getState() == StateStarted {
		return devErr("config", h, CodeWrongState, "device not stopped")
	}
	e.cfg = *cfg

	if c, ok := e.drv.(Configurer); ok {
		if err := c.ApplyConfig(e, cfg); err != nil {
			return wrapDrvErr("config", h, err)
		}
	}
	return nil
}

// Start moves the device to Started and, in scheduled input mode, hands the
// input event queues to the scheduler.
func (h Handle) Start() error {
	e := getEntry(h)
	if e == nil {
		return devErr("start", h, CodeBadParams, "no such device")
	}

	lockEntry(e)
	st := e.getState()
	if st != StateOpened && st != StateStopped {
		unlockEntry(e)
		return devErr("start", h, CodeWrongState, st.String())
	}
	if s, ok := e.drv.(Starter); ok {
		if err := s.Start(e); err != nil {
			unlockEntry(e)
			return wrapDrvErr("start", h, err)
		}
	}
	e.setState(StateStarted)
	unlockEntry(e)
	stampSlot(e)

	if e.param.InMode == InModeSched {
		queues := make([]*eventq.Queue, e.numInQueue)
		for i := 0; i < e.numInQueue; i++ {
			if e.inQueues[i].queue == nil {
				return devErr("start", h, CodeWrongState, "no input queue")
			}
			queues[i] = e.inQueues[i].queue
		}
		if s := scheduler(); s != nil {
			s.PktioStart(e.Index(), queues)
		}
	}
	return nil
}

// Stop halts traffic. In scheduled input mode the state becomes StopPending
// until the scheduler bridge finalizes the transition.
func (h Handle) Stop() error {
	e := getEntry(h)
	if e == nil {
		return devErr("stop", h, CodeBadParams, "no such device")
	}

	lockEntry(e)
	err := stopLocked(e)
	unlockEntry(e)
	if err == nil {
		stampSlot(e)
	}
	return err
}

func stopLocked(e *Entry) error {
	if e.getState() != StateStarted {
		return devErr("stop", e.handle, CodeWrongState, e.getState().String())
	}
	if s, ok := e.drv.(Stopper); ok {
		if err := s.Stop(e); err != nil {
			return wrapDrvErr("stop", e.handle, err)
		}
	}
	if e.param.InMode == InModeSched {
		e.setState(StateStopPending)
	} else {
		e.setState(StateStopped)
	}
	return nil
}

// State returns the current lifecycle state of the device.
func (h Handle) State() State {
	e := getEntry(h)
	if e == nil {
		return StateFree
	}
	return e.getState()
}

// MaxIndex returns the highest possible device index.
func MaxIndex() uint32 {
	return constants.MaxPktioEntries - 1
}

// Index returns the table index encoded in the handle.
func (h Handle) Index() int { return int(h) - 1 }

// rxTimestamp returns the cached receive timestamp, UnixNano.
func rxTimestamp() int64 {
	if tbl.clock == nil {
		return 0
	}
	return tbl.clock.CachedTime().UnixNano()
}

// rxClockRes is the tick rate of the cached receive clock, per second.
const rxClockRes uint64 = 1000
