package pktio

import (
	"errors"
	"sync"

	"github.com/behrlich/go-pktio/pool"
)

// ErrNotClaimed is returned by a driver's Open when the interface name is
// not one it serves, letting the core try the next registered driver.
var ErrNotClaimed = errors.New("interface not claimed")

// Driver is the transport back-end contract. Open is tried on each
// registered driver in order; the first one returning nil binds the device
// slot and serves all later operations on it.
//
// Recv and Send run on the data path without the slot locks once the device
// is started; drivers handle their own per-queue locking according to the
// OpMode they were configured with.
type Driver interface {
	// Name identifies the driver in logs and device info.
	Name() string

	// Open claims the named interface for the entry, allocating driver
	// state. Any error passes the name to the next driver; errors other
	// than ErrNotClaimed are logged first.
	Open(e *Entry, name string, p pool.Handle) error

	// Close releases driver resources. Idempotent after success.
	Close(e *Entry) error

	// Recv fills pkts with up to len(pkts) received packets from the
	// given input queue and returns the count.
	Recv(e *Entry, queueIdx int, pkts []*pool.Buffer) (int, error)

	// Send transmits up to len(pkts) packets on the given output queue,
	// returning the number accepted. Accepted packets belong to the
	// driver until completion.
	Send(e *Entry, queueIdx int, pkts []*pool.Buffer) (int, error)
}

// Optional driver capabilities. The core type-asserts for these and
// substitutes defaults when absent.

// GlobalIniter is implemented by drivers needing one-time setup at device
// subsystem init and teardown at term.
type GlobalIniter interface {
	InitGlobal() error
	TermGlobal() error
}

// LocalIniter is implemented by drivers needing per-worker setup.
type LocalIniter interface {
	InitLocal() error
	TermLocal() error
}

// Starter prepares the data path when the device starts.
type Starter interface {
	Start(e *Entry) error
}

// Stopper tears the data path down when the device stops.
type Stopper interface {
	Stop(e *Entry) error
}

// TimedReceiver is a driver-side blocking receive with a microsecond
// budget. When present it replaces the core's polling loop.
type TimedReceiver interface {
	RecvTmo(e *Entry, queueIdx int, pkts []*pool.Buffer, wait uint64) (int, error)
}

// MultiQueueTrier is an interrupt-driven multi-queue receive attempt, tried
// once before the core enters its polling loop. When handled is true the
// result belongs to the driver.
type MultiQueueTrier interface {
	RecvMqTmoTryIntDriven(e *Entry, queues []PktinQueue, from *int,
		pkts []*pool.Buffer, wait uint64) (n int, handled bool, err error)
}

// MTUGetter reports the link maximum transfer unit.
type MTUGetter interface {
	MTUGet(e *Entry) (uint32, error)
}

// MACGetter reports the interface hardware address.
type MACGetter interface {
	MACGet(e *Entry) ([6]byte, error)
}

// MACSetter programs the interface hardware address.
type MACSetter interface {
	MACSet(e *Entry, addr [6]byte) error
}

// PromiscController switches and queries promiscuous mode.
type PromiscController interface {
	PromiscModeSet(e *Entry, enable bool) error
	PromiscMode(e *Entry) (bool, error)
}

// LinkStatuser reports link state: true up, false down.
type LinkStatuser interface {
	LinkStatus(e *Entry) (bool, error)
}

// CapabilityReporter fills the driver capability. Absent, the core reports
// a single queue per direction with promiscuous mode settable.
type CapabilityReporter interface {
	Capability(e *Entry) (Capability, error)
}

// Configurer applies a validated feature configuration.
type Configurer interface {
	ApplyConfig(e *Entry, cfg *Config) error
}

// InQueueConfigurer finalizes driver state after the core sets the input
// queue count.
type InQueueConfigurer interface {
	InputQueuesConfig(e *Entry, params *PktinQueueParams) error
}

// OutQueueConfigurer finalizes driver state after the core sets the output
// queue count.
type OutQueueConfigurer interface {
	OutputQueuesConfig(e *Entry, params *PktoutQueueParams) error
}

// StatsReporter exposes per-interface counters.
type StatsReporter interface {
	Stats(e *Entry) (Stats, error)
	StatsReset(e *Entry) error
}

// Printer dumps driver-specific state to the log.
type Printer interface {
	Print(e *Entry)
}

// TimestampProvider overrides the receive timestamp source.
type TimestampProvider interface {
	PktinTsRes(e *Entry) uint64
	PktinTsFromNs(e *Entry, nsec uint64) int64
}

var drvReg struct {
	mu      sync.Mutex
	drivers []Driver
}

// RegisterDriver appends a driver to the ordered probe list. Drivers
// register from their package init; registration order decides open
// precedence.
func RegisterDriver(d Driver) {
	drvReg.mu.Lock()
	drvReg.drivers = append(drvReg.drivers, d)
	drvReg.mu.Unlock()
}

func registeredDrivers() []Driver {
	drvReg.mu.Lock()
	defer drvReg.mu.Unlock()
	return append([]Driver(nil), drvReg.drivers...)
}
