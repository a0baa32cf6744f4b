// Package loop provides the loopback packet I/O driver. Transmitted packets
// reappear on the interface's input queues, which makes the driver the
// reference back-end for exercising the device table state machine and the
// queue plumbing without real hardware.
//
// The driver claims every interface name starting with "loop".
package loop

import (
	"strings"
	"sync"
	"sync/atomic"

	pktio "github.com/behrlich/go-pktio"
	"github.com/behrlich/go-pktio/internal/constants"
	"github.com/behrlich/go-pktio/pool"
)

// Prefix is the interface name tag the driver claims.
const Prefix = "loop"

const loopMTU = 1500

var loopMAC = [constants.EthAlen]byte{0x02, 0xe9, 0x34, 0x80, 0x73, 0x01}

func init() {
	pktio.RegisterDriver(&driver{})
}

type driver struct{}

// state is the per-slot driver state: one in-flight packet deque per input
// queue plus the interface flags and counters.
type state struct {
	mu      sync.Mutex
	queues  [][]*pool.Buffer
	started bool
	promisc bool
	mac     [constants.EthAlen]byte

	inOctets   atomic.Uint64
	inPackets  atomic.Uint64
	outOctets  atomic.Uint64
	outPackets atomic.Uint64
	outDrops   atomic.Uint64
}

func (d *driver) Name() string { return "loop" }

func (d *driver) Open(e *pktio.Entry, name string, _ pool.Handle) error {
	if !strings.HasPrefix(name, Prefix) {
		return pktio.ErrNotClaimed
	}
	st := &state{mac: loopMAC}
	st.queues = make([][]*pool.Buffer, 1)
	e.SetDriverData(st)
	return nil
}

func (d *driver) Close(e *pktio.Entry) error {
	st, ok := e.DriverData().(*state)
	if !ok || st == nil {
		return nil
	}
	st.mu.Lock()
	for i, q := range st.queues {
		for _, b := range q {
			pool.Free(b)
		}
		st.queues[i] = nil
	}
	st.mu.Unlock()
	e.SetDriverData(nil)
	return nil
}

func (d *driver) Start(e *pktio.Entry) error {
	st := e.DriverData().(*state)
	st.mu.Lock()
	st.started = true
	st.mu.Unlock()
	return nil
}

func (d *driver) Stop(e *pktio.Entry) error {
	st := e.DriverData().(*state)
	st.mu.Lock()
	st.started = false
	st.mu.Unlock()
	return nil
}

func (d *driver) Recv(e *pktio.Entry, queueIdx int, pkts []*pool.Buffer) (int, error) {
	st := e.DriverData().(*state)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.started || queueIdx < 0 || queueIdx >= len(st.queues) {
		return 0, nil
	}

	q := st.queues[queueIdx]
	n := len(pkts)
	if n > len(q) {
		n = len(q)
	}
	copy(pkts, q[:n])
	st.queues[queueIdx] = q[n:]
	if len(st.queues[queueIdx]) == 0 {
		st.queues[queueIdx] = nil
	}

	var octets uint64
	for _, b := range pkts[:n] {
		octets += uint64(len(b.Data()))
	}
	st.inPackets.Add(uint64(n))
	st.inOctets.Add(octets)
	return n, nil
}

func (d *driver) Send(e *pktio.Entry, queueIdx int, pkts []*pool.Buffer) (int, error) {
	st := e.DriverData().(*state)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.started {
		st.outDrops.Add(uint64(len(pkts)))
		pool.FreeMulti(pkts)
		return len(pkts), nil
	}

	// Loop back onto an input queue; output queue i feeds input queue
	// i modulo the configured input count.
	dst := 0
	if len(st.queues) > 0 {
		dst = queueIdx % len(st.queues)
	}

	var octets uint64
	for _, b := range pkts {
		octets += uint64(len(b.Data()))
	}
	st.queues[dst] = append(st.queues[dst], pkts...)
	st.outPackets.Add(uint64(len(pkts)))
	st.outOctets.Add(octets)
	return len(pkts), nil
}

func (d *driver) InputQueuesConfig(e *pktio.Entry, params *pktio.PktinQueueParams) error {
	st := e.DriverData().(*state)
	st.mu.Lock()
	defer st.mu.Unlock()

	num := e.NumInQueues()
	if num < 1 {
		num = 1
	}
	for _, q := range st.queues {
		for _, b := range q {
			pool.Free(b)
		}
	}
	st.queues = make([][]*pool.Buffer, num)
	return nil
}

func (d *driver) MTUGet(_ *pktio.Entry) (uint32, error) {
	return loopMTU, nil
}

func (d *driver) MACGet(e *pktio.Entry) ([constants.EthAlen]byte, error) {
	st := e.DriverData().(*state)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mac, nil
}

func (d *driver) MACSet(e *pktio.Entry, addr [constants.EthAlen]byte) error {
	st := e.DriverData().(*state)
	st.mu.Lock()
	st.mac = addr
	st.mu.Unlock()
	return nil
}

func (d *driver) PromiscModeSet(e *pktio.Entry, enable bool) error {
	st := e.DriverData().(*state)
	st.mu.Lock()
	st.promisc = enable
	st.mu.Unlock()
	return nil
}

func (d *driver) PromiscMode(e *pktio.Entry) (bool, error) {
	st := e.DriverData().(*state)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.promisc, nil
}

func (d *driver) LinkStatus(_ *pktio.Entry) (bool, error) {
	return true, nil
}

func (d *driver) Capability(_ *pktio.Entry) (pktio.Capability, error) {
	var c pktio.Capability
	c.MaxInputQueues = constants.MaxQueues
	c.MaxOutputQueues = constants.MaxQueues
	c.SetOp.PromiscMode = true
	c.Config.EnableLoop = true
	return c, nil
}

func (d *driver) Stats(e *pktio.Entry) (pktio.Stats, error) {
	st := e.DriverData().(*state)
	return pktio.Stats{
		InOctets:     st.inOctets.Load(),
		InUcastPkts:  st.inPackets.Load(),
		OutOctets:    st.outOctets.Load(),
		OutUcastPkts: st.outPackets.Load(),
		OutDiscards:  st.outDrops.Load(),
	}, nil
}

func (d *driver) StatsReset(e *pktio.Entry) error {
	st := e.DriverData().(*state)
	st.inOctets.Store(0)
	st.inPackets.Store(0)
	st.outOctets.Store(0)
	st.outPackets.Store(0)
	st.outDrops.Store(0)
	return nil
}

// Compile-time checks for the optional capabilities the driver offers.
var (
	_ pktio.Driver             = (*driver)(nil)
	_ pktio.Starter            = (*driver)(nil)
	_ pktio.Stopper            = (*driver)(nil)
	_ pktio.MTUGetter          = (*driver)(nil)
	_ pktio.MACGetter          = (*driver)(nil)
	_ pktio.MACSetter          = (*driver)(nil)
	_ pktio.PromiscController  = (*driver)(nil)
	_ pktio.LinkStatuser       = (*driver)(nil)
	_ pktio.CapabilityReporter = (*driver)(nil)
	_ pktio.InQueueConfigurer  = (*driver)(nil)
	_ pktio.StatsReporter      = (*driver)(nil)
)
