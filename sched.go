package pktio

import (
	"sync"

	"github.com/behrlich/go-pktio/eventq"
	"github.com/behrlich/go-pktio/internal/constants"
	"github.com/behrlich/go-pktio/internal/logging"
	"github.com/behrlich/go-pktio/pool"
)

// Scheduler is the external scheduler the device table notifies when a
// scheduled-mode device starts. The scheduler then drives input through the
// bridge callbacks below.
type Scheduler interface {
	// PktioStart hands over the input event queues of a started device,
	// identified by its table index.
	PktioStart(pktioIndex int, queues []*eventq.Queue)
}

// OrderedEnqueuer is an optional scheduler capability: ordered contexts may
// claim packet-output enqueues to restore source ordering before the driver
// sees the packets. When claimed is true the scheduler owns the result.
type OrderedEnqueuer interface {
	OrdEnqMulti(q *eventq.Queue, bufs []*pool.Buffer) (n int, claimed bool)
}

var schedHook struct {
	mu sync.RWMutex
	s  Scheduler
}

// SetScheduler installs the scheduler the device table notifies. Pass nil
// to detach.
func SetScheduler(s Scheduler) {
	schedHook.mu.Lock()
	schedHook.s = s
	schedHook.mu.Unlock()
}

func scheduler() Scheduler {
	schedHook.mu.RLock()
	s := schedHook.s
	schedHook.mu.RUnlock()
	return s
}

func ordSchedEnq(q *eventq.Queue, bufs []*pool.Buffer) (int, bool) {
	s := scheduler()
	if s == nil {
		return 0, false
	}
	oe, ok := s.(OrderedEnqueuer)
	if !ok {
		return 0, false
	}
	return oe.OrdEnqMulti(q, bufs)
}

// SchedPktinPoll drains the named input queues of a device through the
// driver and bulk-enqueues the packets into the associated event queues.
// It returns 0 normally and -1 when the slot has gone inactive or into
// stop-pending, telling the scheduler to drop the device.
func SchedPktinPoll(pktioIndex int, queues []int) int {
	e := entryByIndex(pktioIndex)
	if e == nil {
		return -1
	}

	st := e.getState()
	if st != StateStarted {
		if st == StateFree || st == StateStopPending {
			return -1
		}
		logging.Debug("interface not started", "dev", e.name)
		return 0
	}

	var hdrs [constants.QueueMultiMax]*pool.Buffer
	for _, idx := range queues {
		if idx < 0 || idx >= e.numInQueue {
			continue
		}

		num, err := pktinRecvBuf(e, idx, hdrs[:])
		if err != nil {
			logging.Error("packet recv error", "dev", e.name, "queue", idx, "err", err)
			return -1
		}
		if num == 0 {
			continue
		}

		q := e.inQueues[idx].queue
		if q == nil {
			pool.FreeMulti(hdrs[:num])
			continue
		}
		dropped := num - q.StoreEnqMulti(hdrs[:num])
		if dropped > 0 {
			pool.FreeMulti(hdrs[num-dropped : num])
			e.inDiscards.Add(uint64(dropped))
		}
	}
	return 0
}

// SchedPktinPollOne polls one input queue and returns events directly to
// the scheduler's buffer. Classifier-redirected packets go to their
// destination queues and count as input discards on overflow. The return is
// the event count, or -1 when the slot has gone inactive or into
// stop-pending.
func SchedPktinPollOne(pktioIndex, rxQueue int, events []*pool.Buffer) int {
	e := entryByIndex(pktioIndex)
	if e == nil {
		return -1
	}

	st := e.getState()
	if st != StateStarted {
		if st == StateFree || st == StateStopPending {
			return -1
		}
		logging.Debug("interface not started", "dev", e.name)
		return 0
	}
	if rxQueue < 0 || rxQueue >= e.numInQueue {
		return 0
	}

	n, err := pktinRecvBuf(e, rxQueue, events)
	if err != nil {
		logging.Error("packet recv error", "dev", e.name, "queue", rxQueue, "err", err)
		return -1
	}
	return n
}

// SchedPktioStopFinalize completes the stop handshake of a scheduled-mode
// device: StopPending becomes Stopped, ClosePending becomes Free.
func SchedPktioStopFinalize(pktioIndex int) {
	e := entryByIndex(pktioIndex)
	if e == nil {
		return
	}

	lockEntry(e)
	st := e.getState()
	if st != StateStopPending && st != StateClosePending {
		unlockEntry(e)
		logging.Error("not in a pending state", "dev", e.name, "state", st)
		return
	}
	if st == StateStopPending {
		e.setState(StateStopped)
	} else {
		e.setState(StateFree)
	}
	unlockEntry(e)
	stampSlot(e)
}
