package pktio

import (
	"fmt"
	"time"

	"code.hybscloud.com/iox"

	"github.com/behrlich/go-pktio/eventq"
	"github.com/behrlich/go-pktio/internal/constants"
	"github.com/behrlich/go-pktio/internal/logging"
	"github.com/behrlich/go-pktio/pool"
)

// PktinQueue is a direct-poll receive handle: a device handle plus a queue
// index. The pair is plain data and safe to copy across threads.
type PktinQueue struct {
	Pktio Handle
	Index int
}

// PktoutQueue is a direct transmit handle.
type PktoutQueue struct {
	Pktio Handle
	Index int
}

// Classifier is the hook consulted on every received packet when
// classification is enabled. It may redirect a packet by setting
// Flags.DstQueue and DstQueue on its buffer.
type Classifier interface {
	Classify(e *Entry, b *pool.Buffer)
}

// SetClassifier installs the classifier hook. Only valid while the device
// is not started.
func (h Handle) SetClassifier(c Classifier) error {
	e := getEntry(h)
	if e == nil {
		return devErr("classifier", h, CodeBadParams, "no such device")
	}
	lockEntry(e)
	defer unlockEntry(e)
	if e.getState() == StateStarted {
		return devErr("classifier", h, CodeWrongState, "device not stopped")
	}
	e.classifier = c
	return nil
}

// PktinQueueConfig creates the configured number of input queues. In queued
// and scheduled modes each queue gets an event queue named "in-<slot>-<i>";
// queued-mode event queues have their enqueue side forbidden and their
// dequeue side spliced into the driver pull path.
func (h Handle) PktinQueueConfig(params *PktinQueueParams) error {
	e := getEntry(h)
	if e == nil {
		return devErr("pktin_queue_config", h, CodeBadParams, "no such device")
	}
	if params == nil {
		def := PktinQueueParamInit()
		params = &def
	}
	if e.getState() == StateStarted {
		return devErr("pktin_queue_config", h, CodeWrongState, "device not stopped")
	}

	mode := e.param.InMode
	if mode == InModeDisabled {
		return nil
	}
	if !params.ClassifierEnable && params.NumQueues == 0 {
		return devErr("pktin_queue_config", h, CodeBadParams, "zero input queues")
	}

	num := int(params.NumQueues)
	if params.ClassifierEnable {
		num = 1
	}

	capa, err := h.Capability()
	if err != nil {
		return err
	}
	if num > int(capa.MaxInputQueues) {
		return devErr("pktin_queue_config", h, CodeBadParams, "too many input queues")
	}

	e.clsEnabled.Store(params.ClassifierEnable)

	if e.numInQueue > 0 {
		destroyInQueues(e, e.numInQueue)
	}

	for i := 0; i < num; i++ {
		if mode == InModeQueue || mode == InModeSched {
			qp := params.QueueParams
			if params.ClassifierEnable {
				qp = eventq.ParamInit()
			}
			qp.Kind = eventq.KindPlain
			if mode == InModeSched {
				qp.Kind = eventq.KindSched
			}

			q, err := eventq.Create(fmt.Sprintf("in-%d-%d", h.Index(), i), &qp)
			if err != nil {
				destroyInQueues(e, i)
				return devErr("pktin_queue_config", h, CodeResources, err.Error())
			}
			q.SetDeviceRef(uint32(h), i)

			if mode == InModeQueue {
				q.SetOps(abortPktinEnq, abortPktinEnqMulti,
					pktinDequeue, pktinDeqMulti)
			}
			e.inQueues[i].queue = q
		} else {
			e.inQueues[i].queue = nil
		}
		e.inQueues[i].pktin = PktinQueue{Pktio: h, Index: i}
	}
	e.numInQueue = num

	if c, ok := e.drv.(InQueueConfigurer); ok {
		if err := c.InputQueuesConfig(e, params); err != nil {
			return wrapDrvErr("pktin_queue_config", h, err)
		}
	}
	return nil
}

// PktoutQueueConfig creates the configured number of output queues. In
// queued mode each queue gets an event queue named "out-<slot>-<i>" whose
// dequeue side is forbidden and whose enqueue side feeds the send path.
func (h Handle) PktoutQueueConfig(params *PktoutQueueParams) error {
	e := getEntry(h)
	if e == nil {
		return devErr("pktout_queue_config", h, CodeBadParams, "no such device")
	}
	if params == nil {
		def := PktoutQueueParamInit()
		params = &def
	}
	if e.getState() == StateStarted {
		return devErr("pktout_queue_config", h, CodeWrongState, "device not stopped")
	}

	mode := e.param.OutMode
	// Output through the traffic manager configures no queues here.
	if mode == OutModeDisabled || mode == OutModeTM {
		return nil
	}
	if mode != OutModeDirect && mode != OutModeQueue {
		return devErr("pktout_queue_config", h, CodeBadParams, "bad packet output mode")
	}

	num := int(params.NumQueues)
	if num == 0 {
		return devErr("pktout_queue_config", h, CodeBadParams, "zero output queues")
	}

	capa, err := h.Capability()
	if err != nil {
		return err
	}
	if num > int(capa.MaxOutputQueues) {
		return devErr("pktout_queue_config", h, CodeBadParams, "too many output queues")
	}

	if e.numOutQueue > 0 {
		destroyOutQueues(e, e.numOutQueue)
	}
	initOutQueues(e)

	for i := 0; i < num; i++ {
		e.outQueues[i].pktout = PktoutQueue{Pktio: h, Index: i}

		if mode == OutModeQueue {
			q, err := eventq.Create(fmt.Sprintf("out-%d-%d", h.Index(), i), nil)
			if err != nil {
				destroyOutQueues(e, i)
				return devErr("pktout_queue_config", h, CodeResources, err.Error())
			}
			q.SetDeviceRef(uint32(h), i)
			q.SetOps(pktoutEnqueue, pktoutEnqMulti,
				abortPktoutDeq, abortPktoutDeqMulti)
			e.outQueues[i].queue = q
		}
	}
	e.numOutQueue = num

	if c, ok := e.drv.(OutQueueConfigurer); ok {
		if err := c.OutputQueuesConfig(e, params); err != nil {
			return wrapDrvErr("pktout_queue_config", h, err)
		}
	}
	return nil
}

// PktinQueues returns the direct-mode poll handles of the device.
func (h Handle) PktinQueues() ([]PktinQueue, error) {
	e := getEntry(h)
	if e == nil {
		return nil, devErr("pktin_queue", h, CodeBadParams, "no such device")
	}
	switch e.param.InMode {
	case InModeDisabled:
		return nil, nil
	case InModeDirect:
	default:
		return nil, devErr("pktin_queue", h, CodeBadParams, "not in direct input mode")
	}
	out := make([]PktinQueue, e.numInQueue)
	for i := range out {
		out[i] = e.inQueues[i].pktin
	}
	return out, nil
}

// PktinEventQueues returns the event queues of a queued or scheduled mode
// device.
func (h Handle) PktinEventQueues() ([]*eventq.Queue, error) {
	e := getEntry(h)
	if e == nil {
		return nil, devErr("pktin_event_queue", h, CodeBadParams, "no such device")
	}
	switch e.param.InMode {
	case InModeDisabled:
		return nil, nil
	case InModeQueue, InModeSched:
	default:
		return nil, devErr("pktin_event_queue", h, CodeBadParams, "not in queued input mode")
	}
	out := make([]*eventq.Queue, e.numInQueue)
	for i := range out {
		out[i] = e.inQueues[i].queue
	}
	return out, nil
}

// PktoutQueues returns the direct-mode transmit handles of the device.
func (h Handle) PktoutQueues() ([]PktoutQueue, error) {
	e := getEntry(h)
	if e == nil {
		return nil, devErr("pktout_queue", h, CodeBadParams, "no such device")
	}
	switch e.param.OutMode {
	case OutModeDisabled:
		return nil, nil
	case OutModeDirect:
	default:
		return nil, devErr("pktout_queue", h, CodeBadParams, "not in direct output mode")
	}
	out := make([]PktoutQueue, e.numOutQueue)
	for i := range out {
		out[i] = e.outQueues[i].pktout
	}
	return out, nil
}

// PktoutEventQueues returns the event queues of a queued output mode device.
func (h Handle) PktoutEventQueues() ([]*eventq.Queue, error) {
	e := getEntry(h)
	if e == nil {
		return nil, devErr("pktout_event_queue", h, CodeBadParams, "no such device")
	}
	switch e.param.OutMode {
	case OutModeDisabled:
		return nil, nil
	case OutModeQueue:
	default:
		return nil, devErr("pktout_event_queue", h, CodeBadParams, "not in queued output mode")
	}
	out := make([]*eventq.Queue, e.numOutQueue)
	for i := range out {
		out[i] = e.outQueues[i].queue
	}
	return out, nil
}

// Recv pulls up to len(pkts) packets from the queue. Only defined while the
// device is started.
func (q PktinQueue) Recv(pkts []*pool.Buffer) (int, error) {
	e := getEntry(q.Pktio)
	if e == nil || e.drv == nil {
		return 0, queueErr("recv", q.Pktio, q.Index, CodeBadParams, "no such device")
	}
	switch e.getState() {
	case StateFree, StateActive, StateClosePending:
		return 0, queueErr("recv", q.Pktio, q.Index, CodeWrongState, e.getState().String())
	}
	n, err := e.drv.Recv(e, q.Index, pkts)
	if err != nil {
		return n, wrapDrvErr("recv", q.Pktio, err)
	}
	return n, nil
}

// RecvTmo receives with a wait budget in microseconds. It returns as soon
// as packets arrive, zero when the wait expires, or the driver error. With
// the Wait sentinel there is no deadline.
func (q PktinQueue) RecvTmo(pkts []*pool.Buffer, wait uint64) (int, error) {
	e := getEntry(q.Pktio)
	if e == nil || e.drv == nil {
		return 0, queueErr("recv_tmo", q.Pktio, q.Index, CodeBadParams, "no such device")
	}

	if tr, ok := e.drv.(TimedReceiver); ok && wait != NoWait {
		n, err := tr.RecvTmo(e, q.Index, pkts, wait)
		if err != nil {
			return n, wrapDrvErr("recv_tmo", q.Pktio, err)
		}
		return n, nil
	}

	var deadline time.Time
	started := false
	sleepRound := uint64(0)

	for {
		n, err := q.Recv(pkts)
		if n != 0 || err != nil {
			return n, err
		}
		if wait == 0 {
			return 0, nil
		}
		if wait != Wait {
			// Record the deadline only when needed and after the
			// first receive attempt.
			if !started {
				deadline = time.Now().Add(time.Duration(wait) * time.Microsecond)
				started = true
			}
			sleepRound++
			if sleepRound&(constants.SleepCheck-1) == 0 &&
				time.Now().After(deadline) {
				return 0, nil
			}
		}
		time.Sleep(constants.SleepUsec * time.Microsecond)
	}
}

// RecvMqTmo receives from the first of several queues with packets,
// reporting the source queue index through from. Before entering the
// polling loop an interrupt-driven driver attempt is tried when the bound
// driver offers one.
func RecvMqTmo(queues []PktinQueue, from *int, pkts []*pool.Buffer, wait uint64) (int, error) {
	for i, q := range queues {
		n, err := q.Recv(pkts)
		if n != 0 || err != nil {
			if n > 0 && from != nil {
				*from = i
			}
			return n, err
		}
	}
	if wait == 0 {
		return 0, nil
	}

	if len(queues) > 0 {
		if e := getEntry(queues[0].Pktio); e != nil {
			if mt, ok := e.drv.(MultiQueueTrier); ok && sameDriver(queues, e.drv) {
				n, handled, err := mt.RecvMqTmoTryIntDriven(e, queues, from, pkts, wait)
				if handled {
					if err != nil {
						return n, wrapDrvErr("recv_mq_tmo", queues[0].Pktio, err)
					}
					return n, nil
				}
			}
		}
	}

	var deadline time.Time
	started := false
	sleepRound := uint64(0)

	for {
		for i, q := range queues {
			n, err := q.Recv(pkts)
			if n != 0 || err != nil {
				if n > 0 && from != nil {
					*from = i
				}
				return n, err
			}
		}
		if wait != Wait {
			if !started {
				deadline = time.Now().Add(time.Duration(wait) * time.Microsecond)
				started = true
			}
			sleepRound++
			if sleepRound&(constants.SleepCheck-1) == 0 &&
				time.Now().After(deadline) {
				return 0, nil
			}
		}
		time.Sleep(constants.SleepUsec * time.Microsecond)
	}
}

func sameDriver(queues []PktinQueue, d Driver) bool {
	for _, q := range queues {
		e := getEntry(q.Pktio)
		if e == nil || e.drv != d {
			return false
		}
	}
	return true
}

// Send pushes up to len(pkts) packets to the queue, returning the number
// accepted. Accepted packets belong to the driver.
func (q PktoutQueue) Send(pkts []*pool.Buffer) (int, error) {
	e := getEntry(q.Pktio)
	if e == nil || e.drv == nil {
		return 0, queueErr("send", q.Pktio, q.Index, CodeBadParams, "no such device")
	}
	switch e.getState() {
	case StateFree, StateActive, StateClosePending:
		return 0, queueErr("send", q.Pktio, q.Index, CodeWrongState, e.getState().String())
	}
	n, err := e.drv.Send(e, q.Index, pkts)
	if err != nil {
		return n, wrapDrvErr("send", q.Pktio, err)
	}
	return n, nil
}

// pktinRecvBuf is the receive dispatch of the queued and scheduled paths:
// pull a batch from the driver, stamp timestamps, run the classifier and
// peel off redirected packets. Redirected packets that overflow their
// destination queue are freed and counted as input discards.
func pktinRecvBuf(e *Entry, queueIdx int, out []*pool.Buffer) (int, error) {
	n, err := e.drv.Recv(e, queueIdx, out)
	if err != nil {
		return 0, wrapDrvErr("recv", e.handle, err)
	}

	ts := rxTimestamp()
	cls := e.clsEnabled.Load()
	numRx := 0
	for i := 0; i < n; i++ {
		b := out[i]
		b.Timestamp = ts

		if cls && e.classifier != nil {
			e.classifier.Classify(e, b)
		}
		if b.Flags.DstQueue {
			dst := eventq.Get(b.DstQueue)
			if dst == nil || dst.StoreEnqMulti([]*pool.Buffer{b}) != 1 {
				pool.Free(b)
				e.inDiscards.Add(1)
			}
			continue
		}
		out[numRx] = b
		numRx++
	}
	return numRx, nil
}

// Event queue splice points. Packet input queues pull from the driver when
// their storage runs empty; packet output queues push straight to the send
// path. The reverse directions are programming errors.

func abortPktinEnq(q *eventq.Queue, _ *pool.Buffer) error {
	panic("pktio: attempted enqueue to a pktin queue " + q.Name())
}

func abortPktinEnqMulti(q *eventq.Queue, _ []*pool.Buffer) int {
	panic("pktio: attempted enqueue to a pktin queue " + q.Name())
}

func abortPktoutDeq(q *eventq.Queue) *pool.Buffer {
	panic("pktio: attempted dequeue from a pktout queue " + q.Name())
}

func abortPktoutDeqMulti(q *eventq.Queue, _ []*pool.Buffer) int {
	panic("pktio: attempted dequeue from a pktout queue " + q.Name())
}

func pktinDequeue(q *eventq.Queue) *pool.Buffer {
	var one [1]*pool.Buffer
	if q.StoreDeqMulti(one[:]) == 1 {
		return one[0]
	}

	dev, idx := q.DeviceRef()
	e := getEntry(Handle(dev))
	if e == nil {
		return nil
	}

	var hdrs [constants.QueueMultiMax]*pool.Buffer
	n, err := pktinRecvBuf(e, idx, hdrs[:])
	if err != nil {
		logging.Error("pktin dequeue receive failed", "queue", q.Name(), "err", err)
		return nil
	}
	if n <= 0 {
		return nil
	}
	if n > 1 {
		q.StoreEnqMulti(hdrs[1:n])
	}
	return hdrs[0]
}

func pktinDeqMulti(q *eventq.Queue, out []*pool.Buffer) int {
	nbr := q.StoreDeqMulti(out)
	if nbr == len(out) {
		return nbr
	}

	dev, idx := q.DeviceRef()
	e := getEntry(Handle(dev))
	if e == nil {
		return nbr
	}

	var hdrs [constants.QueueMultiMax]*pool.Buffer
	n, err := pktinRecvBuf(e, idx, hdrs[:])
	if err != nil {
		logging.Error("pktin dequeue receive failed", "queue", q.Name(), "err", err)
		return nbr
	}

	i := 0
	for ; i < n && nbr < len(out); i++ {
		out[nbr] = hdrs[i]
		nbr++
	}
	// Park the rest for later.
	if i < n {
		q.StoreEnqMulti(hdrs[i:n])
	}
	return nbr
}

func pktoutEnqueue(q *eventq.Queue, b *pool.Buffer) error {
	one := [1]*pool.Buffer{b}
	if n, claimed := ordSchedEnq(q, one[:]); claimed {
		if n == 1 {
			return nil
		}
		return fmt.Errorf("pktio: pktout %s: %w", q.Name(), iox.ErrWouldBlock)
	}

	dev, idx := q.DeviceRef()
	e := getEntry(Handle(dev))
	if e == nil {
		return queueErr("send", Handle(dev), idx, CodeBadParams, "no such device")
	}
	n, err := e.drv.Send(e, idx, one[:])
	if err != nil {
		return wrapDrvErr("send", e.handle, err)
	}
	if n != 1 {
		return fmt.Errorf("pktio: pktout %s: %w", q.Name(), iox.ErrWouldBlock)
	}
	return nil
}

func pktoutEnqMulti(q *eventq.Queue, bufs []*pool.Buffer) int {
	if n, claimed := ordSchedEnq(q, bufs); claimed {
		return n
	}

	dev, idx := q.DeviceRef()
	e := getEntry(Handle(dev))
	if e == nil {
		return 0
	}
	n, err := e.drv.Send(e, idx, bufs)
	if err != nil {
		logging.Error("pktout enqueue send failed", "queue", q.Name(), "err", err)
		return 0
	}
	return n
}
