// Package eventq provides the generic bounded event queues that carry packet
// buffers between the packet I/O core, the classifier and the scheduler.
// Queues are created by the device table when an interface is configured for
// queued or scheduled input or queued output; schedulers drain them directly.
//
// The enqueue and dequeue operations of a queue can be overridden. The
// packet I/O core uses this to splice its receive and transmit paths into
// plain queues: a packet-input queue pulls from the driver when empty, a
// packet-output queue pushes straight into the driver. Queues keep only
// opaque integer back-references to their device slot, never pointers; the
// device table resolves them at use time.
package eventq

import (
	"fmt"
	"sync"

	"code.hybscloud.com/iox"

	"github.com/behrlich/go-pktio/pool"
)

// Kind tells how a queue is drained.
type Kind int

const (
	// KindPlain queues are polled by their owner.
	KindPlain Kind = iota
	// KindSched queues are drained by an external scheduler.
	KindSched
)

// DefaultCapacity is the event capacity of a queue when params leave it zero.
const DefaultCapacity = 1024

// Params describe a queue to create.
type Params struct {
	Kind     Kind
	Capacity uint32
}

// ParamInit returns queue parameters with defaults set.
func ParamInit() Params {
	return Params{Kind: KindPlain, Capacity: DefaultCapacity}
}

// Operation hooks. A nil hook keeps the built-in behavior.
type (
	EnqFn      func(q *Queue, b *pool.Buffer) error
	EnqMultiFn func(q *Queue, bufs []*pool.Buffer) int
	DeqFn      func(q *Queue) *pool.Buffer
	DeqMultiFn func(q *Queue, out []*pool.Buffer) int
)

// Queue is one bounded event queue.
type Queue struct {
	id   uint32
	name string
	kind Kind

	mu    sync.Mutex
	buf   []*pool.Buffer
	head  int
	count int

	enq      EnqFn
	enqMulti EnqMultiFn
	deq      DeqFn
	deqMulti DeqMultiFn

	// Opaque device back-reference, resolved through the device table.
	dev  uint32
	qidx int
}

var reg struct {
	mu     sync.Mutex
	nextID uint32
	queues map[uint32]*Queue
}

// Create builds a queue and registers it under a fresh id.
func Create(name string, params *Params) (*Queue, error) {
	p := ParamInit()
	if params != nil {
		p = *params
	}
	if p.Capacity == 0 {
		p.Capacity = DefaultCapacity
	}

	q := &Queue{
		name: name,
		kind: p.Kind,
		buf:  make([]*pool.Buffer, p.Capacity),
	}
	q.enq = plainEnq
	q.enqMulti = plainEnqMulti
	q.deq = plainDeq
	q.deqMulti = plainDeqMulti

	reg.mu.Lock()
	if reg.queues == nil {
		reg.queues = make(map[uint32]*Queue)
	}
	reg.nextID++
	q.id = reg.nextID
	reg.queues[q.id] = q
	reg.mu.Unlock()
	return q, nil
}

// Get resolves a queue id, returning nil for a dead or unknown id.
func Get(id uint32) *Queue {
	reg.mu.Lock()
	q := reg.queues[id]
	reg.mu.Unlock()
	return q
}

// Destroy unregisters the queue and frees any events still stored.
func (q *Queue) Destroy() error {
	reg.mu.Lock()
	delete(reg.queues, q.id)
	reg.mu.Unlock()

	q.mu.Lock()
	for q.count > 0 {
		b := q.buf[q.head]
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		pool.Free(b)
	}
	q.mu.Unlock()
	return nil
}

// ID returns the registry id of the queue.
func (q *Queue) ID() uint32 { return q.id }

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Kind returns how the queue is drained.
func (q *Queue) Kind() Kind { return q.kind }

// Len reports the stored event count.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := q.count
	q.mu.Unlock()
	return n
}

// SetOps overrides the queue operations. Nil hooks keep the current ones.
func (q *Queue) SetOps(enq EnqFn, enqMulti EnqMultiFn, deq DeqFn, deqMulti DeqMultiFn) {
	if enq != nil {
		q.enq = enq
	}
	if enqMulti != nil {
		q.enqMulti = enqMulti
	}
	if deq != nil {
		q.deq = deq
	}
	if deqMulti != nil {
		q.deqMulti = deqMulti
	}
}

// SetDeviceRef attaches the opaque device back-reference.
func (q *Queue) SetDeviceRef(dev uint32, queueIdx int) {
	q.dev = dev
	q.qidx = queueIdx
}

// DeviceRef returns the opaque device back-reference.
func (q *Queue) DeviceRef() (dev uint32, queueIdx int) {
	return q.dev, q.qidx
}

// Enq stores one event.
func (q *Queue) Enq(b *pool.Buffer) error { return q.enq(q, b) }

// EnqMulti stores a batch, returning the number accepted.
func (q *Queue) EnqMulti(bufs []*pool.Buffer) int { return q.enqMulti(q, bufs) }

// Deq removes one event, or returns nil.
func (q *Queue) Deq() *pool.Buffer { return q.deq(q) }

// DeqMulti fills out, returning the number removed.
func (q *Queue) DeqMulti(out []*pool.Buffer) int { return q.deqMulti(q, out) }

// Built-in storage operations.

func plainEnq(q *Queue, b *pool.Buffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.buf) {
		return fmt.Errorf("eventq %s: %w", q.name, iox.ErrWouldBlock)
	}
	q.buf[(q.head+q.count)%len(q.buf)] = b
	q.count++
	return nil
}

func plainEnqMulti(q *Queue, bufs []*pool.Buffer) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range bufs {
		if q.count == len(q.buf) {
			break
		}
		q.buf[(q.head+q.count)%len(q.buf)] = b
		q.count++
		n++
	}
	return n
}

func plainDeq(q *Queue) *pool.Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	b := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return b
}

func plainDeqMulti(q *Queue, out []*pool.Buffer) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(out) && q.count > 0 {
		out[n] = q.buf[q.head]
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		n++
	}
	return n
}

// StoreEnqMulti bypasses any operation override and stores straight into the
// queue. The packet-input dequeue path uses it to park surplus packets on a
// queue whose public enqueue side is forbidden.
func (q *Queue) StoreEnqMulti(bufs []*pool.Buffer) int {
	return plainEnqMulti(q, bufs)
}

// StoreDeqMulti bypasses any operation override and drains straight from the
// queue storage.
func (q *Queue) StoreDeqMulti(out []*pool.Buffer) int {
	return plainDeqMulti(q, out)
}
