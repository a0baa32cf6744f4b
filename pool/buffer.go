package pool

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/behrlich/go-pktio/internal/constants"
)

// blockHdrSize is the in-block metadata area at the start of every block,
// one cache line. The Go-side header lives in the pool's header table; the
// block area carries a fixed-layout marker so a block is resolvable to its
// pool and index from any process mapping the region.
const blockHdrSize = constants.CacheLineSize

const blockMagic = 0x504b5442 // "PKTB"

// InputFlags carry per-packet input metadata set by the classifier hook.
type InputFlags struct {
	// DstQueue is set when the classifier redirected the packet to an
	// alternative destination queue.
	DstQueue bool
}

// Buffer is the header of one pool block. Exactly one owner holds a buffer
// at any time: the pool free ring, a thread cache, the application, an event
// queue, or a driver ring.
type Buffer struct {
	// Type is the pool type the buffer came from.
	Type Type

	// EventType and EventSubtype classify the buffer when it travels
	// through event queues.
	EventType    Type
	EventSubtype int

	// Flags, DstQueue and Timestamp are packet receive metadata.
	// DstQueue is an opaque event queue id, valid when Flags.DstQueue.
	Flags     InputFlags
	DstQueue  uint32
	Timestamp int64

	pool   Handle
	index  uint32
	refCnt atomic.Uint32

	size     uint32 // headroom + seg len + tailroom
	segCount int
	data     []byte // current payload span
	baseData []byte // full segment span starting at data_start
	tailroom uint32
	uarea    []byte
	bufEnd   uintptr
}

// Pool returns the owning pool handle.
func (b *Buffer) Pool() Handle { return b.pool }

// Index returns the buffer's block index within its pool.
func (b *Buffer) Index() uint32 { return b.index }

// Data returns the current payload span.
func (b *Buffer) Data() []byte { return b.data }

// SegLen returns the full segment length.
func (b *Buffer) SegLen() int { return len(b.baseData) }

// UserArea returns the per-buffer user area, or nil.
func (b *Buffer) UserArea() []byte { return b.uarea }

// SetLen resizes the payload span within the segment.
func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > len(b.baseData) {
		return fmt.Errorf("%w: len %d beyond segment %d", ErrBadParams, n, len(b.baseData))
	}
	b.data = b.baseData[:n]
	return nil
}

// reset restores the allocation-time header state: payload at base data with
// full segment length and cleared packet metadata.
func (b *Buffer) reset() {
	b.data = b.baseData
	b.EventSubtype = 0
	b.Flags = InputFlags{}
	b.DstQueue = 0
	b.Timestamp = 0
}

// initBuffers lays out and initializes the block region, enqueueing every
// usable block index on the free ring. Packet blocks that straddle a
// huge-page boundary are skipped and consumed from the extra reserve.
func (p *pool) initBuffers() error {
	base := p.base.Bytes()
	baseAddr := uint64(p.base.Addr())
	pageSize := p.base.PageSize()
	total := p.num + p.numExtra

	skipped := uint32(0)
	for i := uint32(0); i < p.num+skipped; i++ {
		if i >= total {
			return fmt.Errorf("%w: extra blocks exhausted", ErrNoMemory)
		}
		off := uint64(i) * uint64(p.blockSize)
		addr := baseAddr + off

		// Skip packet buffers which cross huge page boundaries. Some
		// NICs cannot handle buffers which cross page boundaries.
		if p.params.Type == TypePacket && pageSize >= constants.FirstHugePageSize {
			firstPage := addr &^ (pageSize - 1)
			lastPage := (addr + uint64(p.blockSize) - 1) &^ (pageSize - 1)
			if firstPage != lastPage {
				skipped++
				continue
			}
		}

		var uarea []byte
		if p.uareaSize > 0 {
			j := uint64(i-skipped) * uint64(p.uareaSize)
			uarea = p.uareaReg.Bytes()[j : j+uint64(p.uareaSize)]
		}

		// Payload starts headroom past the header area, advanced to
		// the first aligned offset.
		offset := uint64(blockHdrSize) + uint64(p.headroom)
		for (addr+offset)%uint64(p.align) != 0 {
			offset++
		}

		start := off + offset
		end := start + uint64(p.segLen)

		h := &p.hdrs[i]
		h.Type = p.params.Type
		h.EventType = p.params.Type
		h.EventSubtype = 0
		h.pool = p.handle
		h.index = i
		h.size = p.headroom + p.segLen + p.tailroom
		h.segCount = 1
		h.baseData = base[start:end:end]
		h.data = h.baseData
		h.tailroom = p.tailroom
		h.uarea = uarea
		h.bufEnd = uintptr(addr) + uintptr(offset) + uintptr(p.segLen) + uintptr(p.tailroom)
		h.refCnt.Store(0)

		writeBlockMarker(base[off:off+blockHdrSize], p.index, i, p.blockSize)

		if !p.ring.Enq(i) {
			return fmt.Errorf("%w: free ring overflow", ErrNoMemory)
		}
	}
	return nil
}

// writeBlockMarker stamps the fixed-layout block metadata: magic, pool slot,
// block index and block size, little-endian.
func writeBlockMarker(dst []byte, poolIdx, bufIdx, blockSize uint32) {
	binary.LittleEndian.PutUint32(dst[0:4], blockMagic)
	binary.LittleEndian.PutUint32(dst[4:8], poolIdx)
	binary.LittleEndian.PutUint32(dst[8:12], bufIdx)
	binary.LittleEndian.PutUint32(dst[12:16], blockSize)
}

// Alloc takes one buffer straight from the free ring, bypassing thread
// caches. It returns nil when the pool is exhausted; it never blocks.
func (h Handle) Alloc() *Buffer {
	p := entry(h)
	if p == nil || !p.reserved {
		return nil
	}
	idx, ok := p.ring.Deq()
	if !ok {
		return nil
	}
	b := &p.hdrs[idx]
	b.reset()
	return b
}

// AllocMulti fills out with buffers from the free ring, returning the number
// allocated.
func (h Handle) AllocMulti(out []*Buffer) int {
	p := entry(h)
	if p == nil || !p.reserved {
		return 0
	}
	var idx [constants.QueueMultiMax]uint32
	got := 0
	for got < len(out) {
		want := len(out) - got
		if want > len(idx) {
			want = len(idx)
		}
		n := p.ring.DeqMulti(idx[:want])
		for i := 0; i < n; i++ {
			b := &p.hdrs[idx[i]]
			b.reset()
			out[got+i] = b
		}
		got += n
		if n < want {
			break
		}
	}
	return got
}

// Free returns a buffer to its pool's free ring. Freeing into a destroyed
// pool is a programming error and panics.
func Free(b *Buffer) {
	p := entry(b.pool)
	if p == nil || !p.reserved {
		panic("pool: free into destroyed pool")
	}
	if !p.ring.Enq(b.index) {
		// The ring holds every index of the pool by construction.
		panic("pool: free ring overflow")
	}
}

// FreeMulti returns a batch of buffers to their pools.
func FreeMulti(bufs []*Buffer) {
	for _, b := range bufs {
		Free(b)
	}
}

// freeRingLen reports the free ring occupancy, for tests and diagnostics.
func (h Handle) freeRingLen() uint32 {
	p := entry(h)
	if p == nil || !p.reserved {
		return 0
	}
	return p.ring.Len()
}
