// Package pool implements fixed-size buffer pools for the packet I/O data
// plane. A pool reserves one contiguous shared-memory block region, carves it
// into cache-line-rounded blocks, and tracks free blocks by index on an MPMC
// ring. Worker threads attach per-thread caches that spill to and refill from
// the ring in bursts, keeping the hot alloc/free paths off the shared ring.
//
// Packet pools request process-shared, huge-page backed memory. Blocks whose
// payload would straddle a 2 MiB huge-page boundary are skipped at
// initialization and replaced from a reserve of extra blocks, because some
// transports can only DMA within a single page.
package pool

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/behrlich/go-pktio/internal/constants"
	"github.com/behrlich/go-pktio/internal/locks"
	"github.com/behrlich/go-pktio/internal/logging"
	"github.com/behrlich/go-pktio/internal/ring"
	"github.com/behrlich/go-pktio/internal/shm"
)

// Handle identifies a pool. The zero value is invalid; valid handles encode
// the pool table slot as index+1 so they stay meaningful across processes
// sharing the table region.
type Handle uint32

// Invalid is the null pool handle.
const Invalid Handle = 0

// Type selects what a pool's buffers carry.
type Type int

const (
	// TypeRaw pools hold application-defined raw buffers.
	TypeRaw Type = iota
	// TypePacket pools hold packet buffers with headroom and tailroom.
	TypePacket
	// TypeTimeout pools hold timer expiration events.
	TypeTimeout
)

func (t Type) String() string {
	switch t {
	case TypeRaw:
		return "raw"
	case TypePacket:
		return "packet"
	case TypeTimeout:
		return "timeout"
	}
	return "unknown"
}

// Err is a pool error kind.
type Err string

func (e Err) Error() string { return string(e) }

const (
	// ErrBadParams reports an unsupported size, alignment or type.
	ErrBadParams Err = "bad pool parameters"
	// ErrNoSlot reports that every pool table slot is reserved.
	ErrNoSlot Err = "no free pool slots"
	// ErrNoMemory reports a failed shared-memory reservation.
	ErrNoMemory Err = "out of shared memory"
	// ErrInUse reports outstanding thread caches on destroy.
	ErrInUse Err = "pool still in use"
	// ErrNotCreated reports an operation on a free pool slot.
	ErrNotCreated Err = "pool not created"
)

// Params describe a pool to create. Use ParamInit for defaults.
type Params struct {
	Type Type

	// Num is the number of buffers.
	Num uint32

	// Len is the buffer size for raw pools, or the requested packet
	// length for packet pools.
	Len uint32

	// SegLen is the minimum packet segment length (packet pools).
	SegLen uint32

	// MaxLen is the largest packet the pool must be able to store
	// (packet pools).
	MaxLen uint32

	// Align is the minimum payload start alignment (raw pools). Must be
	// a power of two.
	Align uint32

	// Headroom is the requested headroom in front of every packet
	// segment. Values above PacketHeadroom are rejected; packet pools
	// always reserve PacketHeadroom.
	Headroom uint32

	// UareaSize is the per-buffer user area size.
	UareaSize uint32
}

// ParamInit returns pool parameters with documented defaults set.
func ParamInit() Params {
	return Params{Headroom: constants.PacketHeadroom}
}

// Capability reports the static limits of the pool subsystem.
type Capability struct {
	MaxPools uint32

	Raw struct {
		MaxPools uint32
		MaxAlign uint32
		MaxSize  uint32
		MaxNum   uint32
	}

	Pkt struct {
		MaxPools      uint32
		MaxLen        uint32
		MaxNum        uint32
		MinHeadroom   uint32
		MaxHeadroom   uint32
		MinTailroom   uint32
		MaxSegsPerPkt uint32
		MinSegLen     uint32
		MaxSegLen     uint32
		MaxUareaSize  uint32
	}

	Tmo struct {
		MaxPools uint32
		MaxNum   uint32
	}
}

// Capabilities returns the static pool limits.
func Capabilities() Capability {
	var c Capability
	c.MaxPools = constants.MaxPools

	c.Raw.MaxPools = constants.MaxPools
	c.Raw.MaxAlign = constants.BufferAlignMax
	c.Raw.MaxSize = constants.MaxBufferSize

	c.Pkt.MaxPools = constants.MaxPools
	// Packets are single-segment here, so one segment bounds the packet.
	c.Pkt.MaxLen = constants.MaxSegLen
	c.Pkt.MinHeadroom = constants.PacketHeadroom
	c.Pkt.MaxHeadroom = constants.PacketHeadroom
	c.Pkt.MinTailroom = constants.PacketTailroom
	c.Pkt.MaxSegsPerPkt = 1
	c.Pkt.MinSegLen = constants.SegLenMin
	c.Pkt.MaxSegLen = constants.MaxSegLen
	c.Pkt.MaxUareaSize = constants.MaxBufferSize

	c.Tmo.MaxPools = constants.MaxPools
	return c
}

// pool is one slot of the pool table.
type pool struct {
	lock     locks.Ticket
	reserved bool

	name   string
	handle Handle
	index  uint32
	params Params

	num       uint32
	numExtra  uint32
	align     uint32
	headroom  uint32
	segLen    uint32
	maxLen    uint32
	tailroom  uint32
	blockSize uint32
	uareaSize uint32
	ringMask  uint32

	ring     *ring.Ring
	base     *shm.Region
	uareaReg *shm.Region
	hdrs     []Buffer

	cacheMu sync.Mutex
	caches  []*Cache
}

var tbl struct {
	once  sync.Once
	pools [constants.MaxPools]pool
}

func initTable() {
	tbl.once.Do(func() {
		for i := range tbl.pools {
			p := &tbl.pools[i]
			p.index = uint32(i)
			p.handle = Handle(i + 1)
		}
	})
}

// InitGlobal prepares the pool table. Calling it is optional; every pool
// operation initializes the table lazily as well.
func InitGlobal() error {
	initTable()
	return nil
}

// TermGlobal verifies that every pool was destroyed. Pools still reserved
// are reported and the call fails.
func TermGlobal() error {
	initTable()
	var rc error
	for i := range tbl.pools {
		p := &tbl.pools[i]
		p.lock.Lock()
		if p.reserved {
			logging.Error("pool not destroyed", "name", p.name)
			rc = ErrInUse
		}
		p.lock.Unlock()
	}
	return rc
}

func entry(h Handle) *pool {
	if h == Invalid || uint32(h) > constants.MaxPools {
		return nil
	}
	initTable()
	return &tbl.pools[uint32(h)-1]
}

// ringSize returns the free-ring capacity for num buffers.
func ringSize(num uint32) uint32 {
	const min = 2 * constants.CacheBurst
	if num <= min {
		return min
	}
	return pow2Ceil(num)
}

func pow2Ceil(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

func checkParams(params *Params) error {
	capa := Capabilities()

	switch params.Type {
	case TypeRaw:
		if params.Len > capa.Raw.MaxSize {
			return fmt.Errorf("%w: raw len %d", ErrBadParams, params.Len)
		}
		if params.Align > capa.Raw.MaxAlign {
			return fmt.Errorf("%w: align %d", ErrBadParams, params.Align)
		}
	case TypePacket:
		if params.Len > capa.Pkt.MaxLen {
			return fmt.Errorf("%w: pkt len %d", ErrBadParams, params.Len)
		}
		if params.MaxLen > capa.Pkt.MaxLen {
			return fmt.Errorf("%w: pkt max_len %d", ErrBadParams, params.MaxLen)
		}
		if params.SegLen > capa.Pkt.MaxSegLen {
			return fmt.Errorf("%w: pkt seg_len %d", ErrBadParams, params.SegLen)
		}
		if params.UareaSize > capa.Pkt.MaxUareaSize {
			return fmt.Errorf("%w: pkt uarea_size %d", ErrBadParams, params.UareaSize)
		}
		if params.Headroom > constants.PacketHeadroom {
			return fmt.Errorf("%w: pkt headroom %d", ErrBadParams, params.Headroom)
		}
	case TypeTimeout:
	default:
		return fmt.Errorf("%w: type %d", ErrBadParams, params.Type)
	}
	return nil
}

// Create builds a pool and returns its handle. Packet pools get
// process-shared, huge-page backed memory.
func Create(name string, params *Params) (Handle, error) {
	if params == nil {
		return Invalid, ErrBadParams
	}
	if len(name) >= constants.NameLen {
		return Invalid, fmt.Errorf("%w: name too long", ErrBadParams)
	}
	if err := checkParams(params); err != nil {
		return Invalid, err
	}

	align := params.Align
	if params.Type != TypeRaw {
		align = 0
	}
	if align < constants.BufferAlignMin {
		align = constants.BufferAlignMin
	}
	if align > constants.BufferAlignMax || align&(align-1) != 0 {
		return Invalid, fmt.Errorf("%w: align %d", ErrBadParams, params.Align)
	}

	var headroom, tailroom, segLen, maxLen, uareaSize, num uint32

	switch params.Type {
	case TypeRaw:
		num = params.Num
		segLen = params.Len
	case TypePacket:
		segLen = constants.MaxSegLen

		if params.Len != 0 && params.Len < constants.MaxSegLen {
			segLen = params.Len
		}
		if params.SegLen > segLen {
			segLen = params.SegLen
		}
		if segLen < constants.SegLenMin {
			segLen = constants.SegLenMin
		}

		// One 'max_len' packet must fit in the single segment
		// supported here.
		maxLen = params.MaxLen
		if maxLen == 0 {
			maxLen = segLen
		}
		if maxLen > segLen {
			segLen = maxLen
		}
		if segLen > constants.MaxSegLen {
			return Invalid, fmt.Errorf("%w: cannot store max_len packet", ErrBadParams)
		}

		headroom = constants.PacketHeadroom
		tailroom = constants.PacketTailroom
		num = params.Num
		uareaSize = params.UareaSize
	case TypeTimeout:
		num = params.Num
	}

	if num == 0 {
		return Invalid, fmt.Errorf("%w: zero buffers", ErrBadParams)
	}
	if uareaSize > 0 {
		uareaSize = roundCacheLine(uareaSize)
	}

	rs := ringSize(num)
	p := reservePool()
	if p == nil {
		return Invalid, ErrNoSlot
	}

	blockSize := roundCacheLine(blockHdrSize + align + headroom + segLen + tailroom)

	// Extra blocks absorb the ones skipped at huge-page boundaries.
	var numExtra uint32
	if params.Type == TypePacket {
		hp := uint64(constants.FirstHugePageSize)
		numExtra = uint32((uint64(num)*uint64(blockSize) + hp - 1) / hp)
		numExtra += uint32((uint64(numExtra)*uint64(blockSize) + hp - 1) / hp)
	}

	p.name = name
	p.params = *params
	p.num = num
	p.numExtra = numExtra
	p.align = align
	p.headroom = headroom
	p.segLen = segLen
	p.maxLen = maxLen
	p.tailroom = tailroom
	p.blockSize = blockSize
	p.uareaSize = uareaSize
	p.ringMask = rs - 1
	p.ring = ring.New(rs)

	shmFlags := shm.Flags(0)
	if params.Type == TypePacket {
		shmFlags = shm.Proc | shm.HugePages
	}

	shmSize := uint64(num+numExtra) * uint64(blockSize)
	base, err := shm.Reserve(p.name, shmSize, shmFlags)
	if err != nil {
		releasePool(p)
		return Invalid, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	p.base = base

	if uareaSize > 0 {
		uarea, err := shm.Reserve(p.name+"_uarea",
			uint64(num)*uint64(uareaSize), shmFlags)
		if err != nil {
			base.Free()
			releasePool(p)
			return Invalid, fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
		p.uareaReg = uarea
	}

	p.hdrs = make([]Buffer, num+numExtra)
	if err := p.initBuffers(); err != nil {
		p.base.Free()
		if p.uareaReg != nil {
			p.uareaReg.Free()
		}
		releasePool(p)
		return Invalid, err
	}

	logging.Debug("pool created", "name", name, "type", params.Type,
		"num", num, "block_size", blockSize, "extra", numExtra)
	return p.handle, nil
}

func reservePool() *pool {
	initTable()
	for i := range tbl.pools {
		p := &tbl.pools[i]
		p.lock.Lock()
		if !p.reserved {
			p.reserved = true
			p.lock.Unlock()
			return p
		}
		p.lock.Unlock()
	}
	return nil
}

func releasePool(p *pool) {
	p.lock.Lock()
	p.reserved = false
	p.name = ""
	p.ring = nil
	p.base = nil
	p.uareaReg = nil
	p.hdrs = nil
	p.caches = nil
	p.lock.Unlock()
}

// Destroy tears the pool down. Every attached thread cache is drained back
// to the ring first; a cache that cannot be drained fails the destroy.
func (h Handle) Destroy() error {
	p := entry(h)
	if p == nil {
		return ErrBadParams
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.reserved {
		return ErrNotCreated
	}

	p.cacheMu.Lock()
	caches := append([]*Cache(nil), p.caches...)
	p.cacheMu.Unlock()

	for _, c := range caches {
		if !c.drain() {
			return ErrInUse
		}
	}

	if err := p.base.Free(); err != nil {
		logging.Error("pool shm free failed", "pool", p.name, "err", err)
	}
	if p.uareaReg != nil {
		if err := p.uareaReg.Free(); err != nil {
			logging.Error("pool uarea free failed", "pool", p.name, "err", err)
		}
	}

	p.reserved = false
	p.name = ""
	p.ring = nil
	p.base = nil
	p.uareaReg = nil
	p.hdrs = nil
	p.caches = nil
	return nil
}

// Lookup returns the handle of the pool with the given name, or Invalid.
func Lookup(name string) Handle {
	initTable()
	for i := range tbl.pools {
		p := &tbl.pools[i]
		p.lock.Lock()
		if p.reserved && p.name == name {
			p.lock.Unlock()
			return p.handle
		}
		p.lock.Unlock()
	}
	return Invalid
}

// Info describes a created pool.
type Info struct {
	Name        string
	Params      Params
	MinDataAddr uint64
	MaxDataAddr uint64
}

// Info returns descriptive information about the pool.
func (h Handle) Info() (Info, error) {
	p := entry(h)
	if p == nil {
		return Info{}, ErrBadParams
	}
	if !p.reserved {
		return Info{}, ErrNotCreated
	}
	return Info{
		Name:        p.name,
		Params:      p.params,
		MinDataAddr: uint64(p.base.Addr()),
		MaxDataAddr: uint64(p.base.Addr()) + p.base.Size() - 1,
	}, nil
}

// Valid reports whether the handle names a created pool.
func (h Handle) Valid() bool {
	p := entry(h)
	return p != nil && p.reserved
}

// IsPacket reports whether the pool holds packet buffers.
func (h Handle) IsPacket() bool {
	p := entry(h)
	return p != nil && p.reserved && p.params.Type == TypePacket
}

// Name returns the pool name, or "" for an invalid handle.
func (h Handle) Name() string {
	p := entry(h)
	if p == nil || !p.reserved {
		return ""
	}
	return p.name
}

// Print logs a human-readable dump of the pool.
func (h Handle) Print() {
	p := entry(h)
	if p == nil || !p.reserved {
		return
	}
	lg := logging.Default()
	lg.Info("pool info")
	lg.Info("  handle", "value", uint32(h))
	lg.Info("  name", "value", p.name)
	lg.Info("  type", "value", p.params.Type)
	lg.Info("  num", "value", p.num)
	lg.Info("  align", "value", p.align)
	lg.Info("  headroom", "value", p.headroom)
	lg.Info("  seg len", "value", p.segLen)
	lg.Info("  max data len", "value", p.maxLen)
	lg.Info("  tailroom", "value", p.tailroom)
	lg.Info("  block size", "value", p.blockSize)
	lg.Info("  uarea size", "value", p.uareaSize)
	lg.Info("  shm size", "value", p.base.Size())
	lg.Info("  base addr", "value", fmt.Sprintf("%#x", p.base.Addr()))
	lg.Info("  huge pages", "value", p.base.HugePageBacked())
}

func roundCacheLine(v uint32) uint32 {
	const cl = constants.CacheLineSize
	return (v + cl - 1) / cl * cl
}
