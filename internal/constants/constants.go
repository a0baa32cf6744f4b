// Package constants holds build-time configuration for the packet I/O core.
package constants

// Table sizes
const (
	// MaxPktioEntries is the number of device slots in the device table.
	MaxPktioEntries = 64

	// MaxPools is the number of pool slots in the pool table.
	MaxPools = 64

	// MaxQueues is the per-direction queue limit for one device.
	MaxQueues = 64

	// NameLen bounds the names of devices and pools: pool names must be
	// shorter than NameLen, interface names shorter than NameLen-1 since
	// they also pass through ioctls.
	NameLen = 32

	// QueueMultiMax bounds a single batched enqueue/dequeue/receive.
	QueueMultiMax = 32
)

// Buffer pool geometry
const (
	// CacheLineSize is the alignment unit for block sizing.
	CacheLineSize = 64

	// CacheBurst is the number of buffer indexes moved between a thread
	// cache and the pool ring in one transfer.
	CacheBurst = 32

	// CacheSize is the capacity of one per-thread buffer cache. Must be
	// larger than 2*CacheBurst so that a refill never forces a spill.
	CacheSize = 256

	// PacketHeadroom and PacketTailroom are reserved around every packet
	// segment.
	PacketHeadroom = 128
	PacketTailroom = 0

	// SegLenMin is the minimum packet segment length.
	SegLenMin = 256

	// MaxSegLen is the maximum packet segment length. Drivers keep segment
	// offsets in 16 bits, so this must stay below 64k.
	MaxSegLen = 8192

	// PacketMaxLen is the maximum supported packet length.
	PacketMaxLen = 65536

	// BufferAlignMin and BufferAlignMax bound the requested payload
	// alignment of raw buffer pools.
	BufferAlignMin = 8
	BufferAlignMax = 4096

	// MaxBufferSize is a practical limit for one contiguous buffer.
	MaxBufferSize = 10 * 1024 * 1024

	// FirstHugePageSize is the smallest huge page size in common use.
	// Packet buffers must not cross page boundaries from this size up,
	// since some transports DMA into a single page only.
	FirstHugePageSize = 2 * 1024 * 1024
)

// Timed receive pacing
const (
	// SleepUsec is the sleep between receive polls in timed receive.
	SleepUsec = 1

	// SleepCheck is how many sleep rounds pass between deadline checks.
	// Must be a power of two.
	SleepCheck = 32
)

// EthAlen is the length of a link-layer (MAC) address.
const EthAlen = 6
