package pool

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-pktio/internal/constants"
)

func TestCreateDestroyRoundTrip(t *testing.T) {
	params := ParamInit()
	params.Type = TypeRaw
	params.Num = 64
	params.Len = 512

	h, err := Create("rt-pool", &params)
	require.NoError(t, err)
	require.NotEqual(t, Invalid, h)

	assert.Equal(t, h, Lookup("rt-pool"))
	assert.True(t, h.Valid())
	assert.Equal(t, "rt-pool", h.Name())

	require.NoError(t, h.Destroy())
	assert.Equal(t, Invalid, Lookup("rt-pool"))
	assert.False(t, h.Valid())
}

func TestCreateBadParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"nil params handled separately", nil},
		{"align not power of two", func(p *Params) {
			p.Type = TypeRaw
			p.Num = 16
			p.Align = 24
		}},
		{"align too large", func(p *Params) {
			p.Type = TypeRaw
			p.Num = 16
			p.Align = constants.BufferAlignMax * 2
		}},
		{"zero buffers", func(p *Params) {
			p.Type = TypeRaw
			p.Num = 0
			p.Len = 64
		}},
		{"raw buffer oversize", func(p *Params) {
			p.Type = TypeRaw
			p.Num = 16
			p.Len = constants.MaxBufferSize + 1
		}},
		{"packet too long", func(p *Params) {
			p.Type = TypePacket
			p.Num = 16
			p.Len = constants.MaxSegLen + 1
		}},
		{"unknown type", func(p *Params) {
			p.Type = Type(42)
			p.Num = 16
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.mutate == nil {
				_, err := Create("bad-pool", nil)
				assert.ErrorIs(t, err, ErrBadParams)
				return
			}
			params := ParamInit()
			tt.mutate(&params)
			h, err := Create("bad-pool", &params)
			assert.ErrorIs(t, err, ErrBadParams)
			assert.Equal(t, Invalid, h)
		})
	}
}

func TestNameTooLong(t *testing.T) {
	params := ParamInit()
	params.Type = TypeRaw
	params.Num = 16
	params.Len = 64

	long := make([]byte, constants.NameLen)
	for i := range long {
		long[i] = 'x'
	}
	_, err := Create(string(long), &params)
	assert.ErrorIs(t, err, ErrBadParams)
}

func TestCapabilities(t *testing.T) {
	capa := Capabilities()
	assert.Equal(t, uint32(constants.MaxPools), capa.MaxPools)
	assert.Equal(t, uint32(constants.MaxSegLen), capa.Pkt.MaxLen)
	assert.Equal(t, uint32(1), capa.Pkt.MaxSegsPerPkt)
	assert.Equal(t, uint32(constants.BufferAlignMax), capa.Raw.MaxAlign)
}

func TestAllocFreeConservation(t *testing.T) {
	params := ParamInit()
	params.Type = TypeRaw
	params.Num = 128
	params.Len = 256

	h, err := Create("conserve-pool", &params)
	require.NoError(t, err)
	defer h.Destroy()

	before := h.freeRingLen()
	require.Equal(t, uint32(128), before)

	bufs := make([]*Buffer, 100)
	n := h.AllocMulti(bufs)
	require.Equal(t, 100, n)
	assert.Equal(t, before-100, h.freeRingLen())

	FreeMulti(bufs[:n])
	assert.Equal(t, before, h.freeRingLen())
}

func TestAllocExhaustion(t *testing.T) {
	params := ParamInit()
	params.Type = TypeRaw
	params.Num = 8
	params.Len = 64

	h, err := Create("exhaust-pool", &params)
	require.NoError(t, err)
	defer h.Destroy()

	bufs := make([]*Buffer, 8)
	require.Equal(t, 8, h.AllocMulti(bufs))

	// Both ring and pool are empty now; alloc must not block.
	assert.Nil(t, h.Alloc())

	FreeMulti(bufs)
	assert.NotNil(t, h.Alloc())
}

func TestBufferHeaderInit(t *testing.T) {
	params := ParamInit()
	params.Type = TypeRaw
	params.Num = 16
	params.Len = 300
	params.Align = 64

	h, err := Create("hdr-pool", &params)
	require.NoError(t, err)
	defer h.Destroy()

	b := h.Alloc()
	require.NotNil(t, b)
	defer Free(b)

	assert.Equal(t, TypeRaw, b.Type)
	assert.Equal(t, h, b.Pool())
	assert.Equal(t, 300, len(b.Data()))
	assert.Equal(t, 300, b.SegLen())

	// Payload start respects the requested alignment.
	assert.Zero(t, bufDataAddr(b)%64, "data start not aligned")
}

// bufDataAddr returns the virtual address of a buffer's payload start.
func bufDataAddr(b *Buffer) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b.baseData[0])))
}

func TestSetLenBounds(t *testing.T) {
	params := ParamInit()
	params.Type = TypeRaw
	params.Num = 4
	params.Len = 128

	h, err := Create("setlen-pool", &params)
	require.NoError(t, err)
	defer h.Destroy()

	b := h.Alloc()
	require.NotNil(t, b)
	defer Free(b)

	assert.NoError(t, b.SetLen(0))
	assert.NoError(t, b.SetLen(128))
	assert.Error(t, b.SetLen(129))
	assert.Error(t, b.SetLen(-1))
}

func TestUserArea(t *testing.T) {
	params := ParamInit()
	params.Type = TypePacket
	params.Num = 16
	params.Len = 512
	params.UareaSize = 48

	h, err := Create("uarea-pool", &params)
	require.NoError(t, err)
	defer h.Destroy()

	b := h.Alloc()
	require.NotNil(t, b)
	defer Free(b)

	ua := b.UserArea()
	require.NotNil(t, ua)
	// Rounded up to a cache line.
	assert.Equal(t, constants.CacheLineSize, len(ua))
	ua[0] = 0xFF
}

func TestNumExtraReserve(t *testing.T) {
	params := ParamInit()
	params.Type = TypePacket
	params.Num = 1024
	params.Len = 2048

	h, err := Create("extra-pool", &params)
	require.NoError(t, err)
	defer h.Destroy()

	p := entry(h)
	hp := uint64(constants.FirstHugePageSize)
	want := uint32((uint64(p.num)*uint64(p.blockSize) + hp - 1) / hp)
	assert.GreaterOrEqual(t, p.numExtra, want)
}

func TestHugePageBoundaryInvariant(t *testing.T) {
	params := ParamInit()
	params.Type = TypePacket
	params.Num = 1024
	params.Len = 2048

	h, err := Create("huge-pool", &params)
	require.NoError(t, err)
	defer h.Destroy()

	p := entry(h)
	pageSize := p.base.PageSize()
	if pageSize < constants.FirstHugePageSize {
		t.Skip("no huge page backing on this system")
	}

	// Every initialized buffer's payload span must stay on one page.
	bufs := make([]*Buffer, p.num)
	n := h.AllocMulti(bufs)
	require.Equal(t, int(p.num), n)
	for _, b := range bufs {
		start := bufDataAddr(b)
		end := start + uint64(len(b.baseData)) + uint64(p.tailroom) - 1
		assert.Equal(t, start&^(pageSize-1), end&^(pageSize-1),
			"buffer %d crosses a huge page boundary", b.Index())
	}
	FreeMulti(bufs)
}

func TestDestroyNotCreated(t *testing.T) {
	h := Handle(constants.MaxPools) // valid slot index, never created
	err := h.Destroy()
	assert.ErrorIs(t, err, ErrNotCreated)
}

func TestInfo(t *testing.T) {
	params := ParamInit()
	params.Type = TypeRaw
	params.Num = 8
	params.Len = 64

	h, err := Create("info-pool", &params)
	require.NoError(t, err)
	defer h.Destroy()

	info, err := h.Info()
	require.NoError(t, err)
	assert.Equal(t, "info-pool", info.Name)
	assert.Equal(t, TypeRaw, info.Params.Type)
	assert.Less(t, info.MinDataAddr, info.MaxDataAddr)
}
