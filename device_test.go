package pktio_test

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pktio "github.com/behrlich/go-pktio"
	_ "github.com/behrlich/go-pktio/drivers/loop"
	_ "github.com/behrlich/go-pktio/drivers/null"
	"github.com/behrlich/go-pktio/pool"
)

func TestMain(m *testing.M) {
	if err := pktio.InitGlobal(); err != nil {
		panic(err)
	}
	code := m.Run()
	if err := pktio.TermGlobal(); err != nil {
		panic(err)
	}
	os.Exit(code)
}

func makePacketPool(t *testing.T, name string, num uint32) pool.Handle {
	t.Helper()
	params := pool.ParamInit()
	params.Type = pool.TypePacket
	params.Num = num
	params.Len = 1024

	h, err := pool.Create(name, &params)
	require.NoError(t, err)
	t.Cleanup(func() { h.Destroy() })
	return h
}

func TestOpenStartStopClose(t *testing.T) {
	ph := makePacketPool(t, "dev-walk-pool", 128)

	h, err := pktio.Open("loop-walk", ph, nil)
	require.NoError(t, err)
	require.NotEqual(t, pktio.Invalid, h)
	assert.Equal(t, pktio.StateOpened, h.State())

	inParams := pktio.PktinQueueParamInit()
	inParams.NumQueues = 2
	require.NoError(t, h.PktinQueueConfig(&inParams))

	outParams := pktio.PktoutQueueParamInit()
	outParams.NumQueues = 1
	require.NoError(t, h.PktoutQueueConfig(&outParams))

	require.NoError(t, h.Start())
	assert.Equal(t, pktio.StateStarted, h.State())

	up, err := h.LinkStatus()
	require.NoError(t, err)
	assert.True(t, up)

	// Push one packet through the loopback and read it back.
	outQueues, err := h.PktoutQueues()
	require.NoError(t, err)
	require.Len(t, outQueues, 1)
	inQueues, err := h.PktinQueues()
	require.NoError(t, err)
	require.Len(t, inQueues, 2)

	b := ph.Alloc()
	require.NotNil(t, b)
	require.NoError(t, b.SetLen(64))
	n, err := outQueues[0].Send([]*pool.Buffer{b})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pkts := make([]*pool.Buffer, 16)
	n, err = inQueues[0].Recv(pkts)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, 64, len(pkts[0].Data()))
	pool.Free(pkts[0])

	require.NoError(t, h.Stop())
	assert.Equal(t, pktio.StateStopped, h.State())
	require.NoError(t, h.Close())
	assert.Equal(t, pktio.StateFree, h.State())
	assert.Equal(t, pktio.Invalid, pktio.Lookup("loop-walk"))
}

func TestOpenValidation(t *testing.T) {
	ph := makePacketPool(t, "dev-val-pool", 32)

	t.Run("name too long", func(t *testing.T) {
		long := make([]byte, 64)
		for i := range long {
			long[i] = 'a'
		}
		_, err := pktio.Open(string(long), ph, nil)
		assert.True(t, pktio.IsCode(err, pktio.CodeBadParams), "got %v", err)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := pktio.Open("", ph, nil)
		assert.True(t, pktio.IsCode(err, pktio.CodeBadParams), "got %v", err)
	})

	t.Run("non-packet pool", func(t *testing.T) {
		params := pool.ParamInit()
		params.Type = pool.TypeRaw
		params.Num = 16
		params.Len = 64
		raw, err := pool.Create("dev-val-raw", &params)
		require.NoError(t, err)
		defer raw.Destroy()

		_, err = pktio.Open("loop-val", raw, nil)
		assert.True(t, pktio.IsCode(err, pktio.CodeBadParams), "got %v", err)
	})

	t.Run("no driver claims", func(t *testing.T) {
		_, err := pktio.Open("bogus0", ph, nil)
		assert.True(t, pktio.IsCode(err, pktio.CodeNotSupported), "got %v", err)
	})
}

func TestNameCollision(t *testing.T) {
	ph := makePacketPool(t, "dev-coll-pool", 32)

	h, err := pktio.Open("loop-coll", ph, nil)
	require.NoError(t, err)
	defer func() {
		h.Close()
	}()

	_, err = pktio.Open("loop-coll", ph, nil)
	assert.True(t, pktio.IsCode(err, pktio.CodeInUse), "got %v", err)
}

func TestConcurrentOpenExactlyOnce(t *testing.T) {
	ph := makePacketPool(t, "dev-race-pool", 32)

	const attempts = 8
	var wg sync.WaitGroup
	handles := make([]pktio.Handle, attempts)
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = pktio.Open("loop-race", ph, nil)
		}(i)
	}
	wg.Wait()

	won := 0
	for i := 0; i < attempts; i++ {
		if errs[i] == nil {
			won++
			assert.NotEqual(t, pktio.Invalid, handles[i])
			defer handles[i].Close()
		} else {
			assert.Equal(t, pktio.Invalid, handles[i])
			assert.True(t, pktio.IsCode(errs[i], pktio.CodeInUse), "got %v", errs[i])
		}
	}
	assert.Equal(t, 1, won, "exactly one open must win")
}

func TestWrongStateErrors(t *testing.T) {
	ph := makePacketPool(t, "dev-state-pool", 32)

	h, err := pktio.Open("loop-state", ph, nil)
	require.NoError(t, err)
	require.NoError(t, h.PktinQueueConfig(nil))
	require.NoError(t, h.PktoutQueueConfig(nil))

	// Stop before start.
	err = h.Stop()
	assert.True(t, pktio.IsCode(err, pktio.CodeWrongState), "got %v", err)

	require.NoError(t, h.Start())

	// Start twice.
	err = h.Start()
	assert.True(t, pktio.IsCode(err, pktio.CodeWrongState), "got %v", err)

	// Configure while started.
	cfg := pktio.ConfigInit()
	err = h.Configure(&cfg)
	assert.True(t, pktio.IsCode(err, pktio.CodeWrongState), "got %v", err)

	// Queue reconfiguration while started.
	err = h.PktinQueueConfig(nil)
	assert.True(t, pktio.IsCode(err, pktio.CodeWrongState), "got %v", err)

	// Close while started.
	err = h.Close()
	assert.True(t, pktio.IsCode(err, pktio.CodeWrongState), "got %v", err)

	require.NoError(t, h.Stop())

	// Restart from stopped is allowed.
	require.NoError(t, h.Start())
	require.NoError(t, h.Stop())
	require.NoError(t, h.Close())
}

func TestConfigure(t *testing.T) {
	ph := makePacketPool(t, "dev-cfg-pool", 32)

	h, err := pktio.Open("loop-cfg", ph, nil)
	require.NoError(t, err)
	defer h.Close()

	cfg := pktio.ConfigInit()
	cfg.EnableLoop = true
	require.NoError(t, h.Configure(&cfg))
	// Configuration is idempotent while not started.
	require.NoError(t, h.Configure(&cfg))

	// Feature bits outside the capability mask are rejected.
	bad := pktio.ConfigInit()
	bad.PktinBits = ^uint64(0)
	err = h.Configure(&bad)
	assert.True(t, pktio.IsCode(err, pktio.CodeBadParams), "got %v", err)
}

func TestQueueConfigBounds(t *testing.T) {
	ph := makePacketPool(t, "dev-bounds-pool", 32)

	// The null driver has no capability hook, so the default single
	// queue per direction applies.
	h, err := pktio.Open("null-bounds", ph, nil)
	require.NoError(t, err)
	defer h.Close()

	capa, err := h.Capability()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), capa.MaxInputQueues)
	assert.Equal(t, uint32(1), capa.MaxOutputQueues)
	assert.True(t, capa.SetOp.PromiscMode)
	assert.Equal(t, pktio.ParserLayerAll, capa.Config.Parser)

	inParams := pktio.PktinQueueParamInit()
	inParams.NumQueues = 2
	err = h.PktinQueueConfig(&inParams)
	assert.True(t, pktio.IsCode(err, pktio.CodeBadParams), "got %v", err)

	inParams.NumQueues = 0
	err = h.PktinQueueConfig(&inParams)
	assert.True(t, pktio.IsCode(err, pktio.CodeBadParams), "got %v", err)

	outParams := pktio.PktoutQueueParamInit()
	outParams.NumQueues = 2
	err = h.PktoutQueueConfig(&outParams)
	assert.True(t, pktio.IsCode(err, pktio.CodeBadParams), "got %v", err)

	outParams.NumQueues = 0
	err = h.PktoutQueueConfig(&outParams)
	assert.True(t, pktio.IsCode(err, pktio.CodeBadParams), "got %v", err)
}

func TestInfoAndIdentity(t *testing.T) {
	ph := makePacketPool(t, "dev-info-pool", 32)

	h, err := pktio.Open("loop-info", ph, nil)
	require.NoError(t, err)
	defer h.Close()

	info, err := h.Info()
	require.NoError(t, err)
	assert.Equal(t, "loop-info", info.Name)
	assert.Equal(t, "loop", info.DrvName)
	assert.Equal(t, ph, info.Pool)

	assert.Equal(t, h, pktio.Lookup("loop-info"))
	assert.Equal(t, int(h)-1, h.Index())
	assert.GreaterOrEqual(t, pktio.MaxIndex(), uint32(h.Index()))

	// Print must not blow up on a healthy device.
	h.Print()
}

func TestPromiscAndMac(t *testing.T) {
	ph := makePacketPool(t, "dev-mac-pool", 32)

	h, err := pktio.Open("loop-mac", ph, nil)
	require.NoError(t, err)
	defer h.Close()

	on, err := h.PromiscMode()
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, h.PromiscModeSet(true))
	on, err = h.PromiscMode()
	require.NoError(t, err)
	assert.True(t, on)

	mac, err := h.MACAddr()
	require.NoError(t, err)
	assert.NotEqual(t, [6]byte{}, mac)

	newMac := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x42}
	require.NoError(t, h.MACAddrSet(newMac))
	mac, err = h.MACAddr()
	require.NoError(t, err)
	assert.Equal(t, newMac, mac)

	assert.Equal(t, uint32(1500), h.MTU())
	assert.Equal(t, uint32(1500), h.MaxlenIn())
	assert.Equal(t, uint32(1500), h.MaxlenOut())
}

func TestStats(t *testing.T) {
	ph := makePacketPool(t, "dev-stats-pool", 64)

	h, err := pktio.Open("loop-stats", ph, nil)
	require.NoError(t, err)
	require.NoError(t, h.PktinQueueConfig(nil))
	require.NoError(t, h.PktoutQueueConfig(nil))
	require.NoError(t, h.Start())
	defer func() {
		h.Stop()
		h.Close()
	}()

	outQueues, err := h.PktoutQueues()
	require.NoError(t, err)
	inQueues, err := h.PktinQueues()
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		b := ph.Alloc()
		require.NotNil(t, b)
		require.NoError(t, b.SetLen(100))
		_, err = outQueues[0].Send([]*pool.Buffer{b})
		require.NoError(t, err)
	}

	pkts := make([]*pool.Buffer, 16)
	n, err := inQueues[0].Recv(pkts)
	require.NoError(t, err)
	pool.FreeMulti(pkts[:n])

	stats, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.OutUcastPkts)
	assert.Equal(t, uint64(400), stats.OutOctets)
	assert.Equal(t, uint64(n), stats.InUcastPkts)

	require.NoError(t, h.StatsReset())
	stats, err = h.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.OutUcastPkts)
	assert.Zero(t, stats.InUcastPkts)
}

func TestInitLocalRoundTrip(t *testing.T) {
	require.NoError(t, pktio.InitLocal())
	require.NoError(t, pktio.TermLocal())
}
