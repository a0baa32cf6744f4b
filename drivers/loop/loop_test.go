package loop

import (
	"os"
	"testing"

	pktio "github.com/behrlich/go-pktio"
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

func newPool(t *testing.T, name string) pool.Handle {
	t.Helper()
	params := pool.ParamInit()
	params.Type = pool.TypePacket
	params.Num = 64
	params.Len = 512

	h, err := pool.Create(name, &params)
	if err != nil {
		t.Fatalf("pool create failed: %v", err)
	}
	t.Cleanup(func() { h.Destroy() })
	return h
}

func TestClaimsPrefixOnly(t *testing.T) {
	ph := newPool(t, "loop-claim-pool")

	h, err := pktio.Open("loop-claim", ph, nil)
	if err != nil {
		t.Fatalf("open loop-claim failed: %v", err)
	}
	defer h.Close()

	info, err := h.Info()
	if err != nil {
		t.Fatalf("info failed: %v", err)
	}
	if info.DrvName != "loop" {
		t.Errorf("driver = %q, want loop", info.DrvName)
	}

	if _, err := pktio.Open("other0", ph, nil); err == nil {
		t.Error("open of unclaimed name should fail")
	}
}

func TestRoundTrip(t *testing.T) {
	ph := newPool(t, "loop-rt-pool")

	h, err := pktio.Open("loop-rt", ph, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := h.PktinQueueConfig(nil); err != nil {
		t.Fatalf("pktin config failed: %v", err)
	}
	if err := h.PktoutQueueConfig(nil); err != nil {
		t.Fatalf("pktout config failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer func() {
		h.Stop()
		h.Close()
	}()

	outQueues, err := h.PktoutQueues()
	if err != nil {
		t.Fatalf("pktout queues: %v", err)
	}
	inQueues, err := h.PktinQueues()
	if err != nil {
		t.Fatalf("pktin queues: %v", err)
	}

	payload := []byte("loopback payload bytes")
	b := ph.Alloc()
	if b == nil {
		t.Fatal("alloc failed")
	}
	if err := b.SetLen(len(payload)); err != nil {
		t.Fatalf("set len: %v", err)
	}
	copy(b.Data(), payload)

	n, err := outQueues[0].Send([]*pool.Buffer{b})
	if err != nil || n != 1 {
		t.Fatalf("send = %d, %v", n, err)
	}

	pkts := make([]*pool.Buffer, 4)
	n, err = inQueues[0].Recv(pkts)
	if err != nil || n != 1 {
		t.Fatalf("recv = %d, %v", n, err)
	}
	if string(pkts[0].Data()) != string(payload) {
		t.Errorf("payload mismatch: got %q", pkts[0].Data())
	}
	pool.Free(pkts[0])
}

func TestRecvBeforeStart(t *testing.T) {
	ph := newPool(t, "loop-idle-pool")

	h, err := pktio.Open("loop-idle", ph, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer h.Close()
	if err := h.PktinQueueConfig(nil); err != nil {
		t.Fatalf("pktin config failed: %v", err)
	}
	if err := h.PktoutQueueConfig(nil); err != nil {
		t.Fatalf("pktout config failed: %v", err)
	}

	// Not started: the driver delivers nothing.
	pkts := make([]*pool.Buffer, 4)
	q := pktio.PktinQueue{Pktio: h, Index: 0}
	n, err := q.Recv(pkts)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if n != 0 {
		t.Errorf("recv before start = %d, want 0", n)
	}
}

func TestMultiQueueFanout(t *testing.T) {
	ph := newPool(t, "loop-fan-pool")

	h, err := pktio.Open("loop-fan", ph, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	inParams := pktio.PktinQueueParamInit()
	inParams.NumQueues = 2
	if err := h.PktinQueueConfig(&inParams); err != nil {
		t.Fatalf("pktin config failed: %v", err)
	}
	outParams := pktio.PktoutQueueParamInit()
	outParams.NumQueues = 3
	if err := h.PktoutQueueConfig(&outParams); err != nil {
		t.Fatalf("pktout config failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer func() {
		h.Stop()
		h.Close()
	}()

	outQueues, _ := h.PktoutQueues()
	inQueues, _ := h.PktinQueues()

	// Output queue i lands on input queue i modulo the input count.
	for i, oq := range outQueues {
		b := ph.Alloc()
		if b == nil {
			t.Fatal("alloc failed")
		}
		b.SetLen(32)
		if n, err := oq.Send([]*pool.Buffer{b}); err != nil || n != 1 {
			t.Fatalf("send on queue %d = %d, %v", i, n, err)
		}
	}

	pkts := make([]*pool.Buffer, 8)
	n, err := inQueues[0].Recv(pkts)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if n != 2 { // output queues 0 and 2
		t.Errorf("input queue 0 got %d packets, want 2", n)
	}
	pool.FreeMulti(pkts[:n])

	n, err = inQueues[1].Recv(pkts)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if n != 1 { // output queue 1
		t.Errorf("input queue 1 got %d packets, want 1", n)
	}
	pool.FreeMulti(pkts[:n])
}

func TestCloseReleasesPackets(t *testing.T) {
	ph := newPool(t, "loop-rel-pool")

	h, err := pktio.Open("loop-rel", ph, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := h.PktinQueueConfig(nil); err != nil {
		t.Fatalf("pktin config failed: %v", err)
	}
	if err := h.PktoutQueueConfig(nil); err != nil {
		t.Fatalf("pktout config failed: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	outQueues, _ := h.PktoutQueues()
	for i := 0; i < 8; i++ {
		b := ph.Alloc()
		if b == nil {
			t.Fatal("alloc failed")
		}
		b.SetLen(32)
		if _, err := outQueues[0].Send([]*pool.Buffer{b}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Nothing may leak: every packet is back in the pool.
	bufs := make([]*pool.Buffer, 64)
	if n := ph.AllocMulti(bufs); n != 64 {
		t.Errorf("pool has %d buffers after close, want 64", n)
	} else {
		pool.FreeMulti(bufs)
	}
}
