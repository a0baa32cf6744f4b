// pktio-loop opens a loopback interface, pushes a batch of packets through
// the transmit path and reads them back, exercising the full device
// lifecycle from the command line.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	pktio "github.com/behrlich/go-pktio"
	_ "github.com/behrlich/go-pktio/drivers/loop"
	_ "github.com/behrlich/go-pktio/drivers/null"
	_ "github.com/behrlich/go-pktio/drivers/sock"
	"github.com/behrlich/go-pktio/internal/logging"
	"github.com/behrlich/go-pktio/pool"
)

func main() {
	var (
		iface   = flag.String("i", "loop0", "Interface name to open")
		count   = flag.Int("n", 16, "Number of packets to loop")
		pktLen  = flag.Int("l", 256, "Packet payload length")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *verbose {
		logging.SetDefault(logging.New(os.Stderr, logging.LevelDebug))
	}

	if err := pktio.InitGlobal(); err != nil {
		log.Fatalf("device table init failed: %v", err)
	}
	defer pktio.TermGlobal()

	params := pool.ParamInit()
	params.Type = pool.TypePacket
	params.Num = 512
	params.Len = uint32(*pktLen)
	ph, err := pool.Create("loop-pool", &params)
	if err != nil {
		log.Fatalf("pool create failed: %v", err)
	}
	defer ph.Destroy()

	h, err := pktio.Open(*iface, ph, nil)
	if err != nil {
		log.Fatalf("open %s failed: %v", *iface, err)
	}

	if err := h.PktinQueueConfig(nil); err != nil {
		log.Fatalf("input queue config failed: %v", err)
	}
	if err := h.PktoutQueueConfig(nil); err != nil {
		log.Fatalf("output queue config failed: %v", err)
	}
	if err := h.Start(); err != nil {
		log.Fatalf("start failed: %v", err)
	}

	inQueues, err := h.PktinQueues()
	if err != nil {
		log.Fatalf("pktin queues: %v", err)
	}
	outQueues, err := h.PktoutQueues()
	if err != nil {
		log.Fatalf("pktout queues: %v", err)
	}

	sent := 0
	for sent < *count {
		b := ph.Alloc()
		if b == nil {
			log.Fatal("pool exhausted")
		}
		if err := b.SetLen(*pktLen); err != nil {
			log.Fatalf("packet length %d: %v", *pktLen, err)
		}
		for i := range b.Data() {
			b.Data()[i] = byte(sent)
		}
		n, err := outQueues[0].Send([]*pool.Buffer{b})
		if err != nil {
			log.Fatalf("send failed: %v", err)
		}
		sent += n
	}

	received := 0
	pkts := make([]*pool.Buffer, 32)
	for received < sent {
		n, err := inQueues[0].RecvTmo(pkts, pktio.WaitTime(1_000_000))
		if err != nil {
			log.Fatalf("recv failed: %v", err)
		}
		if n == 0 {
			break
		}
		pool.FreeMulti(pkts[:n])
		received += n
	}

	stats, err := h.Stats()
	if err != nil {
		log.Fatalf("stats failed: %v", err)
	}
	fmt.Printf("sent %d received %d (driver: in %d pkts / %d octets, out %d pkts / %d octets)\n",
		sent, received,
		stats.InUcastPkts, stats.InOctets, stats.OutUcastPkts, stats.OutOctets)

	if err := h.Stop(); err != nil {
		log.Fatalf("stop failed: %v", err)
	}
	if err := h.Close(); err != nil {
		log.Fatalf("close failed: %v", err)
	}
}
