// Package sock provides the kernel packet socket driver. It binds an
// AF_PACKET raw socket to a network interface and moves packets with
// non-blocking socket I/O, so any real interface name resolvable by the
// kernel can be opened. Names no kernel interface answers to are passed on
// to the next driver.
package sock

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	pktio "github.com/behrlich/go-pktio"
	"github.com/behrlich/go-pktio/internal/constants"
	"github.com/behrlich/go-pktio/pool"
)

func init() {
	pktio.RegisterDriver(&driver{})
}

type driver struct{}

// state is the per-slot driver state.
type state struct {
	mu      sync.Mutex
	fd      int
	ifIndex int
	ifName  string
	mac     [constants.EthAlen]byte
	started bool
}

func (d *driver) Name() string { return "socket" }

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

func (d *driver) Open(e *pktio.Entry, name string, _ pool.Handle) error {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		// Not a kernel interface; let the next driver try.
		return pktio.ErrNotClaimed
	}

	fd, err := unix.Socket(unix.AF_PACKET,
		unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return err
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return err
	}

	st := &state{fd: fd, ifIndex: ifi.Index, ifName: name}
	copy(st.mac[:], ifi.HardwareAddr)
	e.SetDriverData(st)
	return nil
}

func (d *driver) Close(e *pktio.Entry) error {
	st, ok := e.DriverData().(*state)
	if !ok || st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.fd >= 0 {
		if err := unix.Close(st.fd); err != nil {
			return err
		}
		st.fd = -1
	}
	e.SetDriverData(nil)
	return nil
}

func (d *driver) Start(e *pktio.Entry) error {
	st := e.DriverData().(*state)
	st.mu.Lock()
	st.started = true
	st.mu.Unlock()
	return nil
}

func (d *driver) Stop(e *pktio.Entry) error {
	st := e.DriverData().(*state)
	st.mu.Lock()
	st.started = false
	st.mu.Unlock()
	return nil
}

func (d *driver) Recv(e *pktio.Entry, _ int, pkts []*pool.Buffer) (int, error) {
	st := e.DriverData().(*state)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.started {
		return 0, nil
	}

	p := e.Pool()
	num := 0
	for num < len(pkts) {
		b := p.Alloc()
		if b == nil {
			break
		}
		n, _, err := unix.Recvfrom(st.fd, b.Data(), unix.MSG_DONTWAIT)
		if err != nil {
			pool.Free(b)
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				break
			}
			return num, err
		}
		if n == 0 {
			pool.Free(b)
			break
		}
		b.SetLen(n)
		pkts[num] = b
		num++
	}
	return num, nil
}

func (d *driver) Send(e *pktio.Entry, _ int, pkts []*pool.Buffer) (int, error) {
	st := e.DriverData().(*state)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.started {
		return 0, nil
	}

	num := 0
	for _, b := range pkts {
		err := unix.Sendto(st.fd, b.Data(), unix.MSG_DONTWAIT, nil)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				break
			}
			return num, err
		}
		// The kernel copied the frame; completion is immediate.
		pool.Free(b)
		num++
	}
	return num, nil
}

// RecvTmo blocks in poll(2) for up to the wait budget before one final
// receive attempt, instead of the core's sleep loop.
func (d *driver) RecvTmo(e *pktio.Entry, queueIdx int, pkts []*pool.Buffer, wait uint64) (int, error) {
	n, err := d.Recv(e, queueIdx, pkts)
	if n != 0 || err != nil {
		return n, err
	}

	st := e.DriverData().(*state)
	timeout := -1 // pktio.Wait
	if wait != pktio.Wait {
		timeout = int((wait + 999) / 1000) // microseconds to ms, rounded up
	}

	fds := []unix.PollFd{{Fd: int32(st.fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, timeout); err != nil && err != unix.EINTR {
		return 0, err
	}
	return d.Recv(e, queueIdx, pkts)
}

func (d *driver) MTUGet(e *pktio.Entry) (uint32, error) {
	st := e.DriverData().(*state)
	ifr, err := unix.NewIfreq(st.ifName)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(st.fd, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, err
	}
	return ifr.Uint32(), nil
}

func (d *driver) MACGet(e *pktio.Entry) ([constants.EthAlen]byte, error) {
	st := e.DriverData().(*state)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mac, nil
}

func (d *driver) PromiscModeSet(e *pktio.Entry, enable bool) error {
	st := e.DriverData().(*state)
	ifr, err := unix.NewIfreq(st.ifName)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(st.fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return err
	}
	flags := ifr.Uint16()
	if enable {
		flags |= unix.IFF_PROMISC
	} else {
		flags &^= unix.IFF_PROMISC
	}
	ifr.SetUint16(flags)
	return unix.IoctlIfreq(st.fd, unix.SIOCSIFFLAGS, ifr)
}

func (d *driver) PromiscMode(e *pktio.Entry) (bool, error) {
	flags, err := d.ifFlags(e)
	if err != nil {
		return false, err
	}
	return flags&unix.IFF_PROMISC != 0, nil
}

func (d *driver) LinkStatus(e *pktio.Entry) (bool, error) {
	flags, err := d.ifFlags(e)
	if err != nil {
		return false, err
	}
	return flags&unix.IFF_RUNNING != 0, nil
}

func (d *driver) ifFlags(e *pktio.Entry) (uint16, error) {
	st := e.DriverData().(*state)
	ifr, err := unix.NewIfreq(st.ifName)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(st.fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, err
	}
	return ifr.Uint16(), nil
}

func (d *driver) Stats(e *pktio.Entry) (pktio.Stats, error) {
	st := e.DriverData().(*state)
	ts, err := unix.GetsockoptTpacketStats(st.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if err != nil {
		return pktio.Stats{}, err
	}
	return pktio.Stats{
		InUcastPkts: uint64(ts.Packets),
		InDiscards:  uint64(ts.Drops),
	}, nil
}

func (d *driver) StatsReset(e *pktio.Entry) error {
	// Reading PACKET_STATISTICS resets the kernel counters.
	st := e.DriverData().(*state)
	_, err := unix.GetsockoptTpacketStats(st.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	return err
}

var (
	_ pktio.Driver            = (*driver)(nil)
	_ pktio.Starter           = (*driver)(nil)
	_ pktio.Stopper           = (*driver)(nil)
	_ pktio.TimedReceiver     = (*driver)(nil)
	_ pktio.MTUGetter         = (*driver)(nil)
	_ pktio.MACGetter         = (*driver)(nil)
	_ pktio.PromiscController = (*driver)(nil)
	_ pktio.LinkStatuser      = (*driver)(nil)
	_ pktio.StatsReporter     = (*driver)(nil)
)
