package pktio

import (
	"fmt"

	"github.com/behrlich/go-pktio/internal/constants"
	"github.com/behrlich/go-pktio/internal/logging"
	"github.com/behrlich/go-pktio/pool"
)

// Info describes an open device.
type Info struct {
	Name    string
	DrvName string
	Pool    pool.Handle
	Param   Params
}

// Info returns descriptive information about the device.
func (h Handle) Info() (Info, error) {
	e := getEntry(h)
	if e == nil || e.isFree() {
		return Info{}, devErr("info", h, CodeBadParams, "no such device")
	}
	return Info{
		Name:    e.name,
		DrvName: e.drv.Name(),
		Pool:    e.pool,
		Param:   e.param,
	}, nil
}

// Capability returns what the bound driver can do. Drivers without a
// capability hook report one queue per direction with promiscuous mode
// settable. The parser layer is always forced to all layers; the same
// parser serves every device.
func (h Handle) Capability() (Capability, error) {
	e := getEntry(h)
	if e == nil || e.isFree() {
		return Capability{}, devErr("capability", h, CodeBadParams, "no such device")
	}

	var capa Capability
	if cr, ok := e.drv.(CapabilityReporter); ok {
		var err error
		capa, err = cr.Capability(e)
		if err != nil {
			return Capability{}, wrapDrvErr("capability", h, err)
		}
	} else {
		capa = singleCapability()
	}

	capa.Config.Parser = ParserLayerAll
	return capa, nil
}

// MTU returns the link MTU, or 0 when unknown.
func (h Handle) MTU() uint32 {
	e := getEntry(h)
	if e == nil {
		return 0
	}

	lockEntry(e)
	defer unlockEntry(e)

	if e.isFree() {
		return 0
	}
	mg, ok := e.drv.(MTUGetter)
	if !ok {
		return 0
	}
	mtu, err := mg.MTUGet(e)
	if err != nil {
		return 0
	}
	return mtu
}

// MaxlenIn returns the largest receivable packet length.
func (h Handle) MaxlenIn() uint32 { return h.MTU() }

// MaxlenOut returns the largest transmittable packet length.
func (h Handle) MaxlenOut() uint32 { return h.MTU() }

// PromiscModeSet switches promiscuous mode. Only valid while the device is
// not started.
func (h Handle) PromiscModeSet(enable bool) error {
	e := getEntry(h)
	if e == nil {
		return devErr("promisc_mode_set", h, CodeBadParams, "no such device")
	}

	lockEntry(e)
	defer unlockEntry(e)

	if e.isFree() {
		return devErr("promisc_mode_set", h, CodeBadParams, "device already freed")
	}
	if e.getState() == StateStarted {
		return devErr("promisc_mode_set", h, CodeWrongState, "device not stopped")
	}

	pc, ok := e.drv.(PromiscController)
	if !ok {
		return devErr("promisc_mode_set", h, CodeNotSupported, "promiscuous mode")
	}
	if err := pc.PromiscModeSet(e, enable); err != nil {
		return wrapDrvErr("promisc_mode_set", h, err)
	}
	return nil
}

// PromiscMode reports whether promiscuous mode is on.
func (h Handle) PromiscMode() (bool, error) {
	e := getEntry(h)
	if e == nil {
		return false, devErr("promisc_mode", h, CodeBadParams, "no such device")
	}

	lockEntry(e)
	defer unlockEntry(e)

	if e.isFree() {
		return false, devErr("promisc_mode", h, CodeBadParams, "device already freed")
	}
	pc, ok := e.drv.(PromiscController)
	if !ok {
		return false, devErr("promisc_mode", h, CodeNotSupported, "promiscuous mode")
	}
	on, err := pc.PromiscMode(e)
	if err != nil {
		return false, wrapDrvErr("promisc_mode", h, err)
	}
	return on, nil
}

// MACAddr returns the interface hardware address.
func (h Handle) MACAddr() ([constants.EthAlen]byte, error) {
	var addr [constants.EthAlen]byte
	e := getEntry(h)
	if e == nil {
		return addr, devErr("mac_addr", h, CodeBadParams, "no such device")
	}

	lockEntry(e)
	defer unlockEntry(e)

	if e.isFree() {
		return addr, devErr("mac_addr", h, CodeBadParams, "device already freed")
	}
	mg, ok := e.drv.(MACGetter)
	if !ok {
		return addr, devErr("mac_addr", h, CodeNotSupported, "mac address get")
	}
	addr, err := mg.MACGet(e)
	if err != nil {
		return addr, wrapDrvErr("mac_addr", h, err)
	}
	return addr, nil
}

// MACAddrSet programs the interface hardware address. Only valid while the
// device is not started.
func (h Handle) MACAddrSet(addr [constants.EthAlen]byte) error {
	e := getEntry(h)
	if e == nil {
		return devErr("mac_addr_set", h, CodeBadParams, "no such device")
	}

	lockEntry(e)
	defer unlockEntry(e)

	if e.isFree() {
		return devErr("mac_addr_set", h, CodeBadParams, "device already freed")
	}
	if e.getState() == StateStarted {
		return devErr("mac_addr_set", h, CodeWrongState, "device not stopped")
	}
	ms, ok := e.drv.(MACSetter)
	if !ok {
		return devErr("mac_addr_set", h, CodeNotSupported, "mac address set")
	}
	if err := ms.MACSet(e, addr); err != nil {
		return wrapDrvErr("mac_addr_set", h, err)
	}
	return nil
}

// LinkStatus reports link state: true up, false down.
func (h Handle) LinkStatus() (bool, error) {
	e := getEntry(h)
	if e == nil {
		return false, devErr("link_status", h, CodeBadParams, "no such device")
	}

	lockEntry(e)
	defer unlockEntry(e)

	if e.isFree() {
		return false, devErr("link_status", h, CodeBadParams, "device already freed")
	}
	ls, ok := e.drv.(LinkStatuser)
	if !ok {
		return false, devErr("link_status", h, CodeNotSupported, "link status")
	}
	up, err := ls.LinkStatus(e)
	if err != nil {
		return false, wrapDrvErr("link_status", h, err)
	}
	return up, nil
}

// PktinTsRes returns the receive timestamp resolution in ticks per second.
func (h Handle) PktinTsRes() uint64 {
	e := getEntry(h)
	if e == nil {
		return 0
	}
	if tp, ok := e.drv.(TimestampProvider); ok {
		return tp.PktinTsRes(e)
	}
	return rxClockRes
}

// PktinTsFromNs converts nanoseconds to a receive timestamp value.
func (h Handle) PktinTsFromNs(nsec uint64) int64 {
	e := getEntry(h)
	if e == nil {
		return 0
	}
	if tp, ok := e.drv.(TimestampProvider); ok {
		return tp.PktinTsFromNs(e, nsec)
	}
	return int64(nsec)
}

// Print logs a human-readable dump of the device, ending with the driver's
// own dump when it has one.
func (h Handle) Print() {
	e := getEntry(h)
	if e == nil || e.isFree() {
		return
	}

	lg := logging.Default()
	lg.Info("pktio")
	lg.Info("  handle", "value", uint32(h))
	lg.Info("  name", "value", e.name)
	lg.Info("  type", "value", e.drv.Name())
	lg.Info("  state", "value", e.getState())
	if addr, err := h.MACAddr(); err == nil {
		lg.Info("  mac", "value", fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			addr[0], addr[1], addr[2], addr[3], addr[4], addr[5]))
	}
	lg.Info("  pktin maxlen", "value", h.MaxlenIn())
	lg.Info("  pktout maxlen", "value", h.MaxlenOut())
	if on, err := h.PromiscMode(); err == nil {
		lg.Info("  promisc", "value", on)
	}
	if capa, err := h.Capability(); err == nil {
		lg.Info("  max input queues", "value", capa.MaxInputQueues)
		lg.Info("  max output queues", "value", capa.MaxOutputQueues)
	}

	if p, ok := e.drv.(Printer); ok {
		p.Print(e)
	}
}
