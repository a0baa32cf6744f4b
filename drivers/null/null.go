// Package null provides the noop packet I/O driver: open always succeeds
// for its name tag, receive never returns packets and send consumes and
// frees everything. It exists to validate the device table state machine
// without moving any data.
//
// The driver claims every interface name starting with "null".
package null

import (
	"strings"

	pktio "github.com/behrlich/go-pktio"
	"github.com/behrlich/go-pktio/pool"
)

// Prefix is the interface name tag the driver claims.
const Prefix = "null"

func init() {
	pktio.RegisterDriver(&driver{})
}

type driver struct{}

func (d *driver) Name() string { return "null" }

func (d *driver) Open(_ *pktio.Entry, name string, _ pool.Handle) error {
	if !strings.HasPrefix(name, Prefix) {
		return pktio.ErrNotClaimed
	}
	return nil
}

func (d *driver) Close(_ *pktio.Entry) error { return nil }

func (d *driver) Recv(_ *pktio.Entry, _ int, _ []*pool.Buffer) (int, error) {
	return 0, nil
}

func (d *driver) Send(_ *pktio.Entry, _ int, pkts []*pool.Buffer) (int, error) {
	pool.FreeMulti(pkts)
	return len(pkts), nil
}

var _ pktio.Driver = (*driver)(nil)
