package pktio

import (
	"math"

	"github.com/behrlich/go-pktio/eventq"
)

// InMode selects how packets enter the application.
type InMode int

const (
	// InModeDirect delivers packets through explicit polled queues.
	InModeDirect InMode = iota
	// InModeSched delivers packets through scheduler-driven event queues.
	InModeSched
	// InModeQueue delivers packets through plain event queues that poll
	// the driver when empty.
	InModeQueue
	// InModeDisabled turns packet input off.
	InModeDisabled
)

// OutMode selects how packets leave the application.
type OutMode int

const (
	// OutModeDirect sends through explicit queue handles.
	OutModeDirect OutMode = iota
	// OutModeQueue sends through event queues.
	OutModeQueue
	// OutModeTM routes output through a traffic manager. Queue
	// configuration is a no-op for it here.
	OutModeTM
	// OutModeDisabled turns packet output off.
	OutModeDisabled
)

// OpMode declares how many users a queue has concurrently.
type OpMode int

const (
	// OpModeMT queues are safe for multiple concurrent users; the driver
	// takes its own per-queue lock.
	OpModeMT OpMode = iota
	// OpModeMTUnsafe queues have a single user at a time and skip the
	// per-queue lock.
	OpModeMTUnsafe
)

// ParserLayer selects how far received packets are parsed.
type ParserLayer int

const (
	ParserLayerNone ParserLayer = iota
	ParserLayerL2
	ParserLayerL3
	ParserLayerL4
	ParserLayerAll
)

// Params select the input and output modes of a device at open.
type Params struct {
	InMode  InMode
	OutMode OutMode
}

// ParamInit returns open parameters with documented defaults: direct input,
// direct output.
func ParamInit() Params {
	return Params{InMode: InModeDirect, OutMode: OutModeDirect}
}

// Config carries the feature configuration applied between open and start.
type Config struct {
	// Parser selects the parse depth of received packets.
	Parser ParserLayer

	// PktinBits and PktoutBits are driver feature bits, validated
	// against the capability bitmasks.
	PktinBits  uint64
	PktoutBits uint64

	// EnableLoop loops transmitted packets back to input.
	EnableLoop bool
}

// ConfigInit returns the default configuration: parse all layers, no
// feature bits.
func ConfigInit() Config {
	return Config{Parser: ParserLayerAll}
}

// Capability reports what a bound driver can do.
type Capability struct {
	MaxInputQueues  uint32
	MaxOutputQueues uint32

	SetOp struct {
		PromiscMode bool
	}

	Config struct {
		PktinBits  uint64
		PktoutBits uint64
		EnableLoop bool
		Parser     ParserLayer
	}
}

// singleCapability is the default for drivers without a capability hook:
// one queue per direction, promiscuous mode settable.
func singleCapability() Capability {
	var c Capability
	c.MaxInputQueues = 1
	c.MaxOutputQueues = 1
	c.SetOp.PromiscMode = true
	return c
}

// PktinQueueParams configure packet input queues.
type PktinQueueParams struct {
	// NumQueues is the number of input queues. With the classifier
	// enabled it may be zero; destination queues come from the
	// classifier instead.
	NumQueues uint32

	// OpMode declares the concurrency of the receive path per queue.
	OpMode OpMode

	// ClassifierEnable routes received packets through the classifier
	// hook.
	ClassifierEnable bool

	// QueueParams seed the event queues created in queued and scheduled
	// modes.
	QueueParams eventq.Params
}

// PktinQueueParamInit returns input queue parameters with defaults set.
func PktinQueueParamInit() PktinQueueParams {
	return PktinQueueParams{
		NumQueues:   1,
		OpMode:      OpModeMT,
		QueueParams: eventq.ParamInit(),
	}
}

// PktoutQueueParams configure packet output queues.
type PktoutQueueParams struct {
	NumQueues uint32
	OpMode    OpMode
}

// PktoutQueueParamInit returns output queue parameters with defaults set.
func PktoutQueueParamInit() PktoutQueueParams {
	return PktoutQueueParams{NumQueues: 1, OpMode: OpModeMT}
}

// Wait sentinels for timed receive, in microseconds.
const (
	// NoWait returns immediately when no packets are available.
	NoWait uint64 = 0
	// Wait polls until packets arrive, without a deadline.
	Wait uint64 = math.MaxUint64
)

// WaitTime converts nanoseconds to a timed-receive wait value, rounding up
// so the call waits at least the requested time.
func WaitTime(nsec uint64) uint64 {
	if nsec == 0 {
		return 0
	}
	return nsec/1000 + 1
}
