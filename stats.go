package pktio

// Stats are per-interface packet counters. Drivers fill what they track;
// the core adds the discards it accounts on the receive dispatch path.
type Stats struct {
	InOctets        uint64
	InUcastPkts     uint64
	InDiscards      uint64
	InErrors        uint64
	InUnknownProtos uint64

	OutOctets    uint64
	OutUcastPkts uint64
	OutDiscards  uint64
	OutErrors    uint64
}

// Stats returns the current counters of the device.
func (h Handle) Stats() (Stats, error) {
	e := getEntry(h)
	if e == nil {
		return Stats{}, devErr("stats", h, CodeBadParams, "no such device")
	}

	lockEntry(e)
	defer unlockEntry(e)

	if e.isFree() {
		return Stats{}, devErr("stats", h, CodeBadParams, "device already freed")
	}

	var s Stats
	if sr, ok := e.drv.(StatsReporter); ok {
		var err error
		s, err = sr.Stats(e)
		if err != nil {
			return Stats{}, wrapDrvErr("stats", h, err)
		}
	}
	s.InDiscards += e.inDiscards.Load()
	return s, nil
}

// StatsReset zeroes the device counters.
func (h Handle) StatsReset() error {
	e := getEntry(h)
	if e == nil {
		return devErr("stats_reset", h, CodeBadParams, "no such device")
	}

	lockEntry(e)
	defer unlockEntry(e)

	if e.isFree() {
		return devErr("stats_reset", h, CodeBadParams, "device already freed")
	}

	e.inDiscards.Store(0)
	if sr, ok := e.drv.(StatsReporter); ok {
		if err := sr.StatsReset(e); err != nil {
			return wrapDrvErr("stats_reset", h, err)
		}
	}
	return nil
}
