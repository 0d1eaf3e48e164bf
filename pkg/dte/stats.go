package dte

import "sync/atomic"

// Stats are running counters a supervisor can poll to observe reader
// health: resyncs make the "eventual buffer reset" recovery story
// concretely observable instead of leaving it opaque, the way a
// service exposes its running state via Redis hashes rather than
// requiring a log scrape.
type Stats struct {
	framesDispatched uint64
	resyncs          uint64
	timeouts         uint64
	linesDispatched  uint64
	unknownLines     uint64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	FramesDispatched uint64
	Resyncs          uint64
	Timeouts         uint64
	LinesDispatched  uint64
	UnknownLines     uint64
}

func (s *Stats) incFrames()   { atomic.AddUint64(&s.framesDispatched, 1) }
func (s *Stats) incResync()   { atomic.AddUint64(&s.resyncs, 1) }
func (s *Stats) incTimeout()  { atomic.AddUint64(&s.timeouts, 1) }
func (s *Stats) incLine()     { atomic.AddUint64(&s.linesDispatched, 1) }
func (s *Stats) incUnknown()  { atomic.AddUint64(&s.unknownLines, 1) }

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		FramesDispatched: atomic.LoadUint64(&s.framesDispatched),
		Resyncs:          atomic.LoadUint64(&s.resyncs),
		Timeouts:         atomic.LoadUint64(&s.timeouts),
		LinesDispatched:  atomic.LoadUint64(&s.linesDispatched),
		UnknownLines:     atomic.LoadUint64(&s.unknownLines),
	}
}
