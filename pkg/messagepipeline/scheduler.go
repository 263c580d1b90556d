package messagepipeline

import "time"

// FlushScheduler decides when buffered rows are due for a flush. The clock
// only advances on a successful flush, so a failing sink is retried on every
// check until it recovers.
type FlushScheduler struct {
	interval time.Duration
	last     time.Time
}

func NewFlushScheduler(interval time.Duration, start time.Time) *FlushScheduler {
	return &FlushScheduler{interval: interval, last: start}
}

// Due reports whether pending rows should be flushed at now.
func (s *FlushScheduler) Due(now time.Time, pending int) bool {
	return pending > 0 && now.Sub(s.last) >= s.interval
}

// Flushed records a successful flush at now.
func (s *FlushScheduler) Flushed(now time.Time) {
	s.last = now
}

// Last returns the time of the last successful flush.
func (s *FlushScheduler) Last() time.Time {
	return s.last
}
