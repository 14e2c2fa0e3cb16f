// Package timesync derives the presentation clock shared by the video and
// audio tracks of one recording.
package timesync

import (
	"time"

	"k8s.io/utils/clock"
)

// Synchronizer is the clock basis of a recording. The start instant is
// latched once, by the first sample that is actually written; every later
// timestamp of either track is measured from it.
//
// Synchronizer is not safe for concurrent use; it is owned by the recorder's
// serial worker.
type Synchronizer struct {
	clock clock.PassiveClock
	speed float64

	start            time.Time
	latched          bool
	pauseAccumulated time.Duration
}

// New creates a synchronizer. A speed below 1 slows the recorded motion down,
// above 1 speeds it up. Speed must be positive.
func New(c clock.PassiveClock, speed float64) *Synchronizer {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Synchronizer{
		clock: c,
		speed: speed,
	}
}

// Latch fixes the start instant to now. It returns false if the start was
// already latched, in which case nothing changes.
func (s *Synchronizer) Latch() bool {
	if s.latched {
		return false
	}
	s.start = s.clock.Now()
	s.latched = true
	return true
}

// Latched reports whether the start instant has been fixed.
func (s *Synchronizer) Latched() bool {
	return s.latched
}

// Elapsed returns pauseAccumulated + (now - start) in microseconds, without
// speed scaling. It is zero before the start is latched.
func (s *Synchronizer) Elapsed() int64 {
	if !s.latched {
		return 0
	}
	return (s.pauseAccumulated + s.clock.Since(s.start)).Microseconds()
}

// Presentation returns Elapsed scaled by 1/speed.
func (s *Synchronizer) Presentation() int64 {
	return int64(float64(s.Elapsed()) / s.speed)
}

// Reset clears the accumulated pause time, as done when a recording stops.
func (s *Synchronizer) Reset() {
	s.pauseAccumulated = 0
}
