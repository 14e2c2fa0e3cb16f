package audio

import (
	"context"

	"github.com/glrecorder/glrecorder/internal/core"
)

// Event is one message from an audio producer. The set of variants is closed:
// FormatReady, UnitAvailable and Finished.
type Event interface {
	isEvent()
}

// FormatReady reports the compressed output format. It is sent once, before
// any UnitAvailable.
type FormatReady struct {
	Format core.Format
}

// UnitAvailable carries one compressed AAC access unit.
type UnitAvailable struct {
	Sample core.Sample
}

// Finished is the last event of a producer. Err is nil on a clean end.
type Finished struct {
	Err error
}

func (FormatReady) isEvent()   {}
func (UnitAvailable) isEvent() {}
func (Finished) isEvent()      {}

// Source produces compressed audio on its own goroutine and delivers it on
// the events channel. Stop blocks until the producer goroutine has exited.
type Source interface {
	Start(ctx context.Context, events chan<- Event) error
	Stop()
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
