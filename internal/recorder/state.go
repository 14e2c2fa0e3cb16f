package recorder

import "fmt"

// State is the lifecycle state of a Recorder.
type State int32

const (
	StateIdle State = iota
	StatePreparing
	StateRecording
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
