package session

import "image-compressor-go/internal/compressor"

// State is the phase of a session.
type State int

const (
	StateIdle State = iota
	StateImageSelected
	StateCompressing
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateImageSelected:
		return "image_selected"
	case StateCompressing:
		return "compressing"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// EventType names a controller notification.
type EventType string

const (
	EventImageSelected EventType = "image_selected"
	EventStarted       EventType = "compression_started"
	EventProgress      EventType = "compression_progress"
	EventCompleted     EventType = "compression_completed"
	EventFailed        EventType = "compression_failed"
)

// Event is delivered to the EventSink after every applied state change.
type Event struct {
	Type     EventType
	Snapshot Snapshot
	Err      error
}

// EventSink observes a Controller. OnEvent runs on the controller's delivery
// goroutine, one event at a time in state-change order. It may read the
// Controller's Snapshot but must not call Wait.
type EventSink interface {
	OnEvent(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// OnEvent calls f(ev).
func (f SinkFunc) OnEvent(ev Event) {
	f(ev)
}

// Snapshot is a copy of the observable controller state.
type Snapshot struct {
	State    State
	Token    uint64
	Progress int

	FileName     string
	MimeType     compressor.MimeType
	OriginalSize int64

	Result       *compressor.Result
	Handle       string
	DownloadName string

	// Rate is set only when HasRate is true.
	Rate    float64
	HasRate bool

	Err error
}
