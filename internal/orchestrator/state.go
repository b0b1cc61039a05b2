package orchestrator

import "time"

type State string

const (
	StateIdle                State = "IDLE"
	StateValidating          State = "VALIDATING"
	StateProbingReachability State = "PROBING_REACHABILITY"
	StateMeasuringLatency    State = "MEASURING_LATENCY"
	StateMeasuringDownload   State = "MEASURING_DOWNLOAD"
	StateMeasuringUpload     State = "MEASURING_UPLOAD"
	StateClassifying         State = "CLASSIFYING"
	StateComplete            State = "COMPLETE"
	StateFailedValidation    State = "FAILED_VALIDATION"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailedValidation
}

type EventKind string

const (
	EventLog      EventKind = "log"
	EventProgress EventKind = "progress"
	EventState    EventKind = "state"
)

// Event is delivered to the Observer for every log line, progress change and
// state transition.
type Event struct {
	Time     time.Time `json:"time"`
	Kind     EventKind `json:"kind"`
	State    State     `json:"state"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
}

// Observer receives events synchronously on the run goroutine and must not
// block.
type Observer func(Event)

type LogLine struct {
	Time    time.Time
	Message string
}

func (l LogLine) String() string {
	return "[" + l.Time.Format("15:04:05") + "] " + l.Message
}
