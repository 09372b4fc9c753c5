package history

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventKind discriminates the typed history event variants.
type EventKind int

const (
	KindBranch EventKind = iota
	KindActivity
	KindSignal
	KindSignalSend
	KindMessageSend
	KindSubWorkflow
	KindLoop
	KindSleep
	KindVersionCheck
	KindRemoved
)

func (k EventKind) String() string {
	switch k {
	case KindBranch:
		return "branch"
	case KindActivity:
		return "activity"
	case KindSignal:
		return "signal"
	case KindSignalSend:
		return "signal_send"
	case KindMessageSend:
		return "message_send"
	case KindSubWorkflow:
		return "sub_workflow"
	case KindLoop:
		return "loop"
	case KindSleep:
		return "sleep"
	case KindVersionCheck:
		return "version_check"
	case KindRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// SleepState tracks the lifecycle of a sleep event.
type SleepState int

const (
	// SleepScheduled means the deadline was recorded but has not been
	// observed to pass.
	SleepScheduled SleepState = iota
	// SleepSlept means the deadline passed and the workflow moved on.
	SleepSlept
	// SleepInterrupted means a signal arrived before the deadline
	// (listen-with-timeout).
	SleepInterrupted
)

// Event is one recorded step in a workflow's history. Exactly one of the
// payload pointers matching Kind is set; Branch, VersionCheck and Removed
// events carry no payload.
type Event struct {
	Location Location
	Version  int
	CreateTS int64
	Kind     EventKind

	// LoopLocation is the location of the nearest enclosing loop, if any.
	// Loop iteration upserts forget every event whose LoopLocation equals
	// the loop being advanced.
	LoopLocation Location

	Activity    *ActivityEvent
	Signal      *SignalEvent
	SignalSend  *SignalSendEvent
	MessageSend *MessageSendEvent
	SubWorkflow *SubWorkflowEvent
	Loop        *LoopEvent
	Sleep       *SleepEvent
}

// ActivityEvent records one activity site. The identity of an activity is
// its name plus the stable hash of its canonical-JSON input; a replay that
// computes a different identity at the same location has diverged.
//
// Output set is terminal. Until then ErrorCount tracks failed attempts so a
// retry schedule survives worker restarts.
// Nil payload fields must stay nil across a JSON round trip (the KV backend
// stores payloads as JSON), so every optional field is omitempty: a nil
// Output marshalled as "null" would read back non-nil and look terminal.
type ActivityEvent struct {
	Name       string          `json:"name"`
	InputHash  uint64          `json:"input_hash"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCount int             `json:"error_count,omitempty"`
}

// SignalEvent records the consumption of a signal at this location.
type SignalEvent struct {
	SignalID uuid.UUID       `json:"signal_id"`
	Name     string          `json:"name"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// SignalSendEvent records a signal published from inside a workflow.
type SignalSendEvent struct {
	SignalID uuid.UUID       `json:"signal_id"`
	Name     string          `json:"name"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// MessageSendEvent records a message published to the bus.
type MessageSendEvent struct {
	Name string            `json:"name"`
	Tags map[string]string `json:"tags,omitempty"`
	Body json.RawMessage   `json:"body,omitempty"`
}

// SubWorkflowEvent records the dispatch of a child workflow.
type SubWorkflowEvent struct {
	SubWorkflowID uuid.UUID `json:"sub_workflow_id"`
	Name          string    `json:"name"`
}

// LoopEvent records a loop site. Iteration is monotonically non-decreasing;
// Output set marks the loop complete.
type LoopEvent struct {
	Iteration int             `json:"iteration"`
	State     json.RawMessage `json:"state,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// SleepEvent records a sleep site with its absolute deadline.
type SleepEvent struct {
	DeadlineTS int64      `json:"deadline_ts"`
	State      SleepState `json:"state"`
}
