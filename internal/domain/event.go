package domain

// EventKind tags an outbound session event.
type EventKind string

const (
	EventOutput   EventKind = "output"
	EventError    EventKind = "error"
	EventComplete EventKind = "complete"
)

// Event is one ordered unit of session output.
// Complete is always the last event of a session.
type Event struct {
	Type EventKind `json:"type"`
	Data string    `json:"data,omitempty"`
}

// Phase is the lifecycle position of an execution session.
type Phase int32

const (
	PhaseCreated Phase = iota
	PhaseProvisioning
	PhaseUploading
	PhaseCompiling
	PhaseRunning
	PhaseCleaning
	PhaseCompleted
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseCreated:      "created",
	PhaseProvisioning: "provisioning",
	PhaseUploading:    "uploading",
	PhaseCompiling:    "compiling",
	PhaseRunning:      "running",
	PhaseCleaning:     "cleaning",
	PhaseCompleted:    "completed",
	PhaseFailed:       "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal returns true if the phase is final.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}
