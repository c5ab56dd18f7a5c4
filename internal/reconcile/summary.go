package reconcile

import "time"

// PassType distinguishes full regeneration from incremental passes.
type PassType string

const (
	PassFull        PassType = "full"
	PassIncremental PassType = "incremental"
)

// ErrorKind classifies an entry in Summary.Errors.
type ErrorKind string

const (
	ErrorSetup      ErrorKind = "setup"      // tracker registration failed; nothing was written
	ErrorIO         ErrorKind = "io"         // mkdir, temp write, rename or delete failed
	ErrorGeneration ErrorKind = "generation" // generator, validation or output path conflict
	ErrorCache      ErrorKind = "cache"      // state store load or save failed
)

// FileError is one failure recorded during a pass.
type FileError struct {
	Kind        ErrorKind `json:"kind"`
	Path        string    `json:"path,omitempty"`
	ComponentID string    `json:"componentId,omitempty"`
	Err         string    `json:"error"`
}

// Breakdown details what an incremental or full pass did.
type Breakdown struct {
	Added      int  `json:"added"`
	Modified   int  `json:"modified"`
	Removed    int  `json:"removed"`
	AppUpdated bool `json:"appUpdated"`
	Deleted    int  `json:"deleted"`
	Conflicts  int  `json:"conflicts"`
}

// Summary is the result of one generation pass. It is returned to the caller
// and broadcast with generation:complete; it is never persisted.
type Summary struct {
	Type            PassType    `json:"type"`
	PassID          string      `json:"passId"`
	Generation      uint64      `json:"generation,omitempty"`
	TotalComponents int         `json:"totalComponents"`
	FilesWritten    int         `json:"filesWritten"`
	FilesFailed     int         `json:"filesFailed"`
	Errors          []FileError `json:"errors"`
	DurationMs      int64       `json:"durationMs"`
	Skipped         bool        `json:"skipped,omitempty"`
	Breakdown       *Breakdown  `json:"breakdown,omitempty"`
}

func (s *Summary) addError(kind ErrorKind, path, id string, err error) {
	s.Errors = append(s.Errors, FileError{Kind: kind, Path: path, ComponentID: id, Err: err.Error()})
}

// Outcome is the terminal state of a pass.
func (s *Summary) Outcome() Outcome {
	if s.FilesFailed > 0 || len(s.Errors) > 0 {
		return OutcomePartialFailure
	}
	return OutcomeComplete
}

// State is the orchestrator's pass state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

type Outcome string

const (
	OutcomeComplete       Outcome = "complete"
	OutcomePartialFailure Outcome = "partial-failure"
)

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State       State     `json:"state"`
	PassType    PassType  `json:"passType,omitempty"`
	Started     time.Time `json:"started,omitempty"`
	LastOutcome Outcome   `json:"lastOutcome,omitempty"`
	LastSummary *Summary  `json:"lastSummary,omitempty"`
}
