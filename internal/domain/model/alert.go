package model

import "time"

// DispatchOutcome records what happened to a candidate issue in a cycle.
type DispatchOutcome string

const (
	DispatchSent     DispatchOutcome = "sent"
	DispatchFailed   DispatchOutcome = "failed"
	DispatchFiltered DispatchOutcome = "filtered"
)

// AlertRecord is the transient result of handling one issue. It is never
// persisted.
type AlertRecord struct {
	Issue   Issue
	Target  Target
	Outcome DispatchOutcome
	Err     error
}

// CycleOutcome summarizes the last cycle of a target for status reporting.
type CycleOutcome string

const (
	OutcomeNever       CycleOutcome = "never"
	OutcomeInitialized CycleOutcome = "initialized"
	OutcomeOK          CycleOutcome = "ok"
	OutcomeFailed      CycleOutcome = "failed"
	OutcomeDisabled    CycleOutcome = "disabled"
)

// TargetStatus is the in-memory runtime view of a target. It is rebuilt on
// every start and is not persisted.
type TargetStatus struct {
	Target              Target
	LastCheckedAt       time.Time
	LastOutcome         CycleOutcome
	LastError           string
	LastErrorKind       string
	ConsecutiveFailures int
	Disabled            bool
	AlertsSent          int
	AlertsFailed        int
	IssuesFiltered      int
}
