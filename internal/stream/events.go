package stream

import (
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/grading"
)

type EventKind string

const (
	EventContent EventKind = "content"
	EventError   EventKind = "error"
	EventGrading EventKind = "grading"
	EventDone    EventKind = "done"
)

// Event is one item delivered to the client. Every stream ends with exactly one
// EventDone, after which the channel is closed.
type Event struct {
	Kind    EventKind
	Text    string
	Grading *grading.Record
	Summary *Summary
}

type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeRejected         Outcome = "rejected"
	OutcomeQuotaExceeded    Outcome = "quota_exceeded"
	OutcomeQuotaUnavailable Outcome = "quota_unavailable"
	OutcomeConsumeFailed    Outcome = "consume_failed"
	OutcomeUpstreamError    Outcome = "upstream_error"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeCancelled        Outcome = "cancelled"
)

// Summary is carried by EventDone.
type Summary struct {
	SessionID       string
	Outcome         Outcome
	AssistantTurnID uint64
	Grading         *grading.Record
	Err             error
}

// Charged reports whether the request consumed quota.
func (s Summary) Charged() bool {
	switch s.Outcome {
	case OutcomeSucceeded, OutcomeUpstreamError, OutcomeTimeout, OutcomeCancelled:
		return true
	}
	return false
}
