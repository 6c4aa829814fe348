package outcome

import (
	"errors"
	"fmt"
)

// Outcome is the result a message handler reports for one delivery.
type Outcome int

const (
	// Complete acknowledges the message and removes it from the queue.
	Complete Outcome = iota + 1
	// Reject hands the message back to the queue according to the FailurePolicy.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// FailurePolicy decides what a rejected message turns into.
type FailurePolicy string

const (
	// PolicyAbandon returns the message to the queue so it is redelivered
	// until the queue's delivery limit routes it to the dead-letter sink.
	PolicyAbandon FailurePolicy = "abandon"
	// PolicyDeadLetter routes the message to the dead-letter sink right away.
	PolicyDeadLetter FailurePolicy = "dead_letter"
)

var ErrInvalidFailurePolicy = errors.New("invalid failure policy")

func (p FailurePolicy) String() string {
	return string(p)
}

// ParseFailurePolicy parses a policy name. An empty name means PolicyAbandon.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", PolicyAbandon.String():
		return PolicyAbandon, nil
	case PolicyDeadLetter.String():
		return PolicyDeadLetter, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFailurePolicy, s)
	}
}
