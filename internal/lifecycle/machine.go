package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTerminalState     = errors.New("payment is in a terminal state")
)

type Outcome int

const (
	// Rejected means the transition was refused and nothing changed.
	Rejected Outcome = iota
	// Applied means the status moved to the target.
	Applied
	// Duplicate means the status already equals the target. Callers treat it
	// as a successful no-op.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

var transitions = map[Status][]Status{
	StatusCreated: {
		StatusRequiresPaymentMethod, StatusRequiresConfirmation, StatusProcessing,
		StatusCancelled, StatusFailed,
	},
	StatusRequiresPaymentMethod: {
		StatusRequiresConfirmation, StatusProcessing, StatusCancelled, StatusFailed,
	},
	StatusRequiresConfirmation: {
		StatusRequiresPaymentMethod, StatusProcessing, StatusCancelled, StatusFailed,
	},
	// Processing -> RequiresConfirmation only happens when a drain aborts a
	// call whose outcome is unknown.
	StatusProcessing: {
		StatusAuthorized, StatusRequiresCapture, StatusCaptured, StatusFailed,
		StatusRequiresConfirmation,
	},
	StatusAuthorized: {
		StatusCaptured, StatusPartiallyCaptured, StatusCancelled, StatusFailed,
	},
	StatusRequiresCapture: {
		StatusCaptured, StatusPartiallyCaptured, StatusCancelled, StatusFailed,
	},
	StatusCaptured: {
		StatusSettled, StatusRefunded, StatusPartiallyRefunded,
	},
	StatusPartiallyCaptured: {
		StatusSettled, StatusRefunded, StatusPartiallyRefunded,
	},
	StatusPartiallyRefunded: {
		StatusRefunded,
	},
}

// Transition checks whether an intent in status from may move to to. The
// refund statuses stay reachable from every post-capture status, Settled
// included.
func Transition(from, to Status) (Outcome, error) {
	if !from.Valid() || !to.Valid() {
		return Rejected, fmt.Errorf("%w: unknown status %q -> %q", ErrInvalidTransition, from, to)
	}
	if from == to {
		return Duplicate, nil
	}
	if (to == StatusRefunded || to == StatusPartiallyRefunded) && from.IsPostCapture() {
		return Applied, nil
	}
	if from.IsTerminal() {
		return Rejected, fmt.Errorf("%w: %s -> %s", ErrTerminalState, from, to)
	}
	for _, next := range transitions[from] {
		if next == to {
			return Applied, nil
		}
	}
	return Rejected, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// CanTransition is Transition without the error detail.
func CanTransition(from, to Status) bool {
	outcome, _ := Transition(from, to)
	return outcome == Applied
}

// AuthorizedStatus is the intent status after a connector authorizes it:
// Authorized for automatic capture, RequiresCapture for manual capture.
func AuthorizedStatus(manualCapture bool) Status {
	if manualCapture {
		return StatusRequiresCapture
	}
	return StatusAuthorized
}

// CapturedStatus picks Captured or PartiallyCaptured from the running total.
func CapturedStatus(captured, amount int64) Status {
	if captured >= amount {
		return StatusCaptured
	}
	return StatusPartiallyCaptured
}

// RefundedStatus picks Refunded or PartiallyRefunded from the running total.
func RefundedStatus(refunded, captured int64) Status {
	if refunded >= captured {
		return StatusRefunded
	}
	return StatusPartiallyRefunded
}
