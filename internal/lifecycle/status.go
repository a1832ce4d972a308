// Package lifecycle holds the payment state machine. Both the synchronous
// execution pipeline and the webhook reconciler consult it before changing an
// intent's status, always while holding the intent's lock.
package lifecycle

type Status string

const (
	StatusCreated               Status = "created"
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	StatusRequiresConfirmation  Status = "requires_confirmation"
	StatusProcessing            Status = "processing"
	StatusAuthorized            Status = "authorized"
	StatusRequiresCapture       Status = "requires_capture"
	StatusCaptured              Status = "captured"
	StatusPartiallyCaptured     Status = "partially_captured"
	StatusSettled               Status = "settled"
	StatusFailed                Status = "failed"
	StatusCancelled             Status = "cancelled"
	StatusRefunded              Status = "refunded"
	StatusPartiallyRefunded     Status = "partially_refunded"
)

var allStatuses = []Status{
	StatusCreated,
	StatusRequiresPaymentMethod,
	StatusRequiresConfirmation,
	StatusProcessing,
	StatusAuthorized,
	StatusRequiresCapture,
	StatusCaptured,
	StatusPartiallyCaptured,
	StatusSettled,
	StatusFailed,
	StatusCancelled,
	StatusRefunded,
	StatusPartiallyRefunded,
}

func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no ordinary transition may leave s. Settled is
// terminal but still accepts refunds, see Transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusRefunded, StatusSettled:
		return true
	}
	return false
}

// IsPostCapture reports whether funds have been captured.
func (s Status) IsPostCapture() bool {
	switch s {
	case StatusCaptured, StatusPartiallyCaptured, StatusSettled, StatusPartiallyRefunded:
		return true
	}
	return false
}

// IsPreCapture reports whether s is a non-terminal status in which the intent
// may still be cancelled.
func (s Status) IsPreCapture() bool {
	switch s {
	case StatusCreated, StatusRequiresPaymentMethod, StatusRequiresConfirmation,
		StatusAuthorized, StatusRequiresCapture:
		return true
	}
	return false
}

// AttemptStatus is the outcome of one execution try against one connector.
type AttemptStatus string

const (
	AttemptStarted         AttemptStatus = "started"
	AttemptProcessing      AttemptStatus = "processing"
	AttemptPending         AttemptStatus = "pending"
	AttemptAuthorized      AttemptStatus = "authorized"
	AttemptDeclined        AttemptStatus = "declined"
	AttemptTimedOut        AttemptStatus = "timed_out"
	AttemptFailedRetryable AttemptStatus = "failed_retryable"
	AttemptFailedPermanent AttemptStatus = "failed_permanent"
	AttemptSkipped         AttemptStatus = "skipped"
)

// InFlight reports whether the attempt still occupies the intent's single
// in-flight slot.
func (s AttemptStatus) InFlight() bool {
	switch s {
	case AttemptStarted, AttemptProcessing, AttemptPending:
		return true
	}
	return false
}

// Retryable reports whether the next candidate may be tried after s.
func (s AttemptStatus) Retryable() bool {
	return s == AttemptTimedOut || s == AttemptFailedRetryable || s == AttemptSkipped
}
