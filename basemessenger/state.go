package basemessenger

import "time"

// State is the messenger lifecycle state, spec.md §4.2.
type State int

const (
	Stopped State = iota
	Starting
	Started
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Started:
		return "STARTED"
	case Stopping:
		return "STOPPING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// SendResult is the outcome delivered to a SendAsync completion callback.
type SendResult int

const (
	SendSuccess SendResult = iota
	SendError
	SendCancelled
)

func (r SendResult) String() string {
	switch r {
	case SendSuccess:
		return "SUCCESS"
	case SendError:
		return "ERROR"
	case SendCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Reason qualifies a non-success SendResult.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonFailSending
	ReasonTimeout
	ReasonMessengerDestroyed
	ReasonCannotParse
	ReasonInvalidResponse
	ReasonInternalError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "NONE"
	case ReasonFailSending:
		return "FAIL_SENDING"
	case ReasonTimeout:
		return "TIMEOUT"
	case ReasonMessengerDestroyed:
		return "MESSENGER_DESTROYED"
	case ReasonCannotParse:
		return "CANNOT_PARSE"
	case ReasonInvalidResponse:
		return "INVALID_RESPONSE"
	case ReasonInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// DispositionResult is the outcome the user's subscribe callback returns
// for an inbound message.
type DispositionResult int

const (
	DispositionNone DispositionResult = iota
	DispositionAccepted
	DispositionRejected
	DispositionReleased
)

func (d DispositionResult) String() string {
	switch d {
	case DispositionNone:
		return "NONE"
	case DispositionAccepted:
		return "ACCEPTED"
	case DispositionRejected:
		return "REJECTED"
	case DispositionReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// SendStatus reports whether the outbound queue has outstanding work.
type SendStatus int

const (
	Idle SendStatus = iota
	Busy
)

func (s SendStatus) String() string {
	if s == Busy {
		return "BUSY"
	}
	return "IDLE"
}

// linkState mirrors the cached sender/receiver state the source captures
// from uAMQP's own state-changed callbacks: an observed state plus the
// time it was last observed to change. Since pack.ag/amqp has no such
// callback, basemessenger synthesizes this cache itself (see doc.go).
type linkState struct {
	state     linkPhase
	changedAt time.Time
}

type linkPhase int

const (
	phaseIdle linkPhase = iota
	phaseOpening
	phaseOpen
	phaseClosing
	phaseError
)
