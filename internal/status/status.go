package status

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a queue entry. The transition table
// below is the single source of truth; call sites must never compare
// raw strings.
type Status string

const (
	Waiting             Status = "waiting"
	Notified            Status = "notified"
	PendingVerification Status = "pending_verification"
	Nearby              Status = "nearby"
	InProgress          Status = "in-progress"
	Completed           Status = "completed"
	NoShow              Status = "no-show"
	Cancelled           Status = "cancelled"
)

var (
	ErrAlreadyQueued     = errors.New("queue: user already has an active entry at this salon")
	ErrInvalidRequest    = errors.New("queue: invalid request")
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	ErrNotFound          = errors.New("queue: entry not found")

	ErrExpired        = errors.New("otp: challenge expired")
	ErrMismatch       = errors.New("otp: code mismatch")
	ErrNoAttemptsLeft = errors.New("otp: no attempts left")
	ErrRateLimited    = errors.New("otp: reissued too soon")
)

var transitions = map[Status][]Status{
	Waiting:             {Notified, Cancelled},
	Notified:            {PendingVerification, Nearby, NoShow, Cancelled},
	PendingVerification: {Nearby, NoShow, Cancelled},
	Nearby:              {InProgress, NoShow, Cancelled},
	InProgress:          {Completed, NoShow},
	Completed:           {},
	NoShow:              {},
	Cancelled:           {},
}

// Parse converts a wire string into a Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == Completed || s == NoShow || s == Cancelled
}

// CanTransition reports whether the edge from -> to exists in the
// lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
