package gateway

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrSessionNotFound means the tenant has no stored session; the
	// caller must pair again.
	ErrSessionNotFound = errors.New("session not found, pair again")
	// ErrTerminalLogout means the device was logged out remotely and the
	// stored session has been removed.
	ErrTerminalLogout = errors.New("device logged out, session removed")
	// ErrTransient covers connection closes and dial failures that do not
	// invalidate the stored session.
	ErrTransient = errors.New("connection closed before completion")
	// ErrTimeout means the wall-clock guard fired first.
	ErrTimeout = errors.New("request timeout")
	// ErrBusy means the request pool is saturated.
	ErrBusy = errors.New("gateway saturated, try again later")
)

type OutcomeKind int

const (
	OutcomeFailed OutcomeKind = iota
	OutcomePaired
	OutcomeAlreadyPaired
	OutcomeSent
	OutcomeLoggedOut
	OutcomeClosed
	OutcomeTimeout
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePaired:
		return "paired"
	case OutcomeAlreadyPaired:
		return "already_paired"
	case OutcomeSent:
		return "sent"
	case OutcomeLoggedOut:
		return "logged_out"
	case OutcomeClosed:
		return "closed"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// Outcome is the single result of one gateway request.
type Outcome struct {
	Kind        OutcomeKind
	PairingCode string
	// Note carries a non-fatal detail, e.g. the image fallback notice.
	Note string
	Err  error
}

// resolver is a one-shot outcome slot. Event handlers, the sender
// goroutine and the timeout guard all race to resolve; only the first
// wins, later calls are no-ops.
type resolver struct {
	once sync.Once
	ch   chan Outcome
}

func newResolver() *resolver {
	return &resolver{ch: make(chan Outcome, 1)}
}

func (r *resolver) resolve(out Outcome) bool {
	won := false
	r.once.Do(func() {
		r.ch <- out
		won = true
	})
	return won
}
