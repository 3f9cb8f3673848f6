// Package dispatch implements teardown-safe, fire-and-forget submission.
//
// A TeardownSafeTransport has no error return and takes no context: callers
// run in contexts where nothing can wait for or react to the outcome. The send
// is initiated before Dispatch returns and completes, or fails, on its own.
package dispatch

import (
	"context"

	"github.com/stemsi/exstem-client/internal/model"
)

// Payload is what a teardown-time submission carries.
type Payload struct {
	AttemptID string
	Answers   model.AnswerSet
	AuthToken string
}

// TeardownSafeTransport initiates a best-effort send without blocking on it.
type TeardownSafeTransport interface {
	Dispatch(p Payload)
}

// Waiter is a transport whose in-flight sends can be waited for before the
// process exits.
type Waiter interface {
	Wait(ctx context.Context)
}

// Func adapts a plain function to TeardownSafeTransport.
type Func func(p Payload)

func (f Func) Dispatch(p Payload) { f(p) }

// Nop drops every payload. Used when no backend is configured.
type Nop struct{}

func (Nop) Dispatch(Payload) {}

func answersOrEmpty(a model.AnswerSet) model.AnswerSet {
	if a == nil {
		return model.AnswerSet{}
	}
	return a
}
