package session

import (
	"context"
	"fmt"
	"time"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/dispatch"
	"github.com/stemsi/exstem-client/internal/model"
)

// Submit finalizes the attempt on explicit user confirmation and returns the
// grading result. A failed delivery leaves the attempt ACTIVE and queued for
// redelivery; Submit may be called again.
func (m *Manager) Submit(ctx context.Context) (*model.GradingResult, error) {
	attemptID, answers, err := m.begin(TriggerUserSubmit)
	if err != nil {
		return nil, err
	}
	return m.deliver(ctx, TriggerUserSubmit, attemptID, answers)
}

// Abandon finalizes the attempt with a fire-and-forget submission because the
// user left the exam view. It never waits on the network.
func (m *Manager) Abandon() error {
	m.mu.Lock()
	if err := m.beginLocked(); err != nil {
		m.mu.Unlock()
		return err
	}

	attemptID := m.attempt.AttemptID
	m.opts.Transport.Dispatch(dispatch.Payload{
		AttemptID: attemptID,
		Answers:   m.answers.Clone(),
		AuthToken: m.opts.AuthToken,
	})
	m.finishLocked()
	m.mu.Unlock()

	m.log.Info().Str("attempt_id", attemptID).Msg("Attempt abandoned")
	m.notify(Outcome{Trigger: TriggerAbandonment})
	return nil
}

// handleExpire is the countdown's zero callback.
func (m *Manager) handleExpire() {
	m.mu.Lock()
	m.expired = true
	m.mu.Unlock()

	attemptID, answers, err := m.begin(TriggerTimeout)
	if err != nil {
		return
	}
	m.log.Info().Str("attempt_id", attemptID).Msg("Time is up, submitting")
	_, _ = m.deliver(context.Background(), TriggerTimeout, attemptID, answers)
}

// begin passes the finalization guard and captures what to send.
func (m *Manager) begin(trigger Trigger) (string, model.AnswerSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginLocked(); err != nil {
		m.log.Debug().Err(err).Str("trigger", string(trigger)).Msg("Finalization trigger ignored")
		return "", nil, err
	}
	return m.attempt.AttemptID, m.answers.Clone(), nil
}

// beginLocked is the single check-and-set every trigger goes through.
func (m *Manager) beginLocked() error {
	if m.closed {
		return ErrNotActive
	}
	switch m.state {
	case StateActive:
	case StateFinalizing:
		return ErrFinalizing
	case StateDone:
		return ErrAlreadySubmitted
	default:
		return ErrNotActive
	}
	if m.submittedLocked() {
		m.log.Info().Str("attempt_id", m.attempt.AttemptID).Msg("Attempt was submitted by an earlier session")
		m.finishLocked()
		return ErrAlreadySubmitted
	}
	m.state = StateFinalizing
	return nil
}

// deliver performs the awaited submission with bounded retry.
func (m *Manager) deliver(ctx context.Context, trigger Trigger, attemptID string, answers model.AnswerSet) (*model.GradingResult, error) {
	policy := m.opts.Retry
	backoff := policy.Backoff

	var (
		res *model.GradingResult
		err error
	)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res, err = m.opts.Backend.SubmitAttempt(ctx, attemptID, answers)
		if err == nil {
			break
		}
		if attempt == policy.MaxAttempts || !api.IsRetryable(err) {
			break
		}

		m.log.Warn().Err(err).
			Str("attempt_id", attemptID).
			Str("trigger", string(trigger)).
			Int("try", attempt).
			Dur("backoff", backoff).
			Msg("Submission failed, retrying")

		if werr := wait(ctx, backoff); werr != nil {
			err = werr
			break
		}
		backoff *= 2
	}

	if err != nil {
		m.mu.Lock()
		if m.state == StateFinalizing {
			m.state = StateActive
		}
		m.mu.Unlock()

		m.log.Error().Err(err).
			Str("attempt_id", attemptID).
			Str("trigger", string(trigger)).
			Msg("Submission did not complete, answers kept for redelivery")

		err = fmt.Errorf("%w: %w", ErrSubmitFailed, err)
		m.notify(Outcome{Trigger: trigger, Err: err})
		return nil, err
	}

	m.mu.Lock()
	m.result = res
	m.finishLocked()
	m.mu.Unlock()

	m.log.Info().
		Str("attempt_id", attemptID).
		Str("trigger", string(trigger)).
		Float64("score", res.Score).
		Msg("Attempt submitted")

	m.notify(Outcome{Trigger: trigger, Result: res})
	return res, nil
}

// finishLocked records the attempt as submitted, clears persisted state and
// enters DONE. A closed manager leaves the volatile tier alone: it belongs to
// the manager that replaced it.
func (m *Manager) finishLocked() {
	m.attempt.Submitted = true
	if err := m.durable.MarkSubmitted(m.attempt.AttemptID); err != nil {
		m.log.Error().Err(err).Msg("Mark attempt submitted")
	}
	if err := m.durable.ClearPendingFor(m.attempt.AttemptID); err != nil {
		m.log.Error().Err(err).Msg("Clear pending submission")
	}
	if !m.closed {
		if err := m.volatile.Clear(); err != nil {
			m.log.Error().Err(err).Msg("Clear volatile state")
		}
	}
	m.state = StateDone
	m.releaseLocked()
}

func (m *Manager) notify(o Outcome) {
	if m.opts.OnFinalized != nil {
		m.opts.OnFinalized(o)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
