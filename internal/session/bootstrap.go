package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-client/internal/countdown"
	"github.com/stemsi/exstem-client/internal/dispatch"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/store"
)

// Boot describes which history Bootstrap found.
type Boot struct {
	// Restored is true when the session resumed after a reload.
	Restored bool
	// Redelivered names an orphaned attempt whose answers were re-sent.
	Redelivered string
}

// Bootstrap decides between resuming after a reload, redelivering an
// orphaned submission and starting fresh, then enters ACTIVE.
//
// On ErrStartFailed the Manager stays in BOOTSTRAPPING with nothing
// persisted, and Bootstrap may be called again.
func (m *Manager) Bootstrap(ctx context.Context) (*Boot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrNotActive
	}
	if m.state != StateBootstrapping {
		m.mu.Unlock()
		return nil, ErrAlreadyBootstrapped
	}
	if m.starting {
		m.mu.Unlock()
		return nil, ErrBootstrapping
	}
	m.starting = true
	defer func() {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
	}()

	boot := &Boot{Restored: m.restoreLocked()}
	if !boot.Restored {
		boot.Redelivered = m.redeliverOrphanLocked()
		if err := m.volatile.ClearSnapshot(); err != nil {
			m.log.Warn().Err(err).Msg("Clear stale snapshot")
		}
	}
	m.mu.Unlock()

	if !boot.Restored {
		att, err := m.opts.Backend.StartAttempt(ctx, m.opts.SubjectID)
		if err != nil {
			m.log.Error().Err(err).Msg("Start attempt failed")
			return boot, fmt.Errorf("%w: %w", ErrStartFailed, err)
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			m.log.Warn().Str("attempt_id", att.AttemptID).Msg("Closed while starting, attempt left unused")
			return boot, ErrNotActive
		}
		m.attempt = model.Attempt{
			AttemptID: att.AttemptID,
			SubjectID: m.opts.SubjectID,
			Questions: att.Questions,
			ExpiresAt: att.ExpiresAt,
		}
		m.answers = model.AnswerSet{}
		m.flagged = model.FlagSet{}
		m.currentIndex = 0
		m.mu.Unlock()

		m.log.Info().
			Str("attempt_id", att.AttemptID).
			Time("expires_at", att.ExpiresAt).
			Int("questions", len(att.Questions)).
			Msg("Attempt started")
	}

	m.activate()
	return boot, nil
}

// restoreLocked resumes from the volatile snapshot when the unload guard shows
// the previous manager in this process went through a page teardown.
func (m *Manager) restoreLocked() bool {
	guard, err := m.volatile.TakeGuard()
	if err != nil {
		m.log.Warn().Err(err).Msg("Read unload guard")
		return false
	}
	if !guard {
		return false
	}

	snap, err := m.volatile.LoadSnapshot()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn().Err(err).Msg("Discarding unusable snapshot")
		}
		_ = m.volatile.ClearSnapshot()
		return false
	}

	submitted, err := m.durable.IsSubmitted(snap.AttemptID)
	if err != nil {
		m.log.Warn().Err(err).Str("attempt_id", snap.AttemptID).Msg("Read submitted marker")
	}
	if submitted {
		m.log.Info().Str("attempt_id", snap.AttemptID).Msg("Snapshot belongs to a submitted attempt")
		_ = m.volatile.ClearSnapshot()
		return false
	}

	m.attempt = model.Attempt{
		AttemptID: snap.AttemptID,
		SubjectID: m.opts.SubjectID,
		Questions: snap.Questions,
		ExpiresAt: snap.ExpiresAt,
	}
	m.answers = snap.Answers
	m.flagged = snap.Flagged
	m.currentIndex = snap.CurrentIndex

	m.log.Info().
		Str("attempt_id", snap.AttemptID).
		Int("answered", len(snap.Answers)).
		Int("seconds_remaining", model.SecondsUntil(snap.ExpiresAt, m.opts.Clock.Now())).
		Msg("Session restored after reload")
	return true
}

// redeliverOrphanLocked sends a pending submission left by a process that
// went away for good, then drops it. The orphan never resumes.
func (m *Manager) redeliverOrphanLocked() string {
	pending, err := m.durable.LoadPending()
	if err != nil {
		m.log.Warn().Err(err).Msg("Read pending submission")
		return ""
	}
	if pending == nil {
		return ""
	}

	submitted, err := m.durable.IsSubmitted(pending.AttemptID)
	if err != nil {
		m.log.Warn().Err(err).Str("attempt_id", pending.AttemptID).Msg("Read submitted marker")
	}

	redelivered := ""
	if !submitted {
		m.opts.Transport.Dispatch(dispatch.Payload{
			AttemptID: pending.AttemptID,
			Answers:   pending.Answers,
			AuthToken: m.opts.AuthToken,
		})
		if err := m.durable.MarkSubmitted(pending.AttemptID); err != nil {
			m.log.Warn().Err(err).Str("attempt_id", pending.AttemptID).Msg("Mark orphan submitted")
		}
		redelivered = pending.AttemptID
		m.log.Info().
			Str("attempt_id", pending.AttemptID).
			Int("answered", len(pending.Answers)).
			Msg("Orphaned submission redelivered")
	}

	if err := m.durable.ClearPending(); err != nil {
		m.log.Warn().Err(err).Msg("Clear pending submission")
	}
	return redelivered
}

// activate enters ACTIVE, persists, subscribes to lifecycle events and starts
// the countdown. An attempt whose time already ran out times out here.
func (m *Manager) activate() {
	m.mu.Lock()
	m.state = StateActive
	m.timer = countdown.New(m.attempt.ExpiresAt, m.opts.Clock, m.handleTick, m.handleExpire)
	if m.opts.Lifecycle != nil {
		m.unsubscribe = append(m.unsubscribe,
			m.opts.Lifecycle.OnPageTeardown(m.HandlePageTeardown),
			m.opts.Lifecycle.OnViewTeardown(m.HandleViewTeardown),
		)
	}
	_ = m.persistLocked() // logged inside
	timer := m.timer
	m.mu.Unlock()

	if !m.opts.ManualTicks {
		timer.Start()
	}
	timer.Tick()
}

func (m *Manager) handleTick(remaining int) {
	if m.opts.OnTick != nil {
		m.opts.OnTick(remaining)
	}
}
