// Package session owns the lifecycle of one timed exam attempt.
//
// A Manager moves through BOOTSTRAPPING, ACTIVE, FINALIZING and DONE. While
// ACTIVE every change is written to the volatile tier (full snapshot) and the
// durable tier (answers only) before the mutating call returns, because any
// write may be the last thing that runs before the process goes away.
//
// Three triggers finalize an attempt: an explicit submit, the countdown
// reaching zero, and abandonment of the exam view. They share one guard that
// is checked and set under the manager's lock, so exactly one of them
// proceeds.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/countdown"
	"github.com/stemsi/exstem-client/internal/dispatch"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/persist"
	"github.com/stemsi/exstem-client/internal/store"
)

// State is a lifecycle state.
type State string

const (
	StateBootstrapping State = "BOOTSTRAPPING"
	StateActive        State = "ACTIVE"
	StateFinalizing    State = "FINALIZING"
	StateDone          State = "DONE"
)

// Trigger names what started finalization.
type Trigger string

const (
	TriggerUserSubmit  Trigger = "user_submit"
	TriggerTimeout     Trigger = "timeout"
	TriggerAbandonment Trigger = "abandonment"
)

// Backend is the awaited side of the exam backend.
type Backend interface {
	StartAttempt(ctx context.Context, subjectID string) (*model.Attempt, error)
	SubmitAttempt(ctx context.Context, attemptID string, answers model.AnswerSet) (*model.GradingResult, error)
}

// Lifecycle delivers teardown events. Each subscription returns its cancel func.
type Lifecycle interface {
	OnPageTeardown(fn func()) (cancel func())
	OnViewTeardown(fn func()) (cancel func())
}

// RetryPolicy bounds awaited submission retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy retries three times starting at half a second.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond}

// Outcome reports how a finalization trigger ended.
type Outcome struct {
	Trigger Trigger
	Result  *model.GradingResult
	Err     error
}

// Options wires a Manager to its collaborators.
type Options struct {
	SubjectID string
	AuthToken string

	Backend   Backend
	Transport dispatch.TeardownSafeTransport
	Volatile  store.Store
	Durable   store.Store
	Lifecycle Lifecycle
	Clock     countdown.Clock
	Retry     RetryPolicy
	Log       zerolog.Logger

	// OnTick receives the recomputed seconds remaining once per tick.
	OnTick func(remaining int)
	// OnFinalized is called once per finalization trigger that passed the
	// guard, after it completed or failed.
	OnFinalized func(Outcome)
	// ManualTicks leaves the countdown without its own goroutine; the owner
	// drives it through Tick.
	ManualTicks bool
}

// Manager is the session lifecycle manager for one subject.
type Manager struct {
	opts     Options
	log      zerolog.Logger
	volatile *persist.Volatile
	durable  *persist.Durable

	mu           sync.Mutex
	state        State
	closed       bool
	starting     bool
	expired      bool
	attempt      model.Attempt
	answers      model.AnswerSet
	flagged      model.FlagSet
	currentIndex int
	result       *model.GradingResult
	timer        *countdown.Controller
	unsubscribe  []func()
}

// New validates opts and returns a Manager in BOOTSTRAPPING.
func New(opts Options) (*Manager, error) {
	if opts.SubjectID == "" {
		return nil, errors.New("session: subject ID is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if opts.Volatile == nil || opts.Durable == nil {
		return nil, errors.New("session: volatile and durable stores are required")
	}
	if opts.Transport == nil {
		opts.Transport = dispatch.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = countdown.SystemClock{}
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = DefaultRetryPolicy
	}

	return &Manager{
		opts: opts,
		log: opts.Log.With().
			Str("component", "session").
			Str("subject_id", opts.SubjectID).
			Logger(),
		volatile: persist.NewVolatile(opts.Volatile, opts.SubjectID),
		durable:  persist.NewDurable(opts.Durable, opts.SubjectID),
		state:    StateBootstrapping,
		answers:  model.AnswerSet{},
		flagged:  model.FlagSet{},
	}, nil
}

// ─── Read access ────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns a copy of the attempt being taken.
func (m *Manager) Attempt() model.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.attempt
	att.Questions = append([]model.Question(nil), m.attempt.Questions...)
	return att
}

// Result returns the grading result once the attempt is DONE via an awaited
// submission, nil otherwise.
func (m *Manager) Result() *model.GradingResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Expired reports whether the countdown has reached zero.
func (m *Manager) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired
}

// SecondsRemaining recomputes the time left from the attempt's expiry.
func (m *Manager) SecondsRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt.ExpiresAt.IsZero() {
		return 0
	}
	return model.SecondsUntil(m.attempt.ExpiresAt, m.opts.Clock.Now())
}

// Snapshot returns the state the UI renders from.
func (m *Manager) Snapshot() model.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() model.SessionSnapshot {
	return model.SessionSnapshot{
		AttemptID:        m.attempt.AttemptID,
		SubjectID:        m.opts.SubjectID,
		Questions:        append([]model.Question(nil), m.attempt.Questions...),
		Answers:          m.answers.Clone(),
		Flagged:          m.flagged.Clone(),
		CurrentIndex:     m.currentIndex,
		ExpiresAt:        m.attempt.ExpiresAt,
		SecondsRemaining: model.SecondsUntil(m.attempt.ExpiresAt, m.opts.Clock.Now()),
	}
}

// ─── Mutations ──────────────────────────────────────────────────────

// SelectAnswer records option as the answer to questionID.
func (m *Manager) SelectAnswer(questionID string, option int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkMutableLocked(); err != nil {
		return err
	}
	q, ok := m.questionLocked(questionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if !q.HasOption(option) {
		return fmt.Errorf("%w: %d for %s", ErrInvalidOption, option, questionID)
	}

	m.answers[questionID] = option
	return m.persistLocked()
}

// ToggleFlag marks or unmarks questionID for review.
func (m *Manager) ToggleFlag(questionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkMutableLocked(); err != nil {
		return err
	}
	if _, ok := m.questionLocked(questionID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}

	if m.flagged[questionID] {
		delete(m.flagged, questionID)
	} else {
		m.flagged[questionID] = true
	}
	return m.persistLocked()
}

// GoTo moves to the question at index.
func (m *Manager) GoTo(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkMutableLocked(); err != nil {
		return err
	}
	if index < 0 || index >= len(m.attempt.Questions) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}

	m.currentIndex = index
	return m.persistLocked()
}

// Next moves one question forward.
func (m *Manager) Next() error {
	return m.GoTo(m.Snapshot().CurrentIndex + 1)
}

// Prev moves one question back.
func (m *Manager) Prev() error {
	return m.GoTo(m.Snapshot().CurrentIndex - 1)
}

func (m *Manager) checkMutableLocked() error {
	if m.closed || m.state != StateActive {
		return ErrNotActive
	}
	if m.expired || model.SecondsUntil(m.attempt.ExpiresAt, m.opts.Clock.Now()) == 0 {
		return ErrExpired
	}
	return nil
}

// submittedLocked reports whether the attempt is finalized. Another manager
// built on the same durable store may have set the marker since bootstrap.
func (m *Manager) submittedLocked() bool {
	if m.attempt.Submitted {
		return true
	}
	submitted, err := m.durable.IsSubmitted(m.attempt.AttemptID)
	if err != nil {
		m.log.Warn().Err(err).Str("attempt_id", m.attempt.AttemptID).Msg("Read submitted marker")
		return false
	}
	m.attempt.Submitted = submitted
	return submitted
}

func (m *Manager) questionLocked(id string) (model.Question, bool) {
	for _, q := range m.attempt.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return model.Question{}, false
}

// persistLocked writes the snapshot to the volatile tier and the answers to
// the durable tier.
func (m *Manager) persistLocked() error {
	snap := m.snapshotLocked()
	errVolatile := m.volatile.SaveSnapshot(&snap)
	errDurable := m.durable.SavePending(&model.PendingSubmission{
		AttemptID: m.attempt.AttemptID,
		Answers:   snap.Answers,
	})
	if err := errors.Join(errVolatile, errDurable); err != nil {
		m.log.Error().Err(err).Str("attempt_id", m.attempt.AttemptID).Msg("Persist session")
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// ─── Page lifecycle ─────────────────────────────────────────────────

// HandlePageTeardown runs when the whole process is about to go away. It
// cannot tell a reload from a close, so it always sets the unload guard,
// flushes the answers, and fires a best-effort submission.
func (m *Manager) HandlePageTeardown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || (m.state != StateActive && m.state != StateFinalizing) {
		return
	}

	if err := m.volatile.SetGuard(); err != nil {
		m.log.Error().Err(err).Msg("Set unload guard")
	}
	_ = m.persistLocked() // logged inside

	if !m.submittedLocked() {
		m.opts.Transport.Dispatch(dispatch.Payload{
			AttemptID: m.attempt.AttemptID,
			Answers:   m.answers.Clone(),
			AuthToken: m.opts.AuthToken,
		})
	}

	m.log.Info().Str("attempt_id", m.attempt.AttemptID).Msg("Page teardown handled")
}

// HandleViewTeardown runs when the user leaves the exam view without the
// process going away. It abandons the attempt.
func (m *Manager) HandleViewTeardown() {
	if err := m.Abandon(); err != nil && !errors.Is(err, ErrAlreadySubmitted) && !errors.Is(err, ErrNotActive) {
		m.log.Debug().Err(err).Msg("Abandonment skipped")
	}
}

// Tick advances the countdown once. Only needed with ManualTicks.
func (m *Manager) Tick() int {
	m.mu.Lock()
	timer := m.timer
	m.mu.Unlock()
	if timer == nil {
		return 0
	}
	return timer.Tick()
}

// Close releases the countdown and lifecycle subscriptions without
// finalizing. The Manager accepts nothing afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.releaseLocked()
}

func (m *Manager) releaseLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	for _, cancel := range m.unsubscribe {
		cancel()
	}
	m.unsubscribe = nil
}
