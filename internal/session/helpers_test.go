package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-client/internal/dispatch"
	"github.com/stemsi/exstem-client/internal/lifecycle"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/store"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type submitCall struct {
	AttemptID string
	Answers   model.AnswerSet
}

// fakeBackend issues attempts A1, A2, ... and records submissions.
type fakeBackend struct {
	mu         sync.Mutex
	clock      *manualClock
	duration   time.Duration
	nextID     int
	starts     []string
	startErr   error
	submitErrs []error
	submits    []submitCall
	delay      time.Duration
	startDelay time.Duration
}

func (b *fakeBackend) StartAttempt(_ context.Context, subjectID string) (*model.Attempt, error) {
	if b.startDelay > 0 {
		time.Sleep(b.startDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.starts = append(b.starts, subjectID)
	if b.startErr != nil {
		return nil, b.startErr
	}
	b.nextID++
	return &model.Attempt{
		AttemptID: fmt.Sprintf("A%d", b.nextID),
		SubjectID: subjectID,
		Questions: []model.Question{
			{ID: "q1", Prompt: "Capital of Indonesia?", Options: []string{"Bandung", "Surabaya", "Jakarta", "Medan"}},
			{ID: "q2", Prompt: "7 x 6?", Options: []string{"42", "36"}},
			{ID: "q3", Prompt: "H2O is?", Options: []string{"Water", "Salt", "Air"}},
		},
		ExpiresAt: b.clock.Now().Add(b.duration),
	}, nil
}

func (b *fakeBackend) SubmitAttempt(_ context.Context, attemptID string, answers model.AnswerSet) (*model.GradingResult, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.submits = append(b.submits, submitCall{AttemptID: attemptID, Answers: answers.Clone()})
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &model.GradingResult{
		AttemptID:  attemptID,
		Score:      float64(len(answers)),
		Correct:    len(answers),
		Total:      3,
		FinishedAt: b.clock.Now(),
	}, nil
}

func (b *fakeBackend) submitCalls() []submitCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]submitCall(nil), b.submits...)
}

func (b *fakeBackend) startCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.starts)
}

type recorder struct {
	mu       sync.Mutex
	payloads []dispatch.Payload
}

func (r *recorder) Dispatch(p dispatch.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
}

func (r *recorder) sent() []dispatch.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Payload(nil), r.payloads...)
}

// env is one simulated browsing context plus the durable storage that
// outlives it.
type env struct {
	t         *testing.T
	clock     *manualClock
	backend   *fakeBackend
	transport *recorder
	volatile  *store.Memory
	durable   *store.Memory
	hub       *lifecycle.Hub

	mu       sync.Mutex
	outcomes []Outcome
}

func newEnv(t *testing.T) *env {
	clock := &manualClock{now: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	return &env{
		t:         t,
		clock:     clock,
		backend:   &fakeBackend{clock: clock, duration: 10 * time.Minute},
		transport: &recorder{},
		volatile:  store.NewMemory(),
		durable:   store.NewMemory(),
		hub:       lifecycle.NewHub(),
	}
}

func (e *env) manager(subject string) *Manager {
	e.t.Helper()
	m, err := New(Options{
		SubjectID: subject,
		AuthToken: "student-token",
		Backend:   e.backend,
		Transport: e.transport,
		Volatile:  e.volatile,
		Durable:   e.durable,
		Lifecycle: e.hub,
		Clock:     e.clock,
		Retry:     RetryPolicy{MaxAttempts: 3},
		Log:       zerolog.Nop(),
		OnFinalized: func(o Outcome) {
			e.mu.Lock()
			e.outcomes = append(e.outcomes, o)
			e.mu.Unlock()
		},
		ManualTicks: true,
	})
	require.NoError(e.t, err)
	return m
}

func (e *env) started(subject string) *Manager {
	e.t.Helper()
	m := e.manager(subject)
	_, err := m.Bootstrap(context.Background())
	require.NoError(e.t, err)
	require.Equal(e.t, StateActive, m.State())
	return m
}

// refresh tears the page down and builds a new manager in the same process.
func (e *env) refresh(m *Manager, subject string) *Manager {
	e.hub.FirePageTeardown()
	m.Close()
	return e.manager(subject)
}

// closeTab tears the page down and throws the process-scoped state away.
func (e *env) closeTab(m *Manager) {
	e.hub.FirePageTeardown()
	m.Close()
	e.volatile = store.NewMemory()
	e.hub = lifecycle.NewHub()
}

func (e *env) finalized() []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Outcome(nil), e.outcomes...)
}
