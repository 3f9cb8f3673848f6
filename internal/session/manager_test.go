package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/persist"
	"github.com/stemsi/exstem-client/internal/store"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{SubjectID: "S1"})
	require.Error(t, err)

	_, err = New(Options{SubjectID: "S1", Backend: &fakeBackend{}})
	require.Error(t, err)
}

func TestBootstrap_FreshStart(t *testing.T) {
	e := newEnv(t)
	m := e.manager("S1")
	assert.Equal(t, StateBootstrapping, m.State())

	boot, err := m.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, boot.Restored)
	assert.Empty(t, boot.Redelivered)
	assert.Equal(t, StateActive, m.State())

	snap := m.Snapshot()
	assert.Equal(t, "A1", snap.AttemptID)
	assert.Empty(t, snap.Answers)
	assert.Empty(t, snap.Flagged)
	assert.Equal(t, 0, snap.CurrentIndex)
	assert.Equal(t, 600, snap.SecondsRemaining)

	// Both tiers hold the new attempt immediately.
	stored, err := persist.NewVolatile(e.volatile, "S1").LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "A1", stored.AttemptID)
	pending, err := persist.NewDurable(e.durable, "S1").LoadPending()
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "A1", pending.AttemptID)

	_, err = m.Bootstrap(context.Background())
	require.ErrorIs(t, err, ErrAlreadyBootstrapped)
}

func TestBootstrap_StartFailurePersistsNothing(t *testing.T) {
	e := newEnv(t)
	e.backend.startErr = errors.New("backend down")

	m := e.manager("S1")
	_, err := m.Bootstrap(context.Background())
	require.ErrorIs(t, err, ErrStartFailed)
	assert.Equal(t, StateBootstrapping, m.State())
	assert.Empty(t, e.volatile.Keys())
	assert.Empty(t, e.durable.Keys())

	e.backend.startErr = nil
	_, err = m.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateActive, m.State())
}

func TestMutations_PersistBeforeReturning(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")

	require.NoError(t, m.SelectAnswer("q1", 2))
	require.NoError(t, m.ToggleFlag("q3"))
	require.NoError(t, m.GoTo(2))

	snap, err := persist.NewVolatile(e.volatile, "S1").LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, model.AnswerSet{"q1": 2}, snap.Answers)
	assert.Equal(t, model.FlagSet{"q3": true}, snap.Flagged)
	assert.Equal(t, 2, snap.CurrentIndex)

	pending, err := persist.NewDurable(e.durable, "S1").LoadPending()
	require.NoError(t, err)
	assert.Equal(t, model.AnswerSet{"q1": 2}, pending.Answers)

	require.NoError(t, m.ToggleFlag("q3"))
	assert.Empty(t, m.Snapshot().Flagged)
}

func TestMutations_Validation(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")

	require.ErrorIs(t, m.SelectAnswer("nope", 0), ErrUnknownQuestion)
	require.ErrorIs(t, m.SelectAnswer("q2", 2), ErrInvalidOption)
	require.ErrorIs(t, m.SelectAnswer("q2", -1), ErrInvalidOption)
	require.ErrorIs(t, m.ToggleFlag("nope"), ErrUnknownQuestion)
	require.ErrorIs(t, m.GoTo(3), ErrInvalidIndex)
	require.ErrorIs(t, m.Prev(), ErrInvalidIndex)

	require.NoError(t, m.Next())
	require.NoError(t, m.Next())
	require.ErrorIs(t, m.Next(), ErrInvalidIndex)
	require.NoError(t, m.Prev())
	assert.Equal(t, 1, m.Snapshot().CurrentIndex)
}

func TestMutations_RejectedBeforeBootstrap(t *testing.T) {
	e := newEnv(t)
	m := e.manager("S1")
	require.ErrorIs(t, m.SelectAnswer("q1", 0), ErrNotActive)
	_, err := m.Submit(context.Background())
	require.ErrorIs(t, err, ErrNotActive)
}

// Start A1 for S1, answer q1 with option 2, reload: the snapshot comes back
// with the same answers and the original expiry, and no attempt is started.
func TestRefresh_RestoresSnapshot(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	expires := m.Attempt().ExpiresAt

	require.NoError(t, m.SelectAnswer("q1", 2))
	require.NoError(t, m.ToggleFlag("q2"))
	require.NoError(t, m.GoTo(1))
	before := m.Snapshot()

	e.clock.Advance(30 * time.Second)
	restored := e.refresh(m, "S1")

	boot, err := restored.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.True(t, boot.Restored)
	assert.Equal(t, 1, e.backend.startCalls(), "a reload makes no network call to start")

	after := restored.Snapshot()
	assert.Equal(t, "A1", after.AttemptID)
	assert.Equal(t, model.AnswerSet{"q1": 2}, after.Answers)
	assert.Equal(t, before.Answers, after.Answers)
	assert.Equal(t, before.Flagged, after.Flagged)
	assert.Equal(t, before.CurrentIndex, after.CurrentIndex)
	assert.True(t, expires.Equal(after.ExpiresAt))
	assert.Equal(t, 570, after.SecondsRemaining, "recomputed from the stored expiry")

	// The guard was consumed.
	present, err := persist.NewVolatile(e.volatile, "S1").TakeGuard()
	require.NoError(t, err)
	assert.False(t, present)

	// The restored session keeps working.
	require.NoError(t, restored.SelectAnswer("q2", 0))
	res, err := restored.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A1", res.AttemptID)
}

func TestRefresh_IgnoresStaleTickedValue(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")

	// Persist a snapshot whose cosmetic counter is stale.
	require.NoError(t, m.SelectAnswer("q1", 0))
	e.clock.Advance(4 * time.Minute)
	restored := e.refresh(m, "S1")

	v := persist.NewVolatile(e.volatile, "S1")
	snap, err := v.LoadSnapshot()
	require.NoError(t, err)
	snap.SecondsRemaining = 599
	require.NoError(t, v.SaveSnapshot(snap))

	_, err = restored.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 360, restored.SecondsRemaining())
	assert.Equal(t, 360, restored.Snapshot().SecondsRemaining)
}

// Start A2, answer, close for good: the durable tier holds the answers and the
// next bootstrap delivers them fire-and-forget before starting A3.
func TestCloseThenReopen_RedeliversOrphan(t *testing.T) {
	e := newEnv(t)
	e.backend.nextID = 1

	m := e.started("S1")
	require.Equal(t, "A2", m.Attempt().AttemptID)
	require.NoError(t, m.SelectAnswer("q2", 1))

	e.closeTab(m)
	require.Len(t, e.transport.sent(), 1, "teardown fires a best-effort send")

	pending, err := persist.NewDurable(e.durable, "S1").LoadPending()
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "A2", pending.AttemptID)
	assert.Equal(t, model.AnswerSet{"q2": 1}, pending.Answers)

	next := e.manager("S1")
	boot, err := next.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, boot.Restored)
	assert.Equal(t, "A2", boot.Redelivered)

	sent := e.transport.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "A2", sent[1].AttemptID)
	assert.Equal(t, model.AnswerSet{"q2": 1}, sent[1].Answers)
	assert.Equal(t, "student-token", sent[1].AuthToken)

	// A fresh attempt, no resumed UI for A2.
	assert.Equal(t, "A3", next.Attempt().AttemptID)
	assert.Empty(t, next.Snapshot().Answers)
	assert.Empty(t, e.backend.submitCalls(), "redelivery never uses the awaited path")

	pending, err = persist.NewDurable(e.durable, "S1").LoadPending()
	require.NoError(t, err)
	assert.Equal(t, "A3", pending.AttemptID)
}

func TestBootstrap_SubmittedOrphanIsDroppedSilently(t *testing.T) {
	e := newEnv(t)
	d := persist.NewDurable(e.durable, "S1")
	require.NoError(t, d.SavePending(&model.PendingSubmission{AttemptID: "A9", Answers: model.AnswerSet{"q1": 1}}))
	require.NoError(t, d.MarkSubmitted("A9"))

	boot, err := e.manager("S1").Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Empty(t, boot.Redelivered)
	assert.Empty(t, e.transport.sent())
}

func TestBootstrap_CorruptSnapshotFallsBackToFresh(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.volatile.Set(config.StoreKey.UnloadGuardKey("S1"), []byte("1")))
	require.NoError(t, e.volatile.Set(config.StoreKey.SnapshotKey("S1"), []byte("{not json")))

	m := e.manager("S1")
	boot, err := m.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, boot.Restored)
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, "A1", m.Attempt().AttemptID)
}

func TestBootstrap_GuardWithoutSnapshotFallsBackToFresh(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, persist.NewVolatile(e.volatile, "S1").SetGuard())

	boot, err := e.manager("S1").Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, boot.Restored)
	assert.Equal(t, 1, e.backend.startCalls())
}

func TestBootstrap_SnapshotOfSubmittedAttemptIsNotResumed(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	require.NoError(t, m.SelectAnswer("q1", 1))
	stale := m.Snapshot()

	_, err := m.Submit(context.Background())
	require.NoError(t, err)

	// A leftover snapshot and guard for A1 reappear in the volatile tier.
	v := persist.NewVolatile(e.volatile, "S1")
	require.NoError(t, v.SaveSnapshot(&stale))
	require.NoError(t, v.SetGuard())

	next := e.manager("S1")
	boot, err := next.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.False(t, boot.Restored)
	assert.Equal(t, "A2", next.Attempt().AttemptID)
	assert.Len(t, e.backend.submitCalls(), 1)
}

func TestSubmit_Success(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	require.NoError(t, m.SelectAnswer("q1", 2))

	res, err := m.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A1", res.AttemptID)
	assert.Equal(t, res, m.Result())
	assert.Equal(t, StateDone, m.State())
	assert.True(t, m.Attempt().Submitted)

	calls := e.backend.submitCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, model.AnswerSet{"q1": 2}, calls[0].Answers)

	// Everything but the submitted marker is gone.
	assert.Empty(t, e.volatile.Keys())
	assert.Equal(t, []string{config.StoreKey.SubmittedKey("S1", "A1")}, e.durable.Keys())

	page, view := e.hub.Subscribers()
	assert.Zero(t, page)
	assert.Zero(t, view)

	require.ErrorIs(t, m.SelectAnswer("q2", 0), ErrNotActive)
	_, err = m.Submit(context.Background())
	require.ErrorIs(t, err, ErrAlreadySubmitted)

	outcomes := e.finalized()
	require.Len(t, outcomes, 1)
	assert.Equal(t, TriggerUserSubmit, outcomes[0].Trigger)
	assert.NoError(t, outcomes[0].Err)
}

func TestSubmit_FailureKeepsAnswersAndAllowsRetry(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	require.NoError(t, m.SelectAnswer("q3", 0))

	down := errors.New("connection reset")
	e.backend.submitErrs = []error{down, down, down}

	_, err := m.Submit(context.Background())
	require.ErrorIs(t, err, ErrSubmitFailed)
	require.ErrorIs(t, err, down)
	assert.Len(t, e.backend.submitCalls(), 3, "bounded retry")
	assert.Equal(t, StateActive, m.State())
	assert.False(t, m.Attempt().Submitted)

	pending, err := persist.NewDurable(e.durable, "S1").LoadPending()
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, model.AnswerSet{"q3": 0}, pending.Answers)

	res, err := m.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A1", res.AttemptID)
	assert.Len(t, e.backend.submitCalls(), 4)
	assert.Equal(t, StateDone, m.State())

	outcomes := e.finalized()
	require.Len(t, outcomes, 2)
	assert.ErrorIs(t, outcomes[0].Err, ErrSubmitFailed)
	assert.NoError(t, outcomes[1].Err)
}

func TestSubmit_RecoversWithinRetryBudget(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	e.backend.submitErrs = []error{errors.New("timeout")}

	_, err := m.Submit(context.Background())
	require.NoError(t, err)
	assert.Len(t, e.backend.submitCalls(), 2)
}

func TestSubmit_RejectionIsNotRetried(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	e.backend.submitErrs = []error{&api.Error{Status: http.StatusConflict}}

	_, err := m.Submit(context.Background())
	require.ErrorIs(t, err, ErrSubmitFailed)
	assert.Len(t, e.backend.submitCalls(), 1)
	assert.Equal(t, StateActive, m.State())
}

func TestSubmit_CancelledContextStopsRetrying(t *testing.T) {
	e := newEnv(t)
	m, err := New(Options{
		SubjectID:   "S1",
		Backend:     e.backend,
		Volatile:    e.volatile,
		Durable:     e.durable,
		Clock:       e.clock,
		Retry:       RetryPolicy{MaxAttempts: 5, Backoff: time.Hour},
		Log:         zerolog.Nop(),
		ManualTicks: true,
	})
	require.NoError(t, err)
	_, err = m.Bootstrap(context.Background())
	require.NoError(t, err)

	e.backend.submitErrs = []error{errors.New("down")}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Submit(ctx)
	require.ErrorIs(t, err, ErrSubmitFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, e.backend.submitCalls(), 1)
}

func TestTimeout_FiresAtExactlyZero(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	require.NoError(t, m.SelectAnswer("q1", 3))

	e.clock.Advance(10*time.Minute - time.Second)
	assert.Equal(t, 1, m.Tick())
	assert.Empty(t, e.backend.submitCalls())
	assert.Equal(t, StateActive, m.State())

	e.clock.Advance(time.Second)
	assert.Equal(t, 0, m.Tick())

	calls := e.backend.submitCalls()
	require.Len(t, calls, 1, "finalized in the same tick")
	assert.Equal(t, model.AnswerSet{"q1": 3}, calls[0].Answers)
	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, 0, m.SecondsRemaining())

	outcomes := e.finalized()
	require.Len(t, outcomes, 1)
	assert.Equal(t, TriggerTimeout, outcomes[0].Trigger)

	// No further input.
	require.ErrorIs(t, m.SelectAnswer("q2", 0), ErrNotActive)
	e.clock.Advance(time.Minute)
	assert.Equal(t, 0, m.Tick())
	assert.Len(t, e.backend.submitCalls(), 1)
}

func TestTimeout_FailureLocksInputButAllowsManualRetry(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	require.NoError(t, m.SelectAnswer("q2", 1))
	e.backend.submitErrs = []error{errors.New("a"), errors.New("b"), errors.New("c")}

	e.clock.Advance(10 * time.Minute)
	m.Tick()

	assert.Equal(t, StateActive, m.State())
	assert.True(t, m.Expired())
	require.ErrorIs(t, m.SelectAnswer("q1", 0), ErrExpired)

	res, err := m.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A1", res.AttemptID)

	calls := e.backend.submitCalls()
	assert.Equal(t, model.AnswerSet{"q2": 1}, calls[len(calls)-1].Answers)
}

func TestRefresh_AfterExpiryTimesOutOnRestore(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	require.NoError(t, m.SelectAnswer("q1", 1))

	restored := e.refresh(m, "S1")
	e.clock.Advance(11 * time.Minute)

	boot, err := restored.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.True(t, boot.Restored)
	assert.Equal(t, StateDone, restored.State())

	calls := e.backend.submitCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "A1", calls[0].AttemptID)
	assert.Equal(t, model.AnswerSet{"q1": 1}, calls[0].Answers)
}

func TestAbandonment_DispatchesAndClears(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	require.NoError(t, m.SelectAnswer("q1", 1))

	e.hub.FireViewTeardown()

	assert.Equal(t, StateDone, m.State())
	assert.Empty(t, e.backend.submitCalls(), "abandonment never awaits")

	sent := e.transport.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "A1", sent[0].AttemptID)
	assert.Equal(t, model.AnswerSet{"q1": 1}, sent[0].Answers)

	assert.Empty(t, e.volatile.Keys())
	pending, err := persist.NewDurable(e.durable, "S1").LoadPending()
	require.NoError(t, err)
	assert.Nil(t, pending)

	_, err = m.Submit(context.Background())
	require.ErrorIs(t, err, ErrAlreadySubmitted)
	require.ErrorIs(t, m.Abandon(), ErrAlreadySubmitted)

	outcomes := e.finalized()
	require.Len(t, outcomes, 1)
	assert.Equal(t, TriggerAbandonment, outcomes[0].Trigger)
}

func TestPageTeardown_WritesGuardAndFlushes(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	require.NoError(t, m.SelectAnswer("q2", 0))

	m.HandlePageTeardown()

	present, err := persist.NewVolatile(e.volatile, "S1").TakeGuard()
	require.NoError(t, err)
	assert.True(t, present)

	sent := e.transport.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, model.AnswerSet{"q2": 0}, sent[0].Answers)

	// A teardown is not a finalization: the attempt stays open.
	assert.Equal(t, StateActive, m.State())
	assert.False(t, m.Attempt().Submitted)
}

func TestPageTeardown_AfterDoneDoesNothing(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	_, err := m.Submit(context.Background())
	require.NoError(t, err)

	m.HandlePageTeardown()
	assert.Empty(t, e.transport.sent())
	assert.Empty(t, e.volatile.Keys())
}

func TestAtMostOnce_SequentialTriggers(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	require.NoError(t, m.SelectAnswer("q1", 0))

	_, err := m.Submit(context.Background())
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	m.Tick()
	e.hub.FireViewTeardown()
	e.hub.FirePageTeardown()
	m.HandleViewTeardown()
	_, err = m.Submit(context.Background())
	require.ErrorIs(t, err, ErrAlreadySubmitted)

	assert.Len(t, e.backend.submitCalls(), 1)
	assert.Empty(t, e.transport.sent())
	assert.Len(t, e.finalized(), 1)
}

func TestAtMostOnce_ConcurrentTriggers(t *testing.T) {
	e := newEnv(t)
	e.backend.delay = 5 * time.Millisecond
	m := e.started("S1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	record := func(err error) {
		if err == nil {
			mu.Lock()
			successes++
			mu.Unlock()
		}
	}
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := m.Submit(context.Background())
			record(err)
		}()
		go func() {
			defer wg.Done()
			record(m.Abandon())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, len(e.backend.submitCalls())+len(e.transport.sent()))
	assert.Equal(t, StateDone, m.State())
}

func TestSubmit_InFlightBlocksOtherTriggers(t *testing.T) {
	e := newEnv(t)
	e.backend.delay = 100 * time.Millisecond
	m := e.started("S1")

	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return m.State() == StateFinalizing }, time.Second, time.Millisecond)
	require.ErrorIs(t, m.Abandon(), ErrFinalizing)
	require.ErrorIs(t, m.SelectAnswer("q1", 0), ErrNotActive)

	require.NoError(t, <-done)
	assert.Empty(t, e.transport.sent())
}

func TestNamespaceIsolation_TwoSubjects(t *testing.T) {
	e := newEnv(t)
	s1 := e.started("S1")
	s2 := e.started("S2")
	require.NoError(t, s1.SelectAnswer("q1", 1))
	require.NoError(t, s2.SelectAnswer("q1", 2))

	_, err := s2.Submit(context.Background())
	require.NoError(t, err)

	snap, err := persist.NewVolatile(e.volatile, "S1").LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, model.AnswerSet{"q1": 1}, snap.Answers)

	pending, err := persist.NewDurable(e.durable, "S1").LoadPending()
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, s1.Attempt().AttemptID, pending.AttemptID)

	_, err = persist.NewVolatile(e.volatile, "S2").LoadSnapshot()
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestClose_StopsListening(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	m.Close()

	page, view := e.hub.Subscribers()
	assert.Zero(t, page)
	assert.Zero(t, view)
	require.ErrorIs(t, m.SelectAnswer("q1", 0), ErrNotActive)
	require.ErrorIs(t, m.Abandon(), ErrNotActive)
}

func TestOnTick_ReceivesRecomputedSeconds(t *testing.T) {
	e := newEnv(t)
	var ticks []int
	m, err := New(Options{
		SubjectID:   "S1",
		Backend:     e.backend,
		Volatile:    e.volatile,
		Durable:     e.durable,
		Clock:       e.clock,
		Log:         zerolog.Nop(),
		OnTick:      func(r int) { ticks = append(ticks, r) },
		ManualTicks: true,
	})
	require.NoError(t, err)
	_, err = m.Bootstrap(context.Background())
	require.NoError(t, err)

	e.clock.Advance(90 * time.Second)
	m.Tick()
	assert.Equal(t, []int{600, 510}, ticks)
}

// A reload while an awaited submission is still in flight must not let the
// rebuilt manager submit the same attempt again, and the old manager must not
// wipe the new one's volatile state when its delivery lands.
func TestRefresh_DuringInFlightSubmitDoesNotSubmitTwice(t *testing.T) {
	e := newEnv(t)
	e.backend.delay = 200 * time.Millisecond
	m := e.started("S1")
	require.NoError(t, m.SelectAnswer("q1", 2))

	type submitted struct {
		res *model.GradingResult
		err error
	}
	first := make(chan submitted, 1)
	go func() {
		res, err := m.Submit(context.Background())
		first <- submitted{res, err}
	}()
	require.Eventually(t, func() bool { return m.State() == StateFinalizing }, time.Second, time.Millisecond)

	restored := e.refresh(m, "S1")
	boot, err := restored.Bootstrap(context.Background())
	require.NoError(t, err)
	require.True(t, boot.Restored)

	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, "A1", got.res.AttemptID)

	snap, err := persist.NewVolatile(e.volatile, "S1").LoadSnapshot()
	require.NoError(t, err, "the closed manager left the volatile tier alone")
	assert.Equal(t, "A1", snap.AttemptID)

	_, err = restored.Submit(context.Background())
	require.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Equal(t, StateDone, restored.State())

	calls := e.backend.submitCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "A1", calls[0].AttemptID)

	_, err = persist.NewVolatile(e.volatile, "S1").LoadSnapshot()
	require.ErrorIs(t, err, store.ErrNotFound)
	pending, err := persist.NewDurable(e.durable, "S1").LoadPending()
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestPageTeardown_SkipsDispatchOnceMarkedElsewhere(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")
	require.NoError(t, persist.NewDurable(e.durable, "S1").MarkSubmitted("A1"))

	e.hub.FirePageTeardown()
	assert.Empty(t, e.transport.sent())
}

func TestMutations_RejectedBetweenExpiryAndNextTick(t *testing.T) {
	e := newEnv(t)
	m := e.started("S1")

	e.clock.Advance(10 * time.Minute)
	require.ErrorIs(t, m.SelectAnswer("q1", 0), ErrExpired)
	require.ErrorIs(t, m.ToggleFlag("q1"), ErrExpired)
	require.ErrorIs(t, m.GoTo(1), ErrExpired)

	pending, err := persist.NewDurable(e.durable, "S1").LoadPending()
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Empty(t, pending.Answers)
}

func TestBootstrap_ConcurrentCallsStartOneAttempt(t *testing.T) {
	e := newEnv(t)
	e.backend.startDelay = 50 * time.Millisecond
	m := e.manager("S1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Bootstrap(context.Background())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrBootstrapping) || errors.Is(err, ErrAlreadyBootstrapped), err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, e.backend.startCalls())
	assert.Equal(t, StateActive, m.State())
}

func TestBootstrap_ClosedWhileStarting(t *testing.T) {
	e := newEnv(t)
	e.backend.startDelay = 50 * time.Millisecond
	m := e.manager("S1")

	done := make(chan error, 1)
	go func() {
		_, err := m.Bootstrap(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	m.Close()

	require.ErrorIs(t, <-done, ErrNotActive)
	assert.Equal(t, StateBootstrapping, m.State())
	_, err := persist.NewVolatile(e.volatile, "S1").LoadSnapshot()
	require.ErrorIs(t, err, store.ErrNotFound)
}
