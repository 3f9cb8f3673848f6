package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/metrics"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/service"
)

const (
	TeardownPollTimeout   = 1 * time.Second
	TeardownSubmitTimeout = 10 * time.Second
	TeardownMaxTries      = 3
)

// TeardownSubmission is a stream frame waiting to be graded.
type TeardownSubmission struct {
	StudentID int             `json:"student_id"`
	AttemptID string          `json:"attempt_id"`
	Answers   model.AnswerSet `json:"answers"`
	QueuedAt  time.Time       `json:"queued_at"`
	Tries     int             `json:"tries"`
}

// TeardownWorker grades submissions handed over on the student stream. The
// sender is gone by the time they are graded, so outcomes are only logged.
type TeardownWorker struct {
	rdb      *redis.Client
	attempts *service.AttemptService
	log      zerolog.Logger
}

func NewTeardownWorker(rdb *redis.Client, attempts *service.AttemptService, log zerolog.Logger) *TeardownWorker {
	return &TeardownWorker{
		rdb:      rdb,
		attempts: attempts,
		log:      log.With().Str("component", "teardown_worker").Logger(),
	}
}

// Enqueue pushes a submission onto the queue.
func (w *TeardownWorker) Enqueue(ctx context.Context, sub TeardownSubmission) error {
	if sub.QueuedAt.IsZero() {
		sub.QueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode teardown submission: %w", err)
	}
	if err := w.rdb.RPush(ctx, config.WorkerKey.TeardownSubmitQueue, raw).Err(); err != nil {
		return fmt.Errorf("enqueue teardown submission: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------
// Worker loop
// ----------------------------------------------------------------

// Start drains the queue until ctx is done.
func (w *TeardownWorker) Start(ctx context.Context) {
	w.log.Info().Msg("TeardownWorker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("TeardownWorker stopped")
			return

		default:
			item, err := w.rdb.BLPop(ctx, TeardownPollTimeout, config.WorkerKey.TeardownSubmitQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					time.Sleep(TeardownPollTimeout)
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var sub TeardownSubmission
			if err := json.Unmarshal([]byte(item[1]), &sub); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			w.process(&sub)
		}
	}
}

// ----------------------------------------------------------------
// Grading
// ----------------------------------------------------------------

func (w *TeardownWorker) process(sub *TeardownSubmission) {
	// Detached from the worker context: a dequeued frame is graded even during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), TeardownSubmitTimeout)
	defer cancel()

	subLog := w.log.With().
		Str("attempt_id", sub.AttemptID).
		Int("student_id", sub.StudentID).
		Logger()

	res, first, err := w.attempts.Submit(ctx, sub.StudentID, sub.AttemptID, sub.Answers)
	metrics.RecordSubmission(metrics.ChannelStream, first, err)
	if err == nil {
		subLog.Info().
			Bool("first", first).
			Float64("score", res.Score).
			Dur("queued_for", time.Since(sub.QueuedAt)).
			Msg("Teardown submission accepted")
		return
	}

	if isRejection(err) {
		subLog.Warn().Err(err).Msg("Teardown submission rejected")
		return
	}

	sub.Tries++
	if sub.Tries >= TeardownMaxTries {
		subLog.Error().Err(err).Int("tries", sub.Tries).Msg("Teardown submission dropped")
		return
	}

	subLog.Warn().Err(err).Int("tries", sub.Tries).Msg("Teardown submission failed, requeueing")
	if err := w.Enqueue(ctx, *sub); err != nil {
		subLog.Error().Err(err).Msg("Requeue failed")
	}
}

// isRejection reports whether err is the attempt's own fault, which no retry fixes.
func isRejection(err error) bool {
	return errors.Is(err, service.ErrAttemptNotFound) ||
		errors.Is(err, service.ErrAttemptNotOwned) ||
		errors.Is(err, service.ErrUnknownQuestion) ||
		errors.Is(err, service.ErrOptionOutOfRange)
}
