package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/model"
)

// Domain Errors
var (
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrAttemptNotOwned  = errors.New("attempt belongs to another student")
	ErrUnknownQuestion  = errors.New("answer refers to an unknown question")
	ErrOptionOutOfRange = errors.New("answer option out of range")
)

// AttemptRetention is how long attempt data outlives the attempt's expiry.
const AttemptRetention = 24 * time.Hour

type attemptMeta struct {
	AttemptID string           `json:"attempt_id"`
	StudentID int              `json:"student_id"`
	SubjectID string           `json:"subject_id"`
	Questions []model.Question `json:"questions"`
	StartedAt time.Time        `json:"started_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// AttemptService creates, grades and remembers attempts. Everything lives in
// Redis under the attempt ID.
type AttemptService struct {
	rdb      *redis.Client
	subjects *SubjectService
	duration time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewAttemptService creates a new AttemptService. duration is the time a
// student gets per attempt.
func NewAttemptService(rdb *redis.Client, subjects *SubjectService, duration time.Duration, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		rdb:      rdb,
		subjects: subjects,
		duration: duration,
		now:      time.Now,
		log:      log.With().Str("component", "attempt_service").Logger(),
	}
}

func (s *AttemptService) ttl() time.Duration {
	return s.duration + AttemptRetention
}

// Start creates a new attempt on subjectID for studentID.
func (s *AttemptService) Start(ctx context.Context, studentID int, subjectID string) (*model.StartAttemptResponse, error) {
	bank, err := s.subjects.GetBank(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Second)
	meta := attemptMeta{
		AttemptID: uuid.New().String(),
		StudentID: studentID,
		SubjectID: subjectID,
		Questions: bank.PublicQuestions(),
		StartedAt: now,
		ExpiresAt: now.Add(s.duration),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode attempt: %w", err)
	}

	answerKey := make(map[string]interface{}, len(bank.Questions))
	for qID, correct := range bank.AnswerKey() {
		answerKey[qID] = correct
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, config.CacheKey.AttemptMetaKey(meta.AttemptID), raw, s.ttl())
		pipe.HSet(ctx, config.CacheKey.AttemptAnswerKeyKey(meta.AttemptID), answerKey)
		pipe.Expire(ctx, config.CacheKey.AttemptAnswerKeyKey(meta.AttemptID), s.ttl())
		pipe.Set(ctx, config.CacheKey.StudentActiveAttemptKey(studentID, subjectID), meta.AttemptID, s.duration)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store attempt: %w", err)
	}

	s.log.Info().
		Str("attempt_id", meta.AttemptID).
		Int("student_id", studentID).
		Str("subject_id", subjectID).
		Time("expires_at", meta.ExpiresAt).
		Msg("Attempt started")

	return &model.StartAttemptResponse{
		AttemptID: meta.AttemptID,
		SubjectID: meta.SubjectID,
		Questions: meta.Questions,
		ExpiresAt: meta.ExpiresAt,
	}, nil
}

// Submit grades answers for attemptID. Only the first submission is graded;
// later ones get the stored result back with first set to false.
func (s *AttemptService) Submit(ctx context.Context, studentID int, attemptID string, answers model.AnswerSet) (res *model.GradingResult, first bool, err error) {
	meta, err := s.loadMeta(ctx, attemptID)
	if err != nil {
		return nil, false, err
	}
	if meta.StudentID != studentID {
		return nil, false, ErrAttemptNotOwned
	}

	if stored, err := s.loadResult(ctx, attemptID); err == nil {
		return stored, false, nil
	} else if !errors.Is(err, ErrAttemptNotFound) {
		return nil, false, err
	}

	if err := checkAnswers(meta.Questions, answers); err != nil {
		return nil, false, err
	}

	key, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswerKeyKey(attemptID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get answer key: %w", err)
	}

	correct := 0
	total := len(key)
	for qID, correctAns := range key {
		want, err := strconv.Atoi(correctAns)
		if err != nil {
			return nil, false, fmt.Errorf("answer key for %s: %w", qID, err)
		}
		if got, ok := answers[qID]; ok && got == want {
			correct++
		}
	}

	var score float64
	if total > 0 {
		score = (float64(correct) / float64(total)) * 100
	}

	res = &model.GradingResult{
		AttemptID:  attemptID,
		Score:      score,
		Correct:    correct,
		Total:      total,
		FinishedAt: s.now().UTC(),
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, false, fmt.Errorf("encode result: %w", err)
	}

	// The first writer wins; a concurrent duplicate reads the winner back.
	won, err := s.rdb.SetNX(ctx, config.CacheKey.AttemptResultKey(attemptID), raw, s.ttl()).Result()
	if err != nil {
		return nil, false, fmt.Errorf("store result: %w", err)
	}
	if !won {
		stored, err := s.loadResult(ctx, attemptID)
		if err != nil {
			return nil, false, err
		}
		return stored, false, nil
	}

	if err := s.storeAnswers(ctx, meta, answers); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Store submitted answers")
	}

	s.log.Info().
		Str("attempt_id", attemptID).
		Int("student_id", studentID).
		Float64("score", score).
		Int("correct", correct).
		Int("total", total).
		Msg("Attempt submitted and graded")

	return res, true, nil
}

// Result returns the stored grading result of a submitted attempt.
func (s *AttemptService) Result(ctx context.Context, studentID int, attemptID string) (*model.GradingResult, error) {
	meta, err := s.loadMeta(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if meta.StudentID != studentID {
		return nil, ErrAttemptNotOwned
	}
	return s.loadResult(ctx, attemptID)
}

func (s *AttemptService) loadMeta(ctx context.Context, attemptID string) (*attemptMeta, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.AttemptMetaKey(attemptID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	var meta attemptMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode attempt %s: %w", attemptID, err)
	}
	return &meta, nil
}

func (s *AttemptService) loadResult(ctx context.Context, attemptID string) (*model.GradingResult, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.AttemptResultKey(attemptID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get result: %w", err)
	}

	var res model.GradingResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", attemptID, err)
	}
	return &res, nil
}

func (s *AttemptService) storeAnswers(ctx context.Context, meta *attemptMeta, answers model.AnswerSet) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(answers) > 0 {
			fields := make(map[string]interface{}, len(answers))
			for qID, opt := range answers {
				fields[qID] = opt
			}
			pipe.HSet(ctx, config.CacheKey.AttemptAnswersKey(meta.AttemptID), fields)
			pipe.Expire(ctx, config.CacheKey.AttemptAnswersKey(meta.AttemptID), s.ttl())
		}
		pipe.Del(ctx, config.CacheKey.StudentActiveAttemptKey(meta.StudentID, meta.SubjectID))
		return nil
	})
	return err
}

func checkAnswers(questions []model.Question, answers model.AnswerSet) error {
	byID := make(map[string]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	for qID, opt := range answers {
		q, ok := byID[qID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownQuestion, qID)
		}
		if !q.HasOption(opt) {
			return fmt.Errorf("%w: %d for %s", ErrOptionOutOfRange, opt, qID)
		}
	}
	return nil
}
