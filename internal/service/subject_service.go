package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/model"
)

// Domain Errors
var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrInvalidBank     = errors.New("invalid question bank")
)

// SubjectService keeps question banks in Redis, one JSON document per subject.
type SubjectService struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewSubjectService(rdb *redis.Client, log zerolog.Logger) *SubjectService {
	return &SubjectService{
		rdb: rdb,
		log: log.With().Str("component", "subject_service").Logger(),
	}
}

// Seed stores every bank, replacing an existing bank for the same subject.
func (s *SubjectService) Seed(ctx context.Context, banks []model.QuestionBank) error {
	for i := range banks {
		if err := checkBank(&banks[i]); err != nil {
			return err
		}
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range banks {
			raw, err := json.Marshal(&banks[i])
			if err != nil {
				return fmt.Errorf("encode bank %s: %w", banks[i].SubjectID, err)
			}
			pipe.Set(ctx, config.CacheKey.SubjectBankKey(banks[i].SubjectID), raw, 0)
			pipe.SAdd(ctx, config.CacheKey.SubjectsKey(), banks[i].SubjectID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed banks: %w", err)
	}

	s.log.Info().Int("subjects", len(banks)).Msg("Question banks seeded")
	return nil
}

// SeedIfEmpty seeds banks only when no subject exists yet.
func (s *SubjectService) SeedIfEmpty(ctx context.Context, banks []model.QuestionBank) (bool, error) {
	n, err := s.rdb.SCard(ctx, config.CacheKey.SubjectsKey()).Result()
	if err != nil {
		return false, fmt.Errorf("count subjects: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	return true, s.Seed(ctx, banks)
}

// GetBank returns the full bank for subjectID, answer key included.
func (s *SubjectService) GetBank(ctx context.Context, subjectID string) (*model.QuestionBank, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.SubjectBankKey(subjectID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSubjectNotFound
		}
		return nil, fmt.Errorf("get bank: %w", err)
	}

	var bank model.QuestionBank
	if err := json.Unmarshal(raw, &bank); err != nil {
		return nil, fmt.Errorf("decode bank %s: %w", subjectID, err)
	}
	return &bank, nil
}

// List returns every seeded subject ordered by ID.
func (s *SubjectService) List(ctx context.Context) ([]model.Subject, error) {
	ids, err := s.rdb.SMembers(ctx, config.CacheKey.SubjectsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	sort.Strings(ids)

	subjects := make([]model.Subject, 0, len(ids))
	for _, id := range ids {
		bank, err := s.GetBank(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSubjectNotFound) {
				continue
			}
			return nil, err
		}
		subjects = append(subjects, model.Subject{
			ID:            bank.SubjectID,
			Name:          bank.Name,
			QuestionCount: len(bank.Questions),
		})
	}
	return subjects, nil
}

func checkBank(b *model.QuestionBank) error {
	if b.SubjectID == "" || len(b.Questions) == 0 {
		return fmt.Errorf("%w: subject %q has no questions", ErrInvalidBank, b.SubjectID)
	}
	seen := make(map[string]bool, len(b.Questions))
	for _, q := range b.Questions {
		if q.ID == "" || seen[q.ID] {
			return fmt.Errorf("%w: subject %s has a missing or duplicate question ID %q", ErrInvalidBank, b.SubjectID, q.ID)
		}
		seen[q.ID] = true
		if len(q.Options) < 2 || q.Correct < 0 || q.Correct >= len(q.Options) {
			return fmt.Errorf("%w: question %s in %s has a bad answer key", ErrInvalidBank, q.ID, b.SubjectID)
		}
	}
	return nil
}
