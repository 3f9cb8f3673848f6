package persist

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/store"
)

// Durable holds the redeliverable pending submission and the per-attempt
// submitted markers.
type Durable struct {
	s         store.Store
	subjectID string
}

// NewDurable scopes s to subjectID.
func NewDurable(s store.Store, subjectID string) *Durable {
	return &Durable{s: s, subjectID: subjectID}
}

// SavePending overwrites the subject's pending submission.
func (d *Durable) SavePending(p *model.PendingSubmission) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending submission: %w", err)
	}
	if err := d.s.Set(config.StoreKey.PendingSubmissionKey(d.subjectID), raw); err != nil {
		return fmt.Errorf("save pending submission: %w", err)
	}
	return nil
}

// LoadPending returns (nil, nil) when nothing is queued. An undecodable entry
// is dropped and reported as absent.
func (d *Durable) LoadPending() (*model.PendingSubmission, error) {
	key := config.StoreKey.PendingSubmissionKey(d.subjectID)
	raw, err := d.s.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending submission: %w", err)
	}

	var p model.PendingSubmission
	if err := json.Unmarshal(raw, &p); err != nil || p.AttemptID == "" {
		_ = d.s.Delete(key)
		return nil, nil
	}
	if p.Answers == nil {
		p.Answers = model.AnswerSet{}
	}
	return &p, nil
}

// ClearPending removes the subject's pending submission.
func (d *Durable) ClearPending() error {
	return d.s.Delete(config.StoreKey.PendingSubmissionKey(d.subjectID))
}

// ClearPendingFor removes the pending submission only while it still belongs
// to attemptID, so a finished attempt cannot drop a newer attempt's answers.
func (d *Durable) ClearPendingFor(attemptID string) error {
	p, err := d.LoadPending()
	if err != nil {
		return err
	}
	if p == nil || p.AttemptID != attemptID {
		return nil
	}
	return d.ClearPending()
}

// MarkSubmitted records that attemptID has been finalized.
func (d *Durable) MarkSubmitted(attemptID string) error {
	return d.s.Set(config.StoreKey.SubmittedKey(d.subjectID, attemptID), []byte("1"))
}

// IsSubmitted reports whether attemptID was finalized by any manager instance.
func (d *Durable) IsSubmitted(attemptID string) (bool, error) {
	_, err := d.s.Get(config.StoreKey.SubmittedKey(d.subjectID, attemptID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read submitted marker: %w", err)
	}
	return true, nil
}
