// Package persist namespaces session state into the volatile and durable
// store tiers. Every key carries the subject ID.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/store"
)

// ErrCorruptSnapshot is returned when a stored snapshot cannot be decoded or
// does not describe a usable attempt.
var ErrCorruptSnapshot = errors.New("corrupt session snapshot")

// Volatile holds the refresh-restore snapshot and the unload guard.
type Volatile struct {
	s         store.Store
	subjectID string
}

// NewVolatile scopes s to subjectID.
func NewVolatile(s store.Store, subjectID string) *Volatile {
	return &Volatile{s: s, subjectID: subjectID}
}

// SaveSnapshot overwrites the subject's snapshot.
func (v *Volatile) SaveSnapshot(snap *model.SessionSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := v.s.Set(config.StoreKey.SnapshotKey(v.subjectID), raw); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns store.ErrNotFound when nothing is stored and
// ErrCorruptSnapshot when what is stored is unusable.
func (v *Volatile) LoadSnapshot() (*model.SessionSnapshot, error) {
	raw, err := v.s.Get(config.StoreKey.SnapshotKey(v.subjectID))
	if err != nil {
		return nil, err
	}

	var snap model.SessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.AttemptID == "" || len(snap.Questions) == 0 || snap.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: missing attempt fields", ErrCorruptSnapshot)
	}
	if snap.SubjectID != "" && snap.SubjectID != v.subjectID {
		return nil, fmt.Errorf("%w: subject mismatch", ErrCorruptSnapshot)
	}
	if snap.CurrentIndex < 0 || snap.CurrentIndex >= len(snap.Questions) {
		return nil, fmt.Errorf("%w: index out of range", ErrCorruptSnapshot)
	}
	if snap.Answers == nil {
		snap.Answers = model.AnswerSet{}
	}
	if snap.Flagged == nil {
		snap.Flagged = model.FlagSet{}
	}
	return &snap, nil
}

// ClearSnapshot removes the subject's snapshot.
func (v *Volatile) ClearSnapshot() error {
	return v.s.Delete(config.StoreKey.SnapshotKey(v.subjectID))
}

// SetGuard records that the process is tearing the page down.
func (v *Volatile) SetGuard() error {
	return v.s.Set(config.StoreKey.UnloadGuardKey(v.subjectID), []byte("1"))
}

// TakeGuard reports whether the guard was present and clears it.
func (v *Volatile) TakeGuard() (bool, error) {
	key := config.StoreKey.UnloadGuardKey(v.subjectID)
	if _, err := v.s.Get(key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read unload guard: %w", err)
	}
	if err := v.s.Delete(key); err != nil {
		return true, fmt.Errorf("clear unload guard: %w", err)
	}
	return true, nil
}

// Clear removes everything this subject owns in the volatile tier.
func (v *Volatile) Clear() error {
	return errors.Join(
		v.ClearSnapshot(),
		v.s.Delete(config.StoreKey.UnloadGuardKey(v.subjectID)),
	)
}
