package config

import (
	"fmt"
)

// StoreKeyStruct builds client-side storage keys. Every key carries the
// subject ID so attempts on different subjects never collide.
type StoreKeyStruct struct{}

func NewStoreKeyStruct() *StoreKeyStruct {
	return &StoreKeyStruct{}
}

// SnapshotKey returns the volatile key holding the full session snapshot.
func (r *StoreKeyStruct) SnapshotKey(subjectID string) string {
	return fmt.Sprintf("exam:%s:snapshot", subjectID)
}

// UnloadGuardKey returns the volatile presence-only key marking a reload in progress.
func (r *StoreKeyStruct) UnloadGuardKey(subjectID string) string {
	return fmt.Sprintf("exam:%s:unload_guard", subjectID)
}

// PendingSubmissionKey returns the durable key holding the redeliverable answers.
func (r *StoreKeyStruct) PendingSubmissionKey(subjectID string) string {
	return fmt.Sprintf("exam:%s:pending", subjectID)
}

// SubmittedKey returns the durable key marking an attempt as finalized.
func (r *StoreKeyStruct) SubmittedKey(subjectID, attemptID string) string {
	return fmt.Sprintf("exam:%s:attempt:%s:submitted", subjectID, attemptID)
}

var StoreKey = NewStoreKeyStruct()

// CacheKeyStruct builds Redis keys used by the development backend.
type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptMetaKey returns the cache key for an attempt's metadata
func (r *CacheKeyStruct) AttemptMetaKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:meta", attemptID)
}

// AttemptAnswerKeyKey returns the cache key for an attempt's answer key
func (r *CacheKeyStruct) AttemptAnswerKeyKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:key", attemptID)
}

// AttemptAnswersKey returns the cache key for an attempt's submitted answers
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// AttemptResultKey returns the cache key for an attempt's grading result
func (r *CacheKeyStruct) AttemptResultKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:result", attemptID)
}

// StudentActiveAttemptKey returns the cache key for a student's attempt on a subject
func (r *CacheKeyStruct) StudentActiveAttemptKey(studentID int, subjectID string) string {
	return fmt.Sprintf("student:%d:subject:%s:active_attempt", studentID, subjectID)
}

// StudentSessionKey returns the cache key for a student's active token ID
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("student:%d:session", studentID)
}

// SubjectBankKey returns the cache key for a subject's question bank
func (r *CacheKeyStruct) SubjectBankKey(subjectID string) string {
	return fmt.Sprintf("subject:%s:bank", subjectID)
}

// SubjectsKey returns the cache key for the set of seeded subject IDs
func (r *CacheKeyStruct) SubjectsKey() string {
	return "subjects"
}

var CacheKey = NewCacheKeyStruct()
