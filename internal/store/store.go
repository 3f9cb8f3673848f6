// Package store provides the key-value tiers the exam client persists into.
//
// Memory is the volatile tier: it lives as long as the process and is shared by
// every session manager built inside it. File and Redis are durable tiers that
// outlive the process.
package store

import "errors"

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a synchronous key-value store. Implementations must complete a
// write before returning.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}
