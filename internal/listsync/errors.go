package listsync

import (
	"errors"
	"fmt"
)

var (
	ErrRemoteFetch            = errors.New("remote fetch failed")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrDanglingReference      = errors.New("dangling reference")
	ErrConfiguration          = errors.New("invalid configuration")
	ErrUnsortedPage           = errors.New("page is not sorted")
)

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// FetchError is a failed page request: a transport error or a non-200
// status. StatusCode is zero for transport errors.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s failed", e.URL)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrRemoteFetch
}

type StorageError struct {
	Op     string
	ListID string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s (list %s): %v", e.Op, e.ListID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// ConcurrentModificationError means the persisted index moved on since it
// was loaded. The engine has dropped its in-memory state; reload and retry.
type ConcurrentModificationError struct {
	ListID   string
	Revision int64
	Err      error
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("list %s was modified concurrently (loaded at revision %d)", e.ListID, e.Revision)
}

func (e *ConcurrentModificationError) Unwrap() error {
	return e.Err
}

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}

type DanglingReferenceError struct {
	ListID string
	ID     string
	Err    error
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("list %s references missing item %s: %v", e.ListID, e.ID, e.Err)
}

func (e *DanglingReferenceError) Unwrap() error {
	return e.Err
}

func (e *DanglingReferenceError) Is(target error) bool {
	return target == ErrDanglingReference
}

// ItemError reports a single failed item inside a bulk store call.
type ItemError struct {
	ID  string
	Op  string
	Err error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s item %s: %v", e.Op, e.ID, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}
