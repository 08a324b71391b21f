package domain

import (
	"errors"
	"fmt"
)

// ErrDistributionRunning signals lock contention: another executor already
// holds the season's advisory lock. Callers abort without mutating state.
var ErrDistributionRunning = errors.New("distribution already in progress for season")

// ValidationError marks malformed input. Never retried.
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// InsufficientPowerError is a business-rule rejection: the user tried to
// delegate more than their available power.
type InsufficientPowerError struct {
	User      string
	Requested int64
	Available int64
}

func (e *InsufficientPowerError) Error() string {
	return fmt.Sprintf("insufficient voting power for %s: requested %d, available %d",
		e.User, e.Requested, e.Available)
}

// SelfDelegationError rejects a user delegating to a target they own.
type SelfDelegationError struct {
	User   string
	Target string
}

func (e *SelfDelegationError) Error() string {
	return fmt.Sprintf("user %s may not delegate to own target %s", e.User, e.Target)
}

// StaleCacheError means the cache is behind the ledger head beyond the
// configured tolerance. The caller forces a resync and retries once.
type StaleCacheError struct {
	Season      int64
	SyncedBlock int64
	HeadBlock   int64
}

func (e *StaleCacheError) Error() string {
	return fmt.Sprintf("cache for season %d is stale: synced to block %d, head is %d",
		e.Season, e.SyncedBlock, e.HeadBlock)
}

// InsufficientDataError means fewer targets have votes than the requested
// number of winners. The caller decides whether to proceed with fewer.
type InsufficientDataError struct {
	Season    int64
	Requested int
	Available int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("season %d has %d targets with votes, %d requested",
		e.Season, e.Available, e.Requested)
}

// LedgerUnavailableError wraps network or RPC failures from the ledger
// gateway. Retried with backoff; a sync tick aborts cleanly on it.
type LedgerUnavailableError struct {
	Op  string
	Err error
}

func (e *LedgerUnavailableError) Error() string {
	return fmt.Sprintf("ledger unavailable during %s: %v", e.Op, e.Err)
}

func (e *LedgerUnavailableError) Unwrap() error {
	return e.Err
}
