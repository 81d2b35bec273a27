package usage

import (
	"context"
	"sync"
)

// Account is the last known balance of a single user together with the
// operations a call client performs against it. It is safe for concurrent use.
type Account struct {
	store  *Store
	userID string

	mu      sync.RWMutex
	record  *Record
	loading bool
	writes  uint64
}

// NewAccount creates an account for userID. The balance is unknown until the
// first Refresh or Update resolves.
func NewAccount(store *Store, userID string) *Account {
	return &Account{store: store, userID: userID}
}

// UserID returns the account owner.
func (a *Account) UserID() string {
	return a.userID
}

// Refresh reloads the balance from the store. A failed read clears the last
// known record so callers treat the balance as unknown. If an Update landed
// while the read was in flight, its record is newer and is kept instead.
func (a *Account) Refresh(ctx context.Context) *Record {
	a.mu.Lock()
	a.loading = true
	writes := a.writes
	a.mu.Unlock()

	rec := a.store.LoadUsage(ctx, a.userID)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.loading = false
	if a.writes != writes {
		return copyRecord(a.record)
	}
	a.record = rec
	return copyRecord(rec)
}

// Update charges deltaSeconds and, on success, replaces the last known record
// with the one that was written. A failed update leaves it untouched.
func (a *Account) Update(ctx context.Context, deltaSeconds int64) bool {
	rec, ok := a.store.update(ctx, a.userID, deltaSeconds)
	if !ok {
		return false
	}

	a.mu.Lock()
	a.record = rec
	a.writes++
	a.mu.Unlock()
	return true
}

// Loading reports whether a Refresh is in flight.
func (a *Account) Loading() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loading
}

// Record returns a copy of the last known record, or nil when unknown.
func (a *Account) Record() *Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyRecord(a.record)
}

// CanStartCall reports whether the last known balance allows a call.
func (a *Account) CanStartCall() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return CanStartCall(a.record)
}

// Remaining returns the last known remaining seconds, or -1 when unknown.
func (a *Account) Remaining() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.record == nil {
		return -1
	}
	return a.record.RemainingSeconds
}

// RemainingTime returns the last known balance as MM:SS.
func (a *Account) RemainingTime() string {
	return FormatRemainingTime(a.Remaining())
}

// RemainingTimeDetailed returns the last known balance as HH:MM:SS.
func (a *Account) RemainingTimeDetailed() string {
	return FormatRemainingTimeDetailed(a.Remaining())
}

func copyRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	out := *rec
	return &out
}
