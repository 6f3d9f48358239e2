package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how stale an availability entry may be.
const DefaultTTL = 5 * time.Minute

type Scope string

const (
	ScopeDoctor Scope = "doctor"
	ScopeBranch Scope = "branch"
)

// Key identifies one cached availability listing.
type Key struct {
	Scope   Scope
	OwnerID uuid.UUID
	Date    time.Time
}

func DoctorKey(doctorID uuid.UUID, date time.Time) Key {
	return Key{Scope: ScopeDoctor, OwnerID: doctorID, Date: date}
}

func BranchKey(branchID uuid.UUID, date time.Time) Key {
	return Key{Scope: ScopeBranch, OwnerID: branchID, Date: date}
}

func (k Key) String() string {
	return fmt.Sprintf("availability:%s:%s:%s", k.Scope, k.OwnerID, k.Date.Format(time.DateOnly))
}

// Cache is an advisory TTL store. A miss is never an error; callers must be
// correct when every lookup misses.
type Cache[V any] interface {
	Get(ctx context.Context, key Key) (V, bool, error)
	Put(ctx context.Context, key Key, value V, ttl time.Duration) error
	Invalidate(ctx context.Context, key Key) error
}

// Disabled always misses.
type Disabled[V any] struct{}

func (Disabled[V]) Get(context.Context, Key) (V, bool, error) {
	var zero V
	return zero, false, nil
}

func (Disabled[V]) Put(context.Context, Key, V, time.Duration) error { return nil }

func (Disabled[V]) Invalidate(context.Context, Key) error { return nil }
