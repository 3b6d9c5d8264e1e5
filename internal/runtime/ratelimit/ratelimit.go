// Package ratelimit implements fixed-window rate limiting with penalty
// blocking. Subject keys carry their class as a prefix ("user:42",
// "service:auth->resources", "ip:10.0.0.7"), and each class has its own
// policy.
package ratelimit

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Class partitions subjects into isolation domains with separate budgets.
type Class string

const (
	ClassUser    Class = "user"
	ClassService Class = "service"
	ClassIP      Class = "ip"
	ClassDefault Class = "default"
)

// ClassOf returns the class encoded in key's prefix, or ClassDefault.
func ClassOf(key string) Class {
	prefix, _, found := strings.Cut(key, ":")
	if !found {
		return ClassDefault
	}
	switch c := Class(prefix); c {
	case ClassUser, ClassService, ClassIP:
		return c
	default:
		return ClassDefault
	}
}

// Key builds a subject key for class.
func Key(class Class, id string) string {
	return string(class) + ":" + id
}

// Policy is the budget of one subject class.
type Policy struct {
	Capacity      int           `mapstructure:"capacity" json:"capacity"`
	Window        time.Duration `mapstructure:"window" json:"window"`
	BlockDuration time.Duration `mapstructure:"block_duration" json:"blockDuration"`
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&p.Window, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&p.BlockDuration, validation.Min(time.Duration(0))),
	)
}

// DefaultPolicies returns the stock per-class budgets.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassUser:    {Capacity: 100, Window: time.Minute, BlockDuration: 5 * time.Minute},
		ClassService: {Capacity: 1000, Window: time.Minute, BlockDuration: time.Minute},
		ClassIP:      {Capacity: 30, Window: time.Minute, BlockDuration: 10 * time.Minute},
		ClassDefault: {Capacity: 60, Window: time.Minute, BlockDuration: 2 * time.Minute},
	}
}

// Record is the stored state of one subject. A zero BlockedUntil means the
// subject is not blocked.
type Record struct {
	Count         int
	WindowResetAt time.Time
	BlockedUntil  time.Time
}

// Blocked reports whether the record blocks requests at now.
func (r Record) Blocked(now time.Time) bool {
	return r.BlockedUntil.After(now)
}

// Expired reports whether the record carries no live state at now: its
// window is over and it is not blocked.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.WindowResetAt) && !r.Blocked(now)
}

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed bool
	Record  Record
	// RetryAfter is set on rejection.
	RetryAfter time.Duration
	// Tripped is true for the request that set the block.
	Tripped bool
}

// Store keeps rate-limit records. Take must apply the block check, window
// reset and increment for one key atomically.
type Store interface {
	Take(ctx context.Context, key string, policy Policy, now time.Time) (Decision, error)
	Get(ctx context.Context, key string) (Record, bool, error)
	Delete(ctx context.Context, key string) error
	// Sweep deletes expired records and returns how many it removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// take is the admission algorithm shared by the stores.
func take(rec Record, exists bool, policy Policy, now time.Time) (Record, Decision) {
	if exists && rec.Blocked(now) {
		return rec, Decision{Record: rec, RetryAfter: rec.BlockedUntil.Sub(now)}
	}
	if !exists || !now.Before(rec.WindowResetAt) {
		rec = Record{WindowResetAt: now.Add(policy.Window)}
	}
	rec.Count++
	if rec.Count > policy.Capacity {
		rec.BlockedUntil = now.Add(policy.BlockDuration)
		return rec, Decision{Record: rec, RetryAfter: policy.BlockDuration, Tripped: true}
	}
	return rec, Decision{Allowed: true, Record: rec}
}
