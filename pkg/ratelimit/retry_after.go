package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryAfter is used when a 429 carries no usable Retry-After header.
const DefaultRetryAfter = 60 * time.Second

// ErrBudgetExhausted is returned once a Budget refuses another rate-limit wait.
var ErrBudgetExhausted = errors.New("rate limit retry budget exhausted")

// ParseRetryAfter parses a Retry-After header value, either delay-seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, error) {
	value = strings.TrimSpace(value)

	// Try parsing as seconds
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("invalid Retry-After value: %s", value)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	// Try parsing as HTTP date
	t, err := http.ParseTime(value)
	if err != nil {
		t, err = time.Parse(time.RFC1123, value)
	}
	if err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, nil
	}

	return 0, fmt.Errorf("invalid Retry-After value: %s", value)
}

// RetryAfterOrDefault parses value and falls back to def when it is empty or malformed.
func RetryAfterOrDefault(value string, def time.Duration, now time.Time) time.Duration {
	if value == "" {
		return def
	}
	d, err := ParseRetryAfter(value, now)
	if err != nil {
		return def
	}
	return d
}

// Policy bounds 429 handling for a single logical operation.
type Policy struct {
	MaxRetries        int
	MaxWait           time.Duration
	DefaultRetryAfter time.Duration
}

// Budget tracks the retries and wait time spent against a Policy.
type Budget struct {
	policy  Policy
	retries int
	waited  time.Duration
}

func (p Policy) NewBudget() *Budget {
	if p.DefaultRetryAfter <= 0 {
		p.DefaultRetryAfter = DefaultRetryAfter
	}
	return &Budget{policy: p}
}

// Spend reserves one retry of d. It fails without reserving when either bound would be exceeded.
// A zero MaxRetries or MaxWait leaves that bound unlimited.
func (b *Budget) Spend(d time.Duration) error {
	if b.policy.MaxRetries > 0 && b.retries >= b.policy.MaxRetries {
		return fmt.Errorf("%w: %d retries", ErrBudgetExhausted, b.retries)
	}
	if b.policy.MaxWait > 0 && b.waited+d > b.policy.MaxWait {
		return fmt.Errorf("%w: waiting %s would exceed %s", ErrBudgetExhausted, d, b.policy.MaxWait)
	}
	b.retries++
	b.waited += d
	return nil
}

func (b *Budget) Retries() int {
	return b.retries
}

func (b *Budget) Waited() time.Duration {
	return b.waited
}

// DefaultWait is the wait used for a 429 without Retry-After.
func (b *Budget) DefaultWait() time.Duration {
	return b.policy.DefaultRetryAfter
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is a context-aware SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Blocker shares back-off windows between workers hitting the same provider key.
type Blocker interface {
	BlockFor(ctx context.Context, key string, d time.Duration) error
	IsBlocked(ctx context.Context, key string) (bool, time.Duration, error)
}
