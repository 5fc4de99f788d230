package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidWindow is returned for a non-positive window duration.
	ErrInvalidWindow = errors.New("ratelimit: window must be positive")

	// ErrInvalidLimit is returned for a non-positive request limit.
	ErrInvalidLimit = errors.New("ratelimit: max requests must be positive")
)

// Policy is a window length and the number of requests admitted per window.
// The zero value is invalid, construct with NewPolicy or MustPolicy.
type Policy struct {
	window time.Duration
	max    int
}

// NewPolicy validates and returns a policy admitting max requests per window.
func NewPolicy(window time.Duration, max int) (Policy, error) {
	if window <= 0 {
		return Policy{}, fmt.Errorf("%w (got %s)", ErrInvalidWindow, window)
	}
	if max <= 0 {
		return Policy{}, fmt.Errorf("%w (got %d)", ErrInvalidLimit, max)
	}
	return Policy{window: window, max: max}, nil
}

// MustPolicy is NewPolicy for static values, it panics on invalid input.
func MustPolicy(window time.Duration, max int) Policy {
	p, err := NewPolicy(window, max)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Policy) Window() time.Duration { return p.window }
func (p Policy) Max() int              { return p.max }

// Valid reports whether p came from a successful NewPolicy.
func (p Policy) Valid() bool { return p.window > 0 && p.max > 0 }

func (p Policy) String() string {
	return fmt.Sprintf("%d/%s", p.max, p.window)
}
