// Package clock provides a deterministic clock abstraction for the pledge
// ledger.
//
// GUARDRAIL: Core logic packages MUST NOT call time.Now() directly.
// Instead, inject a Clock interface to enable deterministic testing and
// prevent timezone-related bugs in due-date and reminder math.
//
// All stored timestamps are UTC. Display formatting goes through a single
// configured Zone so every outbound email and ledger row renders in the
// program's operating timezone regardless of host locale.
package clock

import "time"

// Clock provides the current time.
// All core logic should depend on this interface, not time.Now().
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual system time in UTC.
// Use only at application entry points (cmd/*).
type RealClock struct{}

// Now returns the current system time in UTC.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock always returns a fixed time.
// Use for deterministic testing.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed time.
func (c FixedClock) Now() time.Time {
	return c.T
}

// FuncClock wraps a function as a Clock.
// Useful for incremental time or custom test scenarios.
type FuncClock func() time.Time

// Now calls the wrapped function.
func (f FuncClock) Now() time.Time {
	return f()
}

// NewReal returns a Clock that uses the real system time.
// ONLY use at application entry points (cmd/*).
func NewReal() Clock {
	return RealClock{}
}

// NewFixed returns a Clock that always returns the given time.
// Use for deterministic testing.
func NewFixed(t time.Time) Clock {
	return FixedClock{T: t}
}

// NewFunc returns a Clock backed by a custom function.
// Useful for tests that need incrementing or dynamic time.
func NewFunc(f func() time.Time) Clock {
	return FuncClock(f)
}

// Zone is the single display timezone for the deployment.
// Stored values stay UTC; only rendering uses the zone.
type Zone struct {
	loc *time.Location
}

// LoadZone resolves an IANA timezone name. An empty name means UTC.
func LoadZone(name string) (Zone, error) {
	if name == "" {
		return Zone{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return Zone{}, err
	}
	return Zone{loc: loc}, nil
}

// MustZone is LoadZone for static configuration; panics on a bad name.
func MustZone(name string) Zone {
	z, err := LoadZone(name)
	if err != nil {
		panic(err)
	}
	return z
}

// FormatDate renders a timestamp as YYYY-MM-DD in the display zone.
func (z Zone) FormatDate(t time.Time) string {
	return t.In(z.location()).Format("2006-01-02")
}

// FormatDateTime renders a timestamp for email bodies and ledger rows.
func (z Zone) FormatDateTime(t time.Time) string {
	return t.In(z.location()).Format("2006-01-02 15:04")
}

// In converts a timestamp into the display zone for calendar math
// (hour-of-day, day-of-month checks).
func (z Zone) In(t time.Time) time.Time {
	return t.In(z.location())
}

// StartOfDay returns midnight of t's day in the display zone, as UTC.
func (z Zone) StartOfDay(t time.Time) time.Time {
	lt := t.In(z.location())
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, z.location()).UTC()
}

func (z Zone) location() *time.Location {
	if z.loc == nil {
		return time.UTC
	}
	return z.loc
}

// Verify interface compliance at compile time.
var (
	_ Clock = RealClock{}
	_ Clock = FixedClock{}
	_ Clock = FuncClock(nil)
)
