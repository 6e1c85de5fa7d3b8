package settlement

import "time"

// RetryPath identifies who is driving a settlement attempt.
type RetryPath int

const (
	PathInitial RetryPath = iota
	PathManual
	PathAuto
)

func (p RetryPath) String() string {
	switch p {
	case PathManual:
		return "manual"
	case PathAuto:
		return "auto"
	default:
		return "initial"
	}
}

// RetryPolicy is consulted by both the bearer claim path and the automatic sweep.
// A zero MaxManualAttempts means bearer claims may retry without limit.
type RetryPolicy struct {
	MaxAutoAttempts   int
	MaxManualAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAutoAttempts: 3}
}

// Exhausted reports whether a record that has now failed attempts times must become FAILED.
func (p RetryPolicy) Exhausted(path RetryPath, attempts int) bool {
	switch path {
	case PathAuto:
		return attempts >= p.MaxAutoAttempts
	case PathManual:
		return p.MaxManualAttempts > 0 && attempts >= p.MaxManualAttempts
	default:
		return false
	}
}

// PinGuard locks a record after repeated wrong PINs. Each lockout doubles the previous one.
type PinGuard struct {
	MaxFailures int
	Lockout     time.Duration
}

func DefaultPinGuard() PinGuard {
	return PinGuard{MaxFailures: 5, Lockout: 15 * time.Minute}
}

// LockoutFor returns how long the n-th lockout lasts (n starts at 1).
func (g PinGuard) LockoutFor(n int) time.Duration {
	d := g.Lockout
	for i := 1; i < n && d < 24*time.Hour; i++ {
		d *= 2
	}
	if d > 24*time.Hour {
		d = 24 * time.Hour
	}
	return d
}
