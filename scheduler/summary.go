package scheduler

import "fmt"

// RunSummary is the per-outcome accounting for one completed cycle. It is
// returned even when some keys failed; only auth and storage errors abort a
// cycle without one.
type RunSummary struct {
	Success         int
	AlreadyRedeemed int
	Expired         int
	Invalid         int
	RateLimited     int
	Errors          int

	// Skipped counts keys filtered out by an existing terminal ledger entry.
	Skipped int
	// Attempted counts keys actually submitted this cycle.
	Attempted int
}

func (s RunSummary) String() string {
	return fmt.Sprintf("attempted=%d success=%d already=%d expired=%d invalid=%d ratelimited=%d errors=%d skipped=%d",
		s.Attempted, s.Success, s.AlreadyRedeemed, s.Expired, s.Invalid, s.RateLimited, s.Errors, s.Skipped)
}
