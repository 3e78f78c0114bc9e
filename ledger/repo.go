// Package ledger is the durable de-duplication record of every redemption
// attempt, keyed by (code, platform).
package ledger

import (
	"context"
	"time"

	"github.com/NakedTrashPanda/autoshift/keys"
)

// Entry is one persisted redemption fact. (Code, Platform) is unique; Game
// is an attribute, not part of the key, since manual-redemption flows imply
// (code, platform) uniqueness.
type Entry struct {
	Code        string
	Platform    keys.Platform
	Game        keys.Game
	Outcome     keys.Outcome
	Message     string
	AttemptedAt time.Time
}

// Store defines the ledger storage operations.
type Store interface {
	// Migrate brings the persisted schema to the current version. Applied
	// once at startup; repeated calls are no-ops.
	Migrate(ctx context.Context) error

	// Seen returns the entry for (code, platform), or nil when the pair
	// has never been recorded.
	Seen(ctx context.Context, code string, platform keys.Platform) (*Entry, error)

	// Record persists an attempt. A prior non-success entry for the same
	// pair is overwritten; an existing success entry is never overwritten
	// (the call is a no-op), protecting a true success from stale
	// rate-limited or errored retries.
	Record(ctx context.Context, entry Entry) error

	// List returns every entry, most recent attempt first.
	List(ctx context.Context) ([]Entry, error)

	// Close releases the underlying storage.
	Close()
}
