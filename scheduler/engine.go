package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/NakedTrashPanda/autoshift/keys"
	"github.com/NakedTrashPanda/autoshift/ledger"
	"github.com/NakedTrashPanda/autoshift/source"
)

// Engine is the API surface consumed by a presentation layer: login, code
// preview, the manual single-code path, run-once and periodic runs, and the
// ledger audit listing.
type Engine struct {
	sched *Scheduler
}

// NewEngine builds the engine facade over a Scheduler.
func NewEngine(deps Deps, cfg Config, options ...Option) (*Engine, error) {
	sched, err := New(deps, cfg, options...)
	if err != nil {
		return nil, errors.Wrap(err, "[NewEngine]")
	}
	return &Engine{sched: sched}, nil
}

// Login authenticates eagerly. An auth rejection is fatal to the calling run.
func (e *Engine) Login(ctx context.Context) error {
	if _, err := e.sched.deps.Sessions.Login(ctx); err != nil {
		return errors.Wrap(err, "[Login]")
	}
	return nil
}

// DiscoverCodes returns the filtered candidate keys without redeeming
// anything; the read-only preview behind a Query action.
func (e *Engine) DiscoverCodes(ctx context.Context, filter source.Filter) ([]keys.Key, error) {
	found, err := e.sched.deps.Source.Discover(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "[DiscoverCodes]")
	}
	return found, nil
}

// RedeemOne is the manual single-code path. The game is unknown for manually
// entered codes. The ledger is consulted first so a recorded success is
// never re-submitted, and terminal outcomes are recorded like any other.
func (e *Engine) RedeemOne(ctx context.Context, code string, platform keys.Platform) (keys.Status, error) {
	key := keys.NewKey(code, keys.GameUnknown, platform)

	entry, err := e.sched.deps.Store.Seen(ctx, key.Code, key.Platform)
	if err != nil {
		return keys.Status{}, errors.Wrap(err, "[RedeemOne] ledger lookup")
	}
	if entry != nil && entry.Outcome == keys.OutcomeSuccess {
		return keys.NewStatus(keys.OutcomeSuccess, entry.Message), nil
	}

	sess, err := e.sched.deps.Sessions.Current(ctx)
	if err != nil {
		return keys.Status{}, errors.Wrap(err, "[RedeemOne] acquiring session")
	}

	sessionRetried := false
	for {
		status, err := e.sched.deps.Client.Redeem(ctx, sess, key)
		if err != nil {
			return keys.Status{}, errors.Wrap(err, "[RedeemOne] submit")
		}

		switch status.Outcome {
		case keys.OutcomeSessionExpired:
			if sessionRetried {
				return keys.NewStatus(keys.OutcomeUnknownError, status.Message), nil
			}
			e.sched.deps.Sessions.Invalidate()
			if sess, err = e.sched.deps.Sessions.Login(ctx); err != nil {
				return keys.Status{}, errors.Wrap(err, "[RedeemOne] re-login")
			}
			sessionRetried = true
			continue
		case keys.OutcomeRateLimited:
			// Manual path does not back off; the caller decides.
			return status, nil
		}

		if err := e.sched.record(ctx, key, status); err != nil {
			return keys.Status{}, errors.Wrap(err, "[RedeemOne]")
		}
		return status, nil
	}
}

// RunOnce executes a single cycle. See Scheduler.RunOnce.
func (e *Engine) RunOnce(ctx context.Context, limit int) (RunSummary, error) {
	return e.sched.RunOnce(ctx, limit)
}

// RunPeriodic runs cycles on interval until ctx is cancelled. See
// Scheduler.RunPeriodic.
func (e *Engine) RunPeriodic(ctx context.Context, interval time.Duration, limit int) error {
	return e.sched.RunPeriodic(ctx, interval, limit)
}

// Ledger returns the recorded attempts, most recent first.
func (e *Engine) Ledger(ctx context.Context) ([]ledger.Entry, error) {
	return e.sched.deps.Store.List(ctx)
}
