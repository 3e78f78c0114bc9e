// Package scheduler orchestrates discovery, ledger filtering and redemption
// under rate-limit back-pressure, once or on a repeating interval.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	apperrors "github.com/NakedTrashPanda/autoshift/internal/errors"
	"github.com/NakedTrashPanda/autoshift/internal/metrics"
	"github.com/NakedTrashPanda/autoshift/keys"
	"github.com/NakedTrashPanda/autoshift/ledger"
	"github.com/NakedTrashPanda/autoshift/session"
	"github.com/NakedTrashPanda/autoshift/source"
)

// CodeSource discovers candidate keys.
type CodeSource interface {
	Discover(ctx context.Context, filter source.Filter) ([]keys.Key, error)
}

// Redeemer submits one key through an active session.
type Redeemer interface {
	Redeem(ctx context.Context, sess *session.Session, key keys.Key) (keys.Status, error)
}

// SessionSource provides and refreshes the authenticated session.
type SessionSource interface {
	Current(ctx context.Context) (*session.Session, error)
	Login(ctx context.Context) (*session.Session, error)
	Invalidate()
}

// Deps holds all collaborator dependencies for the Scheduler.
type Deps struct {
	Source   CodeSource
	Store    ledger.Store
	Client   Redeemer
	Sessions SessionSource
}

// Config tunes pacing and rate-limit backoff.
type Config struct {
	Filter source.Filter

	// Delay is the mandatory politeness delay between redemption requests.
	Delay time.Duration
	// BackoffBase and BackoffCap bound the exponential rate-limit backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxRetries caps redemption attempts per key per cycle.
	MaxRetries int
}

// Scheduler drives the redemption cycle. It is not reentrant: only one cycle
// may be in flight at a time, and overlapping calls fail with
// apperrors.ErrCycleInFlight.
type Scheduler struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger

	nowTime func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
	events  EventFunc

	inUse bool
	mu    sync.Mutex // guards inUse
}

// Option modifies a Scheduler instance.
type Option func(*Scheduler)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Scheduler) {
		s.nowTime = nowFunc
	}
}

// WithSleep replaces the pacing/backoff sleep function (primarily for testing).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		s.sleep = sleep
	}
}

// WithJitter replaces the backoff jitter source (primarily for testing).
func WithJitter(jitter func() float64) Option {
	return func(s *Scheduler) {
		s.jitter = jitter
	}
}

// WithEvents subscribes a callback to scheduler events.
func WithEvents(fn EventFunc) Option {
	return func(s *Scheduler) {
		s.events = fn
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// New builds a Scheduler.
func New(deps Deps, cfg Config, options ...Option) (*Scheduler, error) {
	if deps.Source == nil {
		return nil, errors.New("[New] Source is required")
	}
	if deps.Store == nil {
		return nil, errors.New("[New] Store is required")
	}
	if deps.Client == nil {
		return nil, errors.New("[New] Client is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("[New] Sessions is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Minute
	}

	s := &Scheduler{
		deps:    deps,
		cfg:     cfg,
		log:     zerolog.Nop(),
		nowTime: time.Now,
		sleep:   sleepCtx,
		jitter:  rand.Float64,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// RunOnce executes one cycle: discover, filter against the ledger, redeem up
// to limit keys with politeness pacing, record outcomes. Persistent rate
// limiting ends the run early; remaining keys wait for the next cycle.
func (s *Scheduler) RunOnce(ctx context.Context, limit int) (RunSummary, error) {
	if err := s.acquire(); err != nil {
		return RunSummary{}, err
	}
	defer s.release()
	return s.runCycle(ctx, limit)
}

// RunPeriodic repeatedly invokes one cycle, sleeping interval between
// cycles, until ctx is cancelled. The interval sleep and the inter-request
// pacing are the cancellation checkpoints; a cancelled run never leaves a
// half-recorded key. A cycle lost to a transient failure (an unreachable
// feed, a dropped connection) waits out the interval and runs again; only
// auth and storage errors stop the loop.
func (s *Scheduler) RunPeriodic(ctx context.Context, interval time.Duration, limit int) error {
	for {
		summary, err := s.RunOnce(ctx, limit)
		switch {
		case err == nil:
			s.log.Info().Str("summary", summary.String()).Dur("interval", interval).Msg("cycle finished, sleeping")
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, apperrors.ErrInvalidCredentials) || errors.Is(err, apperrors.ErrStorage):
			// Only a rejected login or a broken ledger ends periodic
			// mode; anything else gets another chance next interval.
			return errors.Wrap(err, "[RunPeriodic] cycle aborted")
		default:
			s.log.Warn().Err(err).Dur("interval", interval).Msg("cycle failed, retrying next interval")
		}
		if err := s.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func (s *Scheduler) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse {
		return apperrors.ErrCycleInFlight
	}
	s.inUse = true
	return nil
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.inUse = false
	s.mu.Unlock()
}

func (s *Scheduler) runCycle(ctx context.Context, limit int) (RunSummary, error) {
	var summary RunSummary
	cycleID := uuid.New().String()
	started := s.nowTime()
	s.emit(Event{Kind: EventCycleStarted, CycleID: cycleID})

	// The run must not proceed to redemption without a valid session.
	sess, err := s.deps.Sessions.Current(ctx)
	if err != nil {
		return summary, errors.Wrap(err, "[runCycle] acquiring session")
	}

	discovered, err := s.deps.Source.Discover(ctx, s.cfg.Filter)
	if err != nil {
		return summary, errors.Wrap(err, "[runCycle] discovery")
	}
	s.log.Info().Int("discovered", len(discovered)).Msg("discovery finished")

	eligible, skipped, err := s.filterSeen(ctx, discovered)
	if err != nil {
		return summary, err
	}
	summary.Skipped = skipped

	for i, key := range eligible {
		if limit > 0 && summary.Attempted >= limit {
			break
		}
		if i > 0 {
			// Politeness pacing is also a cancellation checkpoint.
			if err := s.sleep(ctx, s.cfg.Delay); err != nil {
				return summary, err
			}
		}
		summary.Attempted++

		backpressure, err := s.attemptKey(ctx, cycleID, &sess, key, &summary)
		if err != nil {
			return summary, err
		}
		if backpressure {
			s.log.Warn().Str("key", key.String()).Msg("rate limiting persists, ending run early")
			break
		}
	}

	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Observe(s.nowTime().Sub(started).Seconds())
	s.emit(Event{Kind: EventCycleFinished, CycleID: cycleID, Summary: &summary})
	return summary, nil
}

// filterSeen drops keys whose ledger entry is terminal.
func (s *Scheduler) filterSeen(ctx context.Context, discovered []keys.Key) ([]keys.Key, int, error) {
	var eligible []keys.Key
	skipped := 0
	for _, key := range discovered {
		entry, err := s.deps.Store.Seen(ctx, key.Code, key.Platform)
		if err != nil {
			return nil, 0, errors.Wrap(err, "[filterSeen] ledger lookup")
		}
		if entry != nil && entry.Outcome.Terminal() {
			skipped++
			continue
		}
		eligible = append(eligible, key)
	}
	return eligible, skipped, nil
}

// attemptKey redeems one key with bounded rate-limit retries and a single
// re-login on session expiry. It returns backpressure=true when the rate
// limit outlived the retry budget; the key is then left unrecorded so the
// next cycle picks it up again.
func (s *Scheduler) attemptKey(ctx context.Context, cycleID string, sess **session.Session, key keys.Key, summary *RunSummary) (bool, error) {
	sessionRetried := false
	attempts := 0

	for {
		status, err := s.deps.Client.Redeem(ctx, *sess, key)
		if err != nil {
			// Transport failure past the request layer's retry budget.
			// Not a fact about the code: leave it unrecorded.
			s.log.Error().Err(err).Str("key", key.String()).Msg("redemption request failed")
			summary.Errors++
			return false, nil
		}
		attempts++

		switch status.Outcome {
		case keys.OutcomeSessionExpired:
			// Not a fact about the code, a fact about the session.
			if sessionRetried {
				s.log.Warn().Str("key", key.String()).Msg("session expired twice, giving up on key this cycle")
				summary.Errors++
				s.emitKey(cycleID, key, keys.NewStatus(keys.OutcomeUnknownError, status.Message))
				return false, nil
			}
			s.deps.Sessions.Invalidate()
			fresh, err := s.deps.Sessions.Login(ctx)
			if err != nil {
				return false, errors.Wrap(err, "[attemptKey] re-login after session expiry")
			}
			*sess = fresh
			sessionRetried = true
			continue

		case keys.OutcomeRateLimited:
			if attempts >= s.cfg.MaxRetries {
				summary.RateLimited++
				s.emitKey(cycleID, key, status)
				return true, nil
			}
			if err := s.sleep(ctx, s.backoff(attempts)); err != nil {
				return false, err
			}
			continue
		}

		if err := s.record(ctx, key, status); err != nil {
			return false, err
		}
		s.count(summary, status.Outcome)
		s.emitKey(cycleID, key, status)
		s.log.Info().
			Str("code", key.Code).
			Str("platform", string(key.Platform)).
			Str("outcome", string(status.Outcome)).
			Str("message", status.Message).
			Msg("key redeemed")
		return false, nil
	}
}

func (s *Scheduler) record(ctx context.Context, key keys.Key, status keys.Status) error {
	entry := ledger.Entry{
		Code:        key.Code,
		Platform:    key.Platform,
		Game:        key.Game,
		Outcome:     status.Outcome,
		Message:     status.Message,
		AttemptedAt: s.nowTime(),
	}
	if err := s.deps.Store.Record(ctx, entry); err != nil {
		return errors.Wrap(err, "[record] ledger write")
	}
	return nil
}

func (s *Scheduler) count(summary *RunSummary, outcome keys.Outcome) {
	metrics.RedemptionsTotal.WithLabelValues(string(outcome)).Inc()
	switch outcome {
	case keys.OutcomeSuccess:
		summary.Success++
	case keys.OutcomeAlreadyRedeemed:
		summary.AlreadyRedeemed++
	case keys.OutcomeExpired:
		summary.Expired++
	case keys.OutcomeInvalid:
		summary.Invalid++
	case keys.OutcomeRateLimited:
		summary.RateLimited++
	default:
		summary.Errors++
	}
}

func (s *Scheduler) emitKey(cycleID string, key keys.Key, status keys.Status) {
	s.emit(Event{Kind: EventKeyRedeemed, CycleID: cycleID, Key: &key, Status: &status})
}

// backoff computes the capped exponential delay with jitter for the n-th
// rate-limited attempt (n >= 1).
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase << (attempt - 1)
	if d > s.cfg.BackoffCap || d <= 0 {
		d = s.cfg.BackoffCap
	}
	// Half fixed, half jittered, so backoff never collapses to zero.
	half := d / 2
	return half + time.Duration(s.jitter()*float64(half))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
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
