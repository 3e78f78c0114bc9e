package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NakedTrashPanda/autoshift/keys"
	"github.com/NakedTrashPanda/autoshift/scheduler"
	"github.com/NakedTrashPanda/autoshift/source"
)

func (f *fixture) engine(t *testing.T, cfg scheduler.Config) *scheduler.Engine {
	t.Helper()
	deps := scheduler.Deps{
		Source:   f.source,
		Store:    f.store,
		Client:   f.client,
		Sessions: f.sessions,
	}
	eng, err := scheduler.NewEngine(deps, cfg,
		scheduler.WithSleep(f.sleeps.sleep),
		scheduler.WithJitter(func() float64 { return 0 }),
	)
	require.NoError(t, err)
	return eng
}

func TestRedeemOneRecordsOutcome(t *testing.T) {
	f := newFixture()
	eng := f.engine(t, scheduler.Config{})

	status, err := eng.RedeemOne(context.Background(), "aaaaa-11111-aaaaa-11111-aaaaa", keys.PlatformSteam)
	require.NoError(t, err)
	require.Equal(t, keys.OutcomeSuccess, status.Outcome)

	// the code is normalized before it reaches the ledger
	entry, err := f.store.Seen(context.Background(), "AAAAA-11111-AAAAA-11111-AAAAA", keys.PlatformSteam)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, keys.OutcomeSuccess, entry.Outcome)
	require.Equal(t, keys.GameUnknown, entry.Game)
}

func TestRedeemOneShortCircuitsRecordedSuccess(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.store.Record(context.Background(), ledgerEntry(key1, keys.OutcomeSuccess)))
	eng := f.engine(t, scheduler.Config{})

	status, err := eng.RedeemOne(context.Background(), key1.Code, key1.Platform)
	require.NoError(t, err)
	require.Equal(t, keys.OutcomeSuccess, status.Outcome)
	// nothing was submitted
	require.Zero(t, f.client.callsFor(key1))
}

func TestRedeemOneRetriesTerminalFailures(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.store.Record(context.Background(), ledgerEntry(key1, keys.OutcomeInvalid)))
	f.client.script(keys.NewKey(key1.Code, keys.GameUnknown, key1.Platform),
		keys.NewStatus(keys.OutcomeSuccess, "redeemed"))
	eng := f.engine(t, scheduler.Config{})

	// a manual retry of a non-success entry goes back to the site
	status, err := eng.RedeemOne(context.Background(), key1.Code, key1.Platform)
	require.NoError(t, err)
	require.Equal(t, keys.OutcomeSuccess, status.Outcome)

	entry, err := f.store.Seen(context.Background(), key1.Code, key1.Platform)
	require.NoError(t, err)
	require.Equal(t, keys.OutcomeSuccess, entry.Outcome)
}

func TestRedeemOneDoesNotBackOff(t *testing.T) {
	f := newFixture()
	key := keys.NewKey(key1.Code, keys.GameUnknown, key1.Platform)
	f.client.script(key, keys.NewStatus(keys.OutcomeRateLimited, "slow down"))
	eng := f.engine(t, scheduler.Config{})

	status, err := eng.RedeemOne(context.Background(), key1.Code, key1.Platform)
	require.NoError(t, err)
	require.Equal(t, keys.OutcomeRateLimited, status.Outcome)
	require.Equal(t, 1, f.client.callsFor(key))
	// rate limiting is not recorded
	entry, err := f.store.Seen(context.Background(), key1.Code, key1.Platform)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestRedeemOneReloginsOnce(t *testing.T) {
	f := newFixture()
	key := keys.NewKey(key1.Code, keys.GameUnknown, key1.Platform)
	f.client.script(key,
		keys.NewStatus(keys.OutcomeSessionExpired, "redirected to login"),
		keys.NewStatus(keys.OutcomeSuccess, "redeemed"),
	)
	eng := f.engine(t, scheduler.Config{})

	status, err := eng.RedeemOne(context.Background(), key1.Code, key1.Platform)
	require.NoError(t, err)
	require.Equal(t, keys.OutcomeSuccess, status.Outcome)
	require.Equal(t, 1, f.sessions.loginCount())
	require.Equal(t, 2, f.client.callsFor(key))
}

func TestDiscoverCodesIsReadOnly(t *testing.T) {
	f := newFixture()
	f.source.keys = []keys.Key{key1, key2}
	eng := f.engine(t, scheduler.Config{})

	found, err := eng.DiscoverCodes(context.Background(), source.Filter{})
	require.NoError(t, err)
	require.Equal(t, []keys.Key{key1, key2}, found)
	require.Zero(t, f.store.Len())
	require.Zero(t, f.client.callsFor(key1))
}

func TestLedgerListsRecordedAttempts(t *testing.T) {
	f := newFixture()
	f.source.keys = []keys.Key{key1, key2}
	eng := f.engine(t, scheduler.Config{})

	_, err := eng.RunOnce(context.Background(), 0)
	require.NoError(t, err)

	entries, err := eng.Ledger(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
