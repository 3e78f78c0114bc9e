package source_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NakedTrashPanda/autoshift/keys"
	"github.com/NakedTrashPanda/autoshift/source"
)

func feedServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const sampleFeed = `[
  {"codes": [
    {"code": "aaaaa-11111-AAAAA-11111-AAAAA", "game": "Borderlands 3", "platform": "steam", "reward": "3 golden keys"},
    {"code": "BBBBB-22222-BBBBB-22222-BBBBB", "game": "Borderlands 3", "platform": "universal", "reward": "skin"},
    {"code": "CCCCC-33333-CCCCC-33333-CCCCC", "game": "Tiny Tina's Wonderlands", "platform": "epic", "reward": "skeleton key"},
    {"code": "", "game": "Borderlands 3", "platform": "steam", "reward": "broken entry"},
    {"code": "DDDDD-44444-DDDDD-44444-DDDDD", "game": "Borderlands 3", "platform": "commodore64", "reward": "odd platform"},
    {"code": "aaaaa-11111-aaaaa-11111-aaaaa", "game": "Borderlands 3", "platform": "steam", "reward": "duplicate of the first"}
  ]}
]`

func TestDiscoverFiltersAndNormalizes(t *testing.T) {
	srv := feedServer(t, sampleFeed)
	src := source.New(srv.URL)

	got, err := src.Discover(context.Background(), source.Filter{
		Games:     []keys.Game{keys.GameBL3},
		Platforms: []keys.Platform{keys.PlatformSteam},
	})
	require.NoError(t, err)
	require.Equal(t, []keys.Key{
		keys.NewKey("AAAAA-11111-AAAAA-11111-AAAAA", keys.GameBL3, keys.PlatformSteam),
		keys.NewKey("BBBBB-22222-BBBBB-22222-BBBBB", keys.GameBL3, keys.PlatformSteam),
	}, got)
	// the empty code and the unknown platform are skipped, not fatal
	require.Equal(t, 2, src.SkippedLast())
}

func TestDiscoverUniversalFansOut(t *testing.T) {
	srv := feedServer(t, `[{"codes": [
		{"code": "BBBBB-22222-BBBBB-22222-BBBBB", "game": "Borderlands 3", "platform": "universal"}
	]}]`)
	src := source.New(srv.URL)

	got, err := src.Discover(context.Background(), source.Filter{
		Games:     []keys.Game{keys.GameBL3},
		Platforms: []keys.Platform{keys.PlatformSteam, keys.PlatformEpic, keys.PlatformPSN},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, platform := range []keys.Platform{keys.PlatformSteam, keys.PlatformEpic, keys.PlatformPSN} {
		require.Equal(t, keys.NewKey("BBBBB-22222-BBBBB-22222-BBBBB", keys.GameBL3, platform), got[i])
	}
}

func TestDiscoverGameFilterDropsOthers(t *testing.T) {
	srv := feedServer(t, sampleFeed)
	src := source.New(srv.URL)

	got, err := src.Discover(context.Background(), source.Filter{
		Games:     []keys.Game{keys.GameTTW},
		Platforms: []keys.Platform{keys.PlatformEpic},
	})
	require.NoError(t, err)
	require.Equal(t, []keys.Key{
		keys.NewKey("CCCCC-33333-CCCCC-33333-CCCCC", keys.GameTTW, keys.PlatformEpic),
	}, got)
}

func TestDiscoverIsStableAcrossCalls(t *testing.T) {
	srv := feedServer(t, sampleFeed)
	src := source.New(srv.URL)
	filter := source.Filter{
		Games:     []keys.Game{keys.GameBL3, keys.GameBL2, keys.GameTTW},
		Platforms: []keys.Platform{keys.PlatformSteam, keys.PlatformEpic},
	}

	first, err := src.Discover(context.Background(), filter)
	require.NoError(t, err)
	second, err := src.Discover(context.Background(), filter)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDiscoverRetriesDroppedConnections(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		drop := calls <= 2
		mu.Unlock()
		if drop {
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, sampleFeed)
	}))
	defer srv.Close()

	var slept []time.Duration
	src := source.New(srv.URL, source.WithSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	got, err := src.Discover(context.Background(), source.Filter{
		Games:     []keys.Game{keys.GameBL3},
		Platforms: []keys.Platform{keys.PlatformSteam},
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, 3, calls)
	// exponential backoff between attempts
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestDiscoverGivesUpAfterRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	src := source.New(srv.URL, source.WithSleep(func(context.Context, time.Duration) error { return nil }))
	_, err := src.Discover(context.Background(), source.Filter{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 3 attempts")
}

func TestDiscoverFeedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := source.New(srv.URL).Discover(context.Background(), source.Filter{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")
}

func TestDiscoverRejectsMalformedJSON(t *testing.T) {
	srv := feedServer(t, `{"not": "a feed"}`)
	_, err := source.New(srv.URL).Discover(context.Background(), source.Filter{})
	require.Error(t, err)
}
