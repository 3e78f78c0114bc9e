// Package source discovers candidate SHiFT codes from an external JSON code
// listing and normalizes them into keys for the scheduler.
package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/NakedTrashPanda/autoshift/internal/metrics"
	"github.com/NakedTrashPanda/autoshift/keys"
)

// Filter narrows discovery to the caller's configured games and platforms.
type Filter struct {
	Games     []keys.Game
	Platforms []keys.Platform
}

// Source fetches and parses the code feed. Discovery is read-only and
// idempotent: an unchanged upstream snapshot yields the same keys in the
// same order (feed position, not code value).
type Source struct {
	feedURL string
	client  *http.Client
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	skipped int
}

// fetchRetries bounds request-layer retries for transport failures.
const fetchRetries = 3

// Option modifies a Source instance.
type Option func(*Source)

// WithHTTPClient replaces the HTTP client (primarily for testing).
func WithHTTPClient(client *http.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithLogger sets the source logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Source) {
		s.log = log
	}
}

// WithSleep replaces the retry sleep function (primarily for testing).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Source) {
		s.sleep = sleep
	}
}

// New builds a Source reading from feedURL.
func New(feedURL string, options ...Option) *Source {
	s := &Source{
		feedURL: feedURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     zerolog.Nop(),
		sleep:   sleepCtx,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// feedDocument is the top level of the community feed: a list of blocks each
// carrying a codes array.
type feedDocument []struct {
	Codes []feedEntry `json:"codes"`
}

// feedEntry is one listed code.
type feedEntry struct {
	Code     string `json:"code"`
	Game     string `json:"game"`
	Platform string `json:"platform"`
	Reward   string `json:"reward"`
	Expired  bool   `json:"expired,omitempty"`
}

// universalPlatform marks a code valid on every platform.
const universalPlatform = "universal"

// Discover fetches the feed and returns the keys matching the filter, in
// feed order. Malformed entries are skipped and counted, never fatal.
func (s *Source) Discover(ctx context.Context, filter Filter) ([]keys.Key, error) {
	doc, err := s.fetch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[Discover] fetching feed")
	}

	games := gameSet(filter.Games)
	platforms := filter.Platforms
	if len(platforms) == 0 {
		platforms = keys.AllPlatforms
	}

	s.skipped = 0
	var out []keys.Key
	seen := make(map[keys.Key]struct{})
	for _, block := range doc {
		for _, entry := range block.Codes {
			entryKeys, ok := s.normalize(entry, games, platforms)
			if !ok {
				s.skipped++
				continue
			}
			for _, k := range entryKeys {
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	if s.skipped > 0 {
		metrics.DiscoverySkippedTotal.Add(float64(s.skipped))
		s.log.Debug().Int("skipped", s.skipped).Msg("feed entries skipped")
	}
	return out, nil
}

// SkippedLast returns how many entries the previous Discover call skipped.
func (s *Source) SkippedLast() int { return s.skipped }

// fetch downloads and parses the feed, retrying transport failures a bounded
// number of times with exponential backoff. HTTP-level answers and parse
// failures are never retried; a broken feed stays broken until upstream fixes
// it.
func (s *Source) fetch(ctx context.Context) (feedDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept", "application/json")

	var lastErr error
	for attempt := 0; attempt < fetchRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, time.Second<<(attempt-1)); err != nil {
				return nil, err
			}
		}
		resp, err := s.client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			s.log.Debug().Err(err).Int("attempt", attempt+1).Msg("feed request failed, retrying")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, errors.Errorf("code feed returned status %d", resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		var doc feedDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrap(err, "parsing code feed")
		}
		return doc, nil
	}
	return nil, errors.Wrapf(lastErr, "fetching code feed after %d attempts", fetchRetries)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// normalize turns one feed entry into zero or more keys. A universal entry
// fans out to every requested platform. Returns ok=false for entries that
// cannot be used (empty code, unknown platform).
func (s *Source) normalize(entry feedEntry, games map[keys.Game]struct{}, platforms []keys.Platform) ([]keys.Key, bool) {
	code := keys.NormalizeCode(entry.Code)
	if code == "" {
		return nil, false
	}

	game := parseGameName(entry.Game)
	if len(games) > 0 {
		if _, ok := games[game]; !ok {
			// Filtered out by configuration, not malformed.
			return nil, true
		}
	}

	if strings.EqualFold(strings.TrimSpace(entry.Platform), universalPlatform) {
		fanned := make([]keys.Key, 0, len(platforms))
		for _, p := range platforms {
			fanned = append(fanned, keys.NewKey(code, game, p))
		}
		return fanned, true
	}

	platform, err := keys.ParsePlatform(entry.Platform)
	if err != nil {
		s.log.Debug().Str("platform", entry.Platform).Str("code", code).Msg("unknown platform in feed")
		return nil, false
	}
	for _, p := range platforms {
		if p == platform {
			return []keys.Key{keys.NewKey(code, game, platform)}, true
		}
	}
	return nil, true
}

// gameNames maps fragments of the feed's human-readable titles to games.
// Ordered so the more specific titles win.
var gameNames = []struct {
	fragment string
	game     keys.Game
}{
	{"wonderlands", keys.GameTTW},
	{"pre-sequel", keys.GameBLPS},
	{"godfall", keys.GameGDFLL},
	{"borderlands 2", keys.GameBL2},
	{"borderlands 3", keys.GameBL3},
	{"borderlands 4", keys.GameBL4},
	{"game of the year", keys.GameBL1},
	{"borderlands 1", keys.GameBL1},
}

func parseGameName(name string) keys.Game {
	if g := keys.ParseGame(name); g != keys.GameUnknown {
		return g
	}
	lower := strings.ToLower(name)
	for _, gn := range gameNames {
		if strings.Contains(lower, gn.fragment) {
			return gn.game
		}
	}
	return keys.GameUnknown
}

func gameSet(games []keys.Game) map[keys.Game]struct{} {
	set := make(map[keys.Game]struct{}, len(games))
	for _, g := range games {
		set[g] = struct{}{}
	}
	return set
}
