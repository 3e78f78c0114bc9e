// Package keys holds the domain types shared by the redemption engine:
// games, platforms, candidate keys and redemption outcomes.
package keys

import (
	"fmt"
	"strings"
)

// Game identifies a title a SHiFT code can be redeemed for.
type Game string

const (
	GameBL1     Game = "bl1"
	GameBL2     Game = "bl2"
	GameBL3     Game = "bl3"
	GameBL4     Game = "bl4"
	GameBLPS    Game = "blps"
	GameTTW     Game = "ttw"
	GameGDFLL   Game = "gdfll"
	GameUnknown Game = "unknown"
)

// AllGames lists every known title, excluding GameUnknown.
var AllGames = []Game{GameBL1, GameBL2, GameBL3, GameBL4, GameBLPS, GameTTW, GameGDFLL}

// ParseGame maps a feed or CLI value to a Game. Unrecognised values map to
// GameUnknown so manually entered codes stay redeemable.
func ParseGame(s string) Game {
	g := Game(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllGames {
		if g == known {
			return known
		}
	}
	return GameUnknown
}

// Platform is the storefront ecosystem a code is redeemed against.
type Platform string

const (
	PlatformSteam    Platform = "steam"
	PlatformEpic     Platform = "epic"
	PlatformPSN      Platform = "psn"
	PlatformXboxLive Platform = "xboxlive"
)

// AllPlatforms lists every supported platform.
var AllPlatforms = []Platform{PlatformSteam, PlatformEpic, PlatformPSN, PlatformXboxLive}

// ParsePlatform maps a feed or CLI value to a Platform.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlatformSteam, PlatformEpic, PlatformPSN, PlatformXboxLive:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Key is one candidate redemption unit. Immutable once created.
type Key struct {
	Code     string
	Game     Game
	Platform Platform
}

// NewKey normalizes the code (trimmed, upper-cased) and builds a Key.
func NewKey(code string, game Game, platform Platform) Key {
	return Key{
		Code:     NormalizeCode(code),
		Game:     game,
		Platform: platform,
	}
}

// NormalizeCode upper-cases and trims a raw code string.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Code, k.Platform)
}
