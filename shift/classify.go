package shift

import (
	"net/http"
	"strings"

	"github.com/NakedTrashPanda/autoshift/keys"
)

// phrase maps a known fragment of the site's response text to an outcome.
// Matching is case-insensitive and first-match-wins, so the more specific
// phrasings come first.
type phrase struct {
	fragment string
	outcome  keys.Outcome
}

var phrases = []phrase{
	{"success", keys.OutcomeSuccess},
	{"redeemed", keys.OutcomeAlreadyRedeemed},
	{"expired", keys.OutcomeExpired},
	{"not a valid shift code", keys.OutcomeInvalid},
	{"is not valid", keys.OutcomeInvalid},
	{"please wait", keys.OutcomeRateLimited},
	{"slow down", keys.OutcomeRateLimited},
	{"to continue to redeem", keys.OutcomeRateLimited},
	{"sign in", keys.OutcomeSessionExpired},
	{"log in to your shift account", keys.OutcomeSessionExpired},
}

// classify maps a server response to the outcome taxonomy. Unmatched
// responses become unknown_error rather than a failed call, so the scheduler
// applies ledger policy uniformly.
func classify(statusCode int, message string) keys.Status {
	switch statusCode {
	case http.StatusTooManyRequests:
		return keys.NewStatus(keys.OutcomeRateLimited, message)
	case http.StatusUnauthorized:
		return keys.NewStatus(keys.OutcomeSessionExpired, message)
	}

	lower := strings.ToLower(message)
	for _, p := range phrases {
		if strings.Contains(lower, p.fragment) {
			return keys.NewStatus(p.outcome, message)
		}
	}
	return keys.NewStatus(keys.OutcomeUnknownError, message)
}
