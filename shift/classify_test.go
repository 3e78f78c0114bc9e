package shift

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NakedTrashPanda/autoshift/keys"
)

func TestClassifyKnownPhrasings(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    keys.Outcome
	}{
		{"success", http.StatusOK, "Your code was successfully redeemed", keys.OutcomeSuccess},
		{"already redeemed", http.StatusOK, "This SHiFT code has already been redeemed", keys.OutcomeAlreadyRedeemed},
		{"expired", http.StatusOK, "This SHiFT code has expired", keys.OutcomeExpired},
		{"invalid", http.StatusNotFound, "This is not a valid SHiFT code", keys.OutcomeInvalid},
		{"throttle text", http.StatusOK, "To continue to redeem in-game items, please wait", keys.OutcomeRateLimited},
		{"please wait", http.StatusOK, "Please wait before trying again", keys.OutcomeRateLimited},
		{"http 429", http.StatusTooManyRequests, "anything at all", keys.OutcomeRateLimited},
		{"http 401", http.StatusUnauthorized, "anything at all", keys.OutcomeSessionExpired},
		{"login page text", http.StatusOK, "Sign In to your account", keys.OutcomeSessionExpired},
		{"unmatched", http.StatusOK, "something entirely new from the server", keys.OutcomeUnknownError},
		{"empty", http.StatusOK, "", keys.OutcomeUnknownError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := classify(tc.status, tc.message)
			require.Equal(t, tc.want, st.Outcome)
			require.Equal(t, tc.message, st.Message)
		})
	}
}

func TestClassifyNeverErrors(t *testing.T) {
	// Unexpected responses map to unknown_error so the scheduler can apply
	// ledger policy uniformly.
	st := classify(http.StatusInternalServerError, "<html>garbage</html>")
	require.Equal(t, keys.OutcomeUnknownError, st.Outcome)
}
