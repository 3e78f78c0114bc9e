package keys

// Outcome classifies a single redemption attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeAlreadyRedeemed Outcome = "already_redeemed"
	OutcomeExpired         Outcome = "expired"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeSessionExpired  Outcome = "session_expired"
	OutcomeUnknownError    Outcome = "unknown_error"
)

// Terminal reports whether the outcome is a final fact about the code on its
// platform. Terminal entries are filtered out of later cycles; the rest
// (rate limits, session and unknown errors) are retried.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSuccess, OutcomeAlreadyRedeemed, OutcomeExpired, OutcomeInvalid:
		return true
	}
	return false
}

// Status is the result of one redemption attempt: the classified outcome plus
// the server's human-readable text, kept for audit logging.
type Status struct {
	Outcome Outcome
	Message string
}

func NewStatus(outcome Outcome, message string) Status {
	return Status{Outcome: outcome, Message: message}
}

func (s Status) String() string {
	if s.Message == "" {
		return string(s.Outcome)
	}
	return string(s.Outcome) + ": " + s.Message
}
