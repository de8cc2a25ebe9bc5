package scheduler

import (
	"strings"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

// Classification buckets one raw failure message into the category the
// backoff logic keys off and a stable code for the run record.
type Classification struct {
	FailureCategory string
	ErrorCode       string
}

// Classifier maps a raw error message to a classification. Pluggable so
// chain-specific revert vocabularies can extend the default table.
type Classifier func(message string) Classification

// ClassifyFailure is the default classifier: a conservative substring table.
// Anything unrecognised is infra, never business_rejected, so the autopause
// threshold cannot fire on errors we do not understand.
func ClassifyFailure(message string) Classification {
	m := strings.ToLower(message)

	switch {
	case strings.Contains(m, "invalid token id"):
		return Classification{models.FailureInfra, models.ErrCodeInvalidToken}
	case strings.Contains(m, "insufficient funds"), strings.Contains(m, "exceeds balance"):
		return Classification{models.FailureBusinessRejected, models.ErrCodeInsufficientFunds}
	case strings.Contains(m, "cooldown"):
		return Classification{models.FailureBusinessRejected, models.ErrCodePolicyCooldown}
	case strings.Contains(m, "execution reverted"):
		return Classification{models.FailureBusinessRejected, models.ErrCodeReverted}
	case strings.Contains(m, "nonce"), strings.Contains(m, "replacement transaction"):
		return Classification{models.FailureInfra, models.ErrCodeNonce}
	case strings.Contains(m, "timeout"), strings.Contains(m, "connection"), strings.Contains(m, "eof"):
		return Classification{models.FailureInfra, models.ErrCodeRPC}
	default:
		return Classification{models.FailureInfra, models.ErrCodeUnknown}
	}
}

// IsInvalidTokenError reports whether the chain says the token does not
// exist. OpenZeppelin wording varies ("invalid token ID", "ERC721: invalid
// token ID"); the lowercase substring covers both.
func IsInvalidTokenError(message string) bool {
	return strings.Contains(strings.ToLower(message), "invalid token id")
}
