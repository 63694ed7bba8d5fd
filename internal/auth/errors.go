package auth

import "errors"

// Kind is the closed taxonomy of expected failures. Every public operation
// returns an *Error carrying one of these; infrastructure faults (unreachable
// database, provider 5xx plumbing errors) propagate as plain wrapped errors
// to the boundary's generic fault handler.
type Kind int

const (
	KindInvalidCredentials Kind = iota + 1
	KindAccountLocked
	KindUnauthorized
	KindTokenMissing
	KindTokenNotFound
	KindTokenExpired
	KindTokenInvalidated
	KindTokenReused
	KindChallengeNotFound
	KindChallengeExpired
	KindChallengeLocked
	KindInvalidCode
	KindProviderExchangeFailed
	KindNoUsableEmail
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountLocked:
		return "account_locked"
	case KindUnauthorized:
		return "unauthorized"
	case KindTokenMissing:
		return "token_missing"
	case KindTokenNotFound:
		return "token_not_found"
	case KindTokenExpired:
		return "token_expired"
	case KindTokenInvalidated:
		return "token_invalidated"
	case KindTokenReused:
		return "token_reused"
	case KindChallengeNotFound:
		return "challenge_not_found"
	case KindChallengeExpired:
		return "challenge_expired"
	case KindChallengeLocked:
		return "challenge_locked"
	case KindInvalidCode:
		return "invalid_code"
	case KindProviderExchangeFailed:
		return "provider_exchange_failed"
	case KindNoUsableEmail:
		return "no_usable_email"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a tagged expected-failure outcome.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// E builds an *Error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf extracts the failure kind, or 0 for infrastructure faults.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

// msgSessionInvalid is shared by the expired, invalidated, reused and
// not-found refresh outcomes. A thief probing with a captured token must not
// be able to tell from the response whether reuse detection fired; the
// distinction is visible only in the audit stream.
const msgSessionInvalid = "refresh token is invalid or expired, please log in again"
