package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds returned by the engine. Callers match them with errors.Is; the API layer
// turns them into stable error codes.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotEligible       = errors.New("not eligible")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotActive  = errors.New("account not active")
	ErrRoleInsufficient  = errors.New("role insufficient")
	ErrAlreadyDecided    = errors.New("already decided")
	ErrNotFound          = errors.New("not found")
)

var (
	ErrInvalidAmount = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidRate   = fmt.Errorf("%w: invalid rate", ErrValidation)
	ErrRateLimited   = errors.New("too many requests")
)

// NotEligibleError carries every eligibility rule a request violated.
type NotEligibleError struct {
	Reasons []string
}

func (e *NotEligibleError) Error() string {
	return "not eligible: " + strings.Join(e.Reasons, "; ")
}

func (e *NotEligibleError) Is(target error) bool {
	return target == ErrNotEligible
}

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InvalidTransition reports an operation attempted from a status that does not allow it.
func InvalidTransition(entity string, from, to fmt.Stringer) error {
	return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidState, entity, from, to)
}

// ErrorKind maps an error to its stable kind code. Unknown errors are INTERNAL.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotEligible):
		return "NOT_ELIGIBLE"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrAccountNotActive):
		return "ACCOUNT_NOT_ACTIVE"
	case errors.Is(err, ErrRoleInsufficient):
		return "ROLE_INSUFFICIENT"
	case errors.Is(err, ErrAlreadyDecided):
		return "ALREADY_DECIDED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	default:
		return "INTERNAL"
	}
}

// EligibilityReasons extracts the reason list from a NotEligibleError chain.
func EligibilityReasons(err error) []string {
	var ne *NotEligibleError
	if errors.As(err, &ne) {
		return ne.Reasons
	}
	return nil
}
