package out

import (
	"errors"
)

// ErrUnauthenticated means no usable credential is available for the mailbox owner.
var ErrUnauthenticated = errors.New("mailbox owner is not authenticated")

// ErrTokenNotFound is returned by token stores that hold no token yet.
var ErrTokenNotFound = errors.New("oauth token not found")

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrConflict     ProviderErrorCode = "conflict"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// ProviderErrorCodeOf returns the code of the first ProviderError in err's chain.
func ProviderErrorCodeOf(err error) (ProviderErrorCode, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}

// IsAuthExpired reports whether err means the credential was rejected and the
// poll loop must pause until it is renewed.
func IsAuthExpired(err error) bool {
	if errors.Is(err, ErrUnauthenticated) {
		return true
	}
	code, ok := ProviderErrorCodeOf(err)
	return ok && (code == ProviderErrTokenExpired || code == ProviderErrAuth)
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return err != nil
}
