package domain

import "errors"

// Domain errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrProductNotFound    = errors.New("product not found")
	ErrPurchaseNotFound   = errors.New("purchase not found")
	ErrInsufficientFunds  = errors.New("insufficient gold balance")
	ErrPurchaseInProgress = errors.New("purchase with this idempotency key is in progress")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnauthorized       = errors.New("missing or invalid credentials")
	ErrInternalError      = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrPurchaseNotFound)
}
