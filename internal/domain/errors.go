package domain

import "github.com/pkg/errors"

// Trade rejection and failure taxonomy. Business-rule errors leave ledger
// state untouched; ErrPersistenceFailure means the store refused the append
// and nothing was applied.
var (
	ErrInvalidPrice          = errors.New("invalid price")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientCoverage  = errors.New("insufficient coverage")
	ErrPositionLimitExceeded = errors.New("position limit exceeded")
	ErrPositionNotFound      = errors.New("position not found")
	ErrDuplicateOpen         = errors.New("position id already used")
	ErrDuplicateClose        = errors.New("position already closed")
	ErrPersistenceFailure    = errors.New("persistence failure")
)
