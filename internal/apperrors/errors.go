// Package apperrors defines the typed errors returned by the race engine's
// core components and their mapping onto HTTP responses.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrValidation          ErrorType = "VALIDATION_ERROR"
	ErrInsufficientBalance ErrorType = "INSUFFICIENT_BALANCE"
	ErrInvalidPhase        ErrorType = "INVALID_PHASE"
	ErrDuplicateBet        ErrorType = "DUPLICATE_BET"
	ErrVerification        ErrorType = "VERIFICATION_FAILURE"
	ErrChainUnavailable    ErrorType = "CHAIN_UNAVAILABLE"
	ErrForbidden           ErrorType = "FORBIDDEN"
	ErrUnauthorized        ErrorType = "UNAUTHORIZED"
	ErrNotFound            ErrorType = "NOT_FOUND"
	ErrRateLimited         ErrorType = "RATE_LIMITED"
	ErrInternal            ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application. Details carries
// the state a client needs to correct the request (balance, phase, ...).
type AppError struct {
	Type       ErrorType      `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Cause      error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// With returns a copy of e with an extra detail attached.
func (e *AppError) With(key string, value any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func Validation(msg string) *AppError {
	return New(ErrValidation, msg, nil)
}

// InsufficientBalance reports the current balance alongside the amount asked for.
func InsufficientBalance(balance, required uint64) *AppError {
	return New(ErrInsufficientBalance, "insufficient balance", nil).
		With("balance", balance).
		With("required", required)
}

// InvalidPhase reports the race's current phase so the client can resync.
func InvalidPhase(raceID string, phase string) *AppError {
	return New(ErrInvalidPhase, fmt.Sprintf("race %s is %s, betting is closed", raceID, phase), nil).
		With("race_id", raceID).
		With("phase", phase)
}

func DuplicateBet(betID string) *AppError {
	return New(ErrDuplicateBet, "user already has an active bet on this race", nil).
		With("bet_id", betID)
}

// Verification is a failed check on a signed transaction. The failing check
// name is reported so clients can tell a malformed tx from a wrong amount.
func Verification(check, msg string) *AppError {
	return New(ErrVerification, msg, nil).With("check", check)
}

func ChainUnavailable(cause error) *AppError {
	return New(ErrChainUnavailable, "blockchain connection unavailable", cause)
}

func NotFound(what string) *AppError {
	return New(ErrNotFound, what+" not found", nil)
}

func Forbidden(msg string) *AppError {
	return New(ErrForbidden, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, "internal error", err)
}

// Is reports whether err is an AppError of the given type.
func Is(err error, t ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == t
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInsufficientBalance, ErrInvalidPhase, ErrDuplicateBet:
		return http.StatusConflict
	case ErrVerification:
		return http.StatusUnprocessableEntity
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrChainUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrInsufficientBalance:
		return "Deposit more funds or lower the amount."
	case ErrInvalidPhase:
		return "Wait for the next race countdown."
	case ErrDuplicateBet:
		return "Cancel the existing bet before placing another."
	case ErrChainUnavailable:
		return "Retry the request."
	case ErrRateLimited:
		return "Slow down and retry shortly."
	default:
		return ""
	}
}
