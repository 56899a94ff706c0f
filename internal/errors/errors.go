// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrOffline            = errors.New("broker unreachable")
	ErrAuth               = errors.New("broker authentication failed")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrMarketClosed       = errors.New("market is closed")
	ErrOrderRejected      = errors.New("order rejected")
	ErrPendingOrder       = errors.New("pending order exists")
	ErrNoSignal           = errors.New("no signal")
	ErrInsufficientData   = errors.New("insufficient data")
	ErrCircuitBreaker     = errors.New("daily circuit breaker active")
	ErrCapitalLimit       = errors.New("capital limit exceeded")
	ErrQuoteUnavailable   = errors.New("quote unavailable")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDataNotFound       = errors.New("data not found")
	ErrDatabaseError      = errors.New("database error")
	ErrNegativeHolding    = errors.New("sell exceeds recorded holding")
	ErrStateFlush         = errors.New("state flush failed")
)

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s %d]: %s: %v", e.Op, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s %d]: %s", e.Op, e.Status, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(op string, status int, message string, err error) *BrokerError {
	return &BrokerError{
		Op:      op,
		Status:  status,
		Message: message,
		Err:     err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	Symbol   string
	Exchange string
	Side     string
	Reason   string
	Err      error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error %s %s:%s: %s: %v", e.Side, e.Exchange, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error %s %s:%s: %s", e.Side, e.Exchange, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(symbol, exchange, side, reason string, err error) *OrderError {
	return &OrderError{
		Symbol:   symbol,
		Exchange: exchange,
		Side:     side,
		Reason:   reason,
		Err:      err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RiskError represents a risk management error.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns a plain error, mirroring the standard library.
func New(text string) error {
	return errors.New(text)
}

// IsAuth reports whether err signals an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsOffline reports whether err signals a transport-level failure.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}
