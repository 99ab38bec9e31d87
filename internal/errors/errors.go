// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotConnected   = errors.New("not connected to gateway")
	ErrConnectionLost = errors.New("connection lost")
	ErrTimeout        = errors.New("operation timed out")
	ErrRuleNotCached  = errors.New("market rule not cached")
	ErrOrderTerminal  = errors.New("order already terminal")
	ErrMarketClosed   = errors.New("market is closed")
	ErrInvalidPrice   = errors.New("invalid price")
	ErrGroupNotFound  = errors.New("group not found")
	ErrConfigInvalid  = errors.New("invalid configuration")
	ErrDatabaseError  = errors.New("database error")
)

// BrokerError represents an error reported by the gateway.
type BrokerError struct {
	Code    int
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%d]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%d]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code int, message string, err error) *BrokerError {
	return &BrokerError{Code: code, Message: message, Err: err}
}

// RuleError represents a tick-size resolution failure for a contract.
type RuleError struct {
	ConID    int64
	Symbol   string
	Exchange string
	Reason   string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule error [%s conId=%d %s]: %s", e.Symbol, e.ConID, e.Exchange, e.Reason)
}

func (e *RuleError) Unwrap() error {
	return ErrRuleNotCached
}

// NewRuleError creates a new RuleError.
func NewRuleError(conID int64, symbol, exchange, reason string) *RuleError {
	return &RuleError{ConID: conID, Symbol: symbol, Exchange: exchange, Reason: reason}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID int64
	GroupID string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%d] %s group=%s: %s: %v", e.OrderID, e.Action, e.GroupID, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%d] %s group=%s: %s", e.OrderID, e.Action, e.GroupID, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID int64, groupID, action, reason string, err error) *OrderError {
	return &OrderError{OrderID: orderID, GroupID: groupID, Action: action, Reason: reason, Err: err}
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

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
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
