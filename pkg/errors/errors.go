// Package errors defines the error taxonomy for the Castellan security core.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error cases.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrKeyNotFound     = errors.New("key not found")
	ErrRoleNotFound    = errors.New("role not found")
	ErrPolicyNotFound  = errors.New("policy not found")
	ErrChainNotFound   = errors.New("audit chain not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("access forbidden")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("resource conflict")
	ErrChainSealed     = errors.New("audit chain is sealed")
	ErrKeyMaterialGone = errors.New("key material destroyed")
	ErrInternalError   = errors.New("internal error")
)

// ValidationError represents a malformed request with field-specific details.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// AuthorizationError represents a permission or approval-quorum failure.
type AuthorizationError struct {
	UserID   string
	Resource string
	Action   string
	Reason   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization error: user '%s' may not %s %s: %s", e.UserID, e.Action, e.Resource, e.Reason)
}

func (e *AuthorizationError) Unwrap() error {
	return ErrForbidden
}

// NewAuthorizationError creates a new authorization error.
func NewAuthorizationError(userID, resource, action, reason string) *AuthorizationError {
	return &AuthorizationError{UserID: userID, Resource: resource, Action: action, Reason: reason}
}

// StateError represents an illegal lifecycle transition.
type StateError struct {
	Entity string
	From   string
	To     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error: %s cannot transition from %s to %s", e.Entity, e.From, e.To)
}

// NewStateError creates a new state error.
func NewStateError(entity, from, to string) *StateError {
	return &StateError{Entity: entity, From: from, To: to}
}

// IntegrityError represents an AEAD tag mismatch, hash-chain break, or
// signature mismatch. Integrity failures are reported, never auto-healed.
type IntegrityError struct {
	Subject string
	Detail  string
	Cause   error
}

func (e *IntegrityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("integrity error: %s: %s: %v", e.Subject, e.Detail, e.Cause)
	}
	return fmt.Sprintf("integrity error: %s: %s", e.Subject, e.Detail)
}

func (e *IntegrityError) Unwrap() error {
	return e.Cause
}

// NewIntegrityError creates a new integrity error.
func NewIntegrityError(subject, detail string, cause error) *IntegrityError {
	return &IntegrityError{Subject: subject, Detail: detail, Cause: cause}
}

// ComplianceError represents a policy or standard violation surfaced by a
// compliance check. Advisory rather than fatal: callers may log and continue.
type ComplianceError struct {
	Standard string
	Subject  string
	Detail   string
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("compliance error [%s]: %s: %s", e.Standard, e.Subject, e.Detail)
}

// NewComplianceError creates a new compliance error.
func NewComplianceError(standard, subject, detail string) *ComplianceError {
	return &ComplianceError{Standard: standard, Subject: subject, Detail: detail}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuthorization reports whether err is an authorization error.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// IsState reports whether err is a state error.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// IsIntegrity reports whether err is an integrity error.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
