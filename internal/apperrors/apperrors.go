// Package apperrors provides the control plane's standardized error taxonomy.
//
// Errors are kinds, not types: a single Error struct carries a Kind constant,
// a human-readable Message, optional Details, and the offending id/name the
// caller supplied. StatusFor maps a Kind to the HTTP status an external
// transport should use; the core itself never touches net/http.
package apperrors

import (
	"fmt"
	"net/http"
)

// Kind identifies the category of failure, matching the taxonomy in the
// specification's error handling design.
type Kind string

const (
	// Authentication
	KindUnauthorized   Kind = "UNAUTHORIZED"
	KindInvalidToken   Kind = "INVALID_TOKEN"
	KindTokenExpired   Kind = "TOKEN_EXPIRED"
	KindSessionExpired Kind = "SESSION_EXPIRED"

	// Authorization
	KindForbidden               Kind = "FORBIDDEN"
	KindInsufficientPrivileges  Kind = "INSUFFICIENT_PRIVILEGES"
	KindUserDisabled            Kind = "USER_DISABLED"

	// NotFound
	KindUserNotFound         Kind = "USER_NOT_FOUND"
	KindAgentNotFound        Kind = "AGENT_NOT_FOUND"
	KindPolicyNotFound       Kind = "POLICY_NOT_FOUND"
	KindDistributionNotFound Kind = "DISTRIBUTION_NOT_FOUND"

	// Conflict
	KindAgentAlreadyRegistered       Kind = "AGENT_ALREADY_REGISTERED"
	KindDistributionAlreadyInProgress Kind = "DISTRIBUTION_ALREADY_IN_PROGRESS"
	KindMaxAgentsReached             Kind = "MAX_AGENTS_REACHED"

	// Precondition
	KindNoTargetAgents  Kind = "NO_TARGET_AGENTS"
	KindInvalidTarget   Kind = "INVALID_TARGET"
	KindInvalidDateRange Kind = "INVALID_DATE_RANGE"
	KindVersionTooOld   Kind = "VERSION_TOO_OLD"
	KindMissingCapabilities Kind = "MISSING_CAPABILITIES"

	// Transient
	KindAgentNotReachable  Kind = "AGENT_NOT_REACHABLE"
	KindMaxRetriesExceeded Kind = "MAX_RETRIES_EXCEEDED"

	// Infrastructure
	KindEncodingFailed Kind = "ENCODING_FAILED"
	KindDecodingFailed Kind = "DECODING_FAILED"
	KindExportFailed   Kind = "EXPORT_FAILED"

	// Validation (ambient - bad request shape, not in the original taxonomy
	// but required by any HTTP adapter sitting in front of the core)
	KindValidationFailed Kind = "VALIDATION_FAILED"
	KindInternal         Kind = "INTERNAL_ERROR"
)

// Error is the control plane's uniform error value.
type Error struct {
	Kind    Kind
	Message string
	Details string
	// ID is the offending identifier/name the caller supplied, if any.
	// Per the specification, user-visible messages may include this but no
	// other internal identifier.
	ID string
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.ID)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithID attaches the offending identifier to an error.
func (e *Error) WithID(id string) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Details: e.Details, ID: id}
}

// WithDetails attaches internal debugging detail (never shown to end users).
func (e *Error) WithDetails(details string) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Details: details, ID: e.ID}
}

// Wrap wraps an underlying error as Details on a new Error of the given kind.
func Wrap(kind Kind, message string, err error) *Error {
	d := ""
	if err != nil {
		d = err.Error()
	}
	return &Error{Kind: kind, Message: message, Details: d}
}

// StatusFor maps a Kind to the HTTP status code an external transport
// should answer with, per the specification's output contract (§4.D, §7).
func StatusFor(kind Kind) int {
	switch kind {
	case KindUnauthorized, KindInvalidToken, KindTokenExpired, KindSessionExpired:
		return http.StatusUnauthorized
	case KindForbidden, KindInsufficientPrivileges, KindUserDisabled:
		return http.StatusForbidden
	case KindUserNotFound, KindAgentNotFound, KindPolicyNotFound, KindDistributionNotFound:
		return http.StatusNotFound
	case KindAgentAlreadyRegistered, KindDistributionAlreadyInProgress, KindMaxAgentsReached:
		return http.StatusConflict
	case KindNoTargetAgents, KindInvalidTarget, KindInvalidDateRange, KindVersionTooOld, KindValidationFailed, KindMissingCapabilities:
		return http.StatusBadRequest
	case KindAgentNotReachable:
		return http.StatusServiceUnavailable
	case KindMaxRetriesExceeded:
		return http.StatusConflict
	case KindEncodingFailed, KindDecodingFailed, KindExportFailed, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Convenience constructors, mirroring the teacher's errors package shape.

func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func InvalidToken() *Error                { return New(KindInvalidToken, "invalid authentication token") }
func TokenExpired() *Error                { return New(KindTokenExpired, "authentication token has expired") }
func SessionExpired() *Error              { return New(KindSessionExpired, "session has expired") }

func Forbidden(permission string) *Error {
	return New(KindForbidden, fmt.Sprintf("missing required permission: %s", permission))
}

func InsufficientPrivileges(required, actual string) *Error {
	return New(KindInsufficientPrivileges, fmt.Sprintf("requires role %s, caller has %s", required, actual))
}

func UserDisabled(username string) *Error {
	return New(KindUserDisabled, "user account is disabled").WithID(username)
}

func UserNotFound(id string) *Error { return New(KindUserNotFound, "user not found").WithID(id) }

func AgentNotFound(id string) *Error { return New(KindAgentNotFound, "agent not found").WithID(id) }

func PolicyNotFound(name string) *Error {
	return New(KindPolicyNotFound, "policy not found").WithID(name)
}

func DistributionNotFound(id string) *Error {
	return New(KindDistributionNotFound, "distribution not found").WithID(id)
}

func AgentAlreadyRegistered(id string) *Error {
	return New(KindAgentAlreadyRegistered, "agent already registered").WithID(id)
}

func DistributionAlreadyInProgress(id string) *Error {
	return New(KindDistributionAlreadyInProgress, "distribution already in progress").WithID(id)
}

func MaxAgentsReached() *Error {
	return New(KindMaxAgentsReached, "fleet has reached its maximum agent capacity")
}

func NoTargetAgents() *Error { return New(KindNoTargetAgents, "target resolved to no agents") }

func InvalidTarget(reason string) *Error { return New(KindInvalidTarget, reason) }

func InvalidDateRange() *Error {
	return New(KindInvalidDateRange, "start date must not be after end date")
}

func VersionTooOld(minimum, actual string) *Error {
	return New(KindVersionTooOld, fmt.Sprintf("app version %s is below required minimum %s", actual, minimum))
}

func MissingCapabilities(missing []string) *Error {
	return New(KindMissingCapabilities, "agent is missing required capabilities").WithDetails(fmt.Sprint(missing))
}

func AgentNotReachable(id string) *Error {
	return New(KindAgentNotReachable, "agent is not reachable").WithID(id)
}

func MaxRetriesExceeded(id string) *Error {
	return New(KindMaxRetriesExceeded, "maximum retry attempts exceeded").WithID(id)
}

func EncodingFailed(err error) *Error { return Wrap(KindEncodingFailed, "failed to encode payload", err) }
func DecodingFailed(err error) *Error { return Wrap(KindDecodingFailed, "failed to decode payload", err) }
func ExportFailed(reason string) *Error { return New(KindExportFailed, reason) }

func ValidationFailed(message string) *Error { return New(KindValidationFailed, message) }

func Internal(err error) *Error { return Wrap(KindInternal, "internal error", err) }

// As reports whether err is an *Error and returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
