package userstore

import (
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// Sentinel errors for common identity store failures. These provide a stable
// API for error classification via errors.Is.
var (
	// ErrUserNotFound is returned when no directory entry matches the
	// requested username or user ID.
	ErrUserNotFound = errors.New("userstore: user not found")

	// ErrRoleNotFound is returned when no group entry matches the requested
	// role name.
	ErrRoleNotFound = errors.New("userstore: role not found")

	// ErrAmbiguousEntry is returned when a search that must match exactly one
	// entry (a single username, a single role name) matched more than one.
	// The store never silently resolves ambiguity to "first match".
	ErrAmbiguousEntry = errors.New("userstore: search matched more than one entry where uniqueness is required")

	// ErrReadOnlyStore is returned by every write operation on a store
	// configured as read-only.
	ErrReadOnlyStore = errors.New("userstore: store is read-only")

	// ErrUnsupportedFilter is returned when a query condition combines an
	// operator and attribute the configured directory schema cannot express.
	ErrUnsupportedFilter = errors.New("userstore: unsupported filter condition")

	// ErrConnectionFailed is returned when the directory is unreachable after
	// the bounded retry and endpoint failover sequence.
	ErrConnectionFailed = errors.New("userstore: directory connection failed")

	// ErrInvalidCredentials is returned by credential-scoped binds when the
	// directory rejected the supplied password.
	ErrInvalidCredentials = errors.New("userstore: invalid credentials")

	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("userstore: store is closed")

	// ErrUserExists is returned when adding a user whose name already
	// resolves to an entry.
	ErrUserExists = errors.New("userstore: user already exists")

	// ErrRoleExists is returned when adding a role whose name already
	// resolves to an entry.
	ErrRoleExists = errors.New("userstore: role already exists")

	// ErrWriteGroupsDisabled is returned by role write operations when the
	// store is not configured to write groups.
	ErrWriteGroupsDisabled = errors.New("userstore: group writes are disabled")
)

// ConfigError reports a missing or invalid mandatory property. It is fatal
// and surfaced at store construction, never deferred to first use.
type ConfigError struct {
	Property string
	Message  string
}

func (e *ConfigError) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("userstore: invalid configuration property %q: %s", e.Property, e.Message)
	}
	return fmt.Sprintf("userstore: invalid configuration: %s", e.Message)
}

// NewConfigError creates a configuration error for the given property.
func NewConfigError(property, message string) *ConfigError {
	return &ConfigError{Property: property, Message: message}
}

// StoreError wraps an underlying directory error with operation context.
type StoreError struct {
	// Op is the operation name (e.g. "Authenticate", "GetRoleListOfUser").
	Op string
	// DN is the distinguished name involved, if any.
	DN string
	// Server is the directory URL the operation ran against.
	Server string
	// Code is the LDAP result code, or 0 when not applicable.
	Code uint16
	// Err is the underlying error.
	Err error
}

func (e *StoreError) Error() string {
	if e.DN != "" {
		return fmt.Sprintf("userstore: %s failed for DN %q on %q: %v", e.Op, e.DN, e.Server, e.Err)
	}
	return fmt.Sprintf("userstore: %s failed on %q: %v", e.Op, e.Server, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WithDN attaches a distinguished name to the error.
func (e *StoreError) WithDN(dn string) *StoreError {
	e.DN = dn
	return e
}

// NewStoreError creates a StoreError, extracting the LDAP result code from
// the underlying error when present.
func NewStoreError(op, server string, err error) *StoreError {
	se := &StoreError{Op: op, Server: server, Err: err}
	var le *ldap.Error
	if errors.As(err, &le) {
		se.Code = le.ResultCode
	}
	return se
}

// IsAuthenticationError reports whether err indicates a rejected credential
// rather than an unreachable server.
func IsAuthenticationError(err error) bool {
	if errors.Is(err, ErrInvalidCredentials) {
		return true
	}
	return ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials)
}

// IsConnectionError reports whether err indicates the directory was
// unreachable or the operation timed out at the transport.
func IsConnectionError(err error) bool {
	if errors.Is(err, ErrConnectionFailed) {
		return true
	}
	return ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown) ||
		ldap.IsErrorWithCode(err, ldap.LDAPResultBusy)
}

// IsNotFoundError reports whether err indicates a missing entry.
func IsNotFoundError(err error) bool {
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrRoleNotFound) {
		return true
	}
	return ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject)
}

// isPartialResultError reports whether err is a referral-related partial
// result. These are swallowed only when the store is configured to ignore
// referral errors.
func isPartialResultError(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultReferral)
}

// AttributeError reports a directory-rejected attribute modification.
type AttributeError struct {
	Attribute string
	DN        string
	Err       error
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("userstore: attribute %q rejected for DN %q: %v", e.Attribute, e.DN, e.Err)
}

func (e *AttributeError) Unwrap() error { return e.Err }
