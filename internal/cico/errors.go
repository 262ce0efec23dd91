// Package cico error taxonomy.
//
// Errors returned by the client are classified by what the remote service
// reported, so callers can branch with errors.As:
//
//	┌─────────────────┬───────────────────────────────────────────────────┐
//	│ Type            │ Meaning                                           │
//	├─────────────────┼───────────────────────────────────────────────────┤
//	│ AuthError       │ Login failed, session expired, or HTTP 401/403.   │
//	│ PermissionError │ Field not editable for the caller's role.         │
//	│ ValidationError │ Remote service rejected the field content.        │
//	│ RemoteError     │ Any other non-success response.                   │
//	└─────────────────┴───────────────────────────────────────────────────┘
//
// None of these are retried by the client; all propagate to the caller.
package cico

import (
	"fmt"
	"strings"
)

// AuthError indicates invalid or expired credentials. The CICO service is a
// PHP session application: besides HTTP 401/403, an expired session shows up
// as an HTML login page where JSON was expected — that case is reported as
// an AuthError too.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "cico: authentication failed: " + e.Reason
}

// PermissionError indicates the caller's role may not edit one of the
// requested fields (the field is not marked Inline Editable for that role).
// The remote service is authoritative; the client never checks editability
// locally.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string {
	return "cico: permission denied: " + e.Message
}

// ValidationError indicates the remote service rejected the content of a
// field update. The remote message is surfaced verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "cico: validation failed: " + e.Message
}

// RemoteError is any other non-success response from the CICO service.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("cico: remote error %d: %s", e.Status, e.Body)
}

// permissionHints are substrings CICO uses in edit rejections that stem from
// the Inline Editable flag or role checks rather than from field content.
var permissionHints = []string{
	"permission",
	"not allowed",
	"not editable",
	"role",
	"access denied",
}

// classifyEditError maps a non-ok edit response onto the error taxonomy.
// Rejections mentioning roles or editability become PermissionError;
// everything else is a content rejection and becomes ValidationError.
func classifyEditError(status, message string) error {
	msg := message
	if msg == "" {
		msg = status
	}
	lower := strings.ToLower(msg)
	for _, hint := range permissionHints {
		if strings.Contains(lower, hint) {
			return &PermissionError{Message: msg}
		}
	}
	return &ValidationError{Message: msg}
}

// classifyHTTPError maps a non-2xx HTTP response onto the error taxonomy.
func classifyHTTPError(statusCode int, body []byte) error {
	if statusCode == 401 || statusCode == 403 {
		return &AuthError{Reason: fmt.Sprintf("status %d: %s", statusCode, truncateBody(body))}
	}
	return &RemoteError{Status: statusCode, Body: truncateBody(body)}
}

// looksLikeHTML reports whether a response body is an HTML document. The
// data endpoint answers JSON; HTML means we were bounced to the login page.
func looksLikeHTML(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "<")
}

// truncateBody returns the first 500 bytes of a response body for error
// messages and logging.
func truncateBody(body []byte) string {
	if len(body) > 500 {
		return string(body[:500]) + "..."
	}
	return string(body)
}
