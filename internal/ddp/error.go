package ddp

import "fmt"

// Error is the wire form carried in result.error / nosub.error: {error, reason, details?}. It implements the error interface so
// handler code can return it (or wrap it) directly.
type Error struct {
	Code    int    `json:"error"`
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%d %s: %s", e.Code, e.Reason, e.Details)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Reason)
}

// Well-known wire error codes.
const (
	CodeBadRequest = 400
	CodeForbidden  = 403
	CodeNotFound   = 404
	CodeInternal   = 500
)

func BadRequest(reason string) *Error { return &Error{Code: CodeBadRequest, Reason: reason} }
func Forbidden(reason string) *Error  { return &Error{Code: CodeForbidden, Reason: reason} }
func NotFound(reason string) *Error   { return &Error{Code: CodeNotFound, Reason: reason} }

// Internal builds a 500. details is only populated by the caller when
// a debug flag is set — this constructor takes the decision
// already made, it doesn't consult config itself.
func Internal(reason, details string) *Error {
	return &Error{Code: CodeInternal, Reason: reason, Details: details}
}
