package encounter

import "errors"

// Code is a stable, wire-visible error code.
type Code string

const (
	// CodeNotFound means the encounter or participant id does not exist.
	CodeNotFound Code = "not_found"

	// CodeInvalidState means the command is not valid for the current
	// lifecycle state.
	CodeInvalidState Code = "invalid_state"

	// CodeEncounterClosed means the encounter is completed and rejects all
	// combat mutations.
	CodeEncounterClosed Code = "encounter_closed"

	// CodeInvalidTurnOrder means a manual reorder payload is not a
	// permutation of the current participants.
	CodeInvalidTurnOrder Code = "invalid_turn_order"

	// CodeInsufficientResource means a legendary action cost exceeds the
	// remaining budget.
	CodeInsufficientResource Code = "insufficient_resource"

	// CodeUnauthorized means the caller failed the access check. The
	// message never discloses whether the encounter exists.
	CodeUnauthorized Code = "unauthorized"

	// CodeValidation means the command payload was malformed and was
	// rejected before touching session state.
	CodeValidation Code = "validation_error"

	// CodeInternal covers unexpected failures recovered at the command
	// boundary.
	CodeInternal Code = "internal_error"
)

// Error is a typed command error carrying a stable code and a
// human-readable message.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError builds a typed command error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func newError(code Code, message string) *Error {
	return NewError(code, message)
}

// AsError unwraps err to an *Error if it carries one. Errors without a
// code are reported as internal_error.
func AsError(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}
