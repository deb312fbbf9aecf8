package domain

import "fmt"

// Well-known failure reasons carried in failed lobby responses
const (
	ReasonInternalError             = "internal_error"
	ReasonInvalidRequest            = "invalid_request"
	ReasonCommandUnimplemented      = "command_unimplemented"
	ReasonBattleAlreadyExists       = "battle_already_exists"
	ReasonEngineVersionNotSupported = "engine_version_not_supported"
)

// Error is a request failure with a lobby-visible reason. The reason must be
// one of the command's allowed set; anything else is folded to internal_error
// at the protocol boundary.
type Error struct {
	Reason  string
	Details string
}

func (e *Error) Error() string {
	if e.Details == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Details)
}

// NewError creates a domain error with a formatted details string.
func NewError(reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Details: fmt.Sprintf(format, args...)}
}
