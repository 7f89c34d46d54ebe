package dispatch

import (
	"errors"
	"strings"
)

const (
	CodeNoAdminAccess  = "no_admin_access"
	CodeNoListID       = "no_list_id"
	CodeNoListAccess   = "no_list_access"
	CodeListMismatch   = "list_mismatch"
	CodeStoreFailed    = "store_failed"
	CodeInvalidCommand = "invalid_command"
)

var (
	ErrNoAdminAccess  = errors.New("no admin access")
	ErrNoListAccess   = errors.New("no list access")
	ErrStoreFailed    = errors.New("store operation failed")
	ErrInvalidCommand = errors.New("invalid command")
)

// CommandError is the failure of a single command. Its message is what the
// caller sees in the command's error field.
type CommandError struct {
	base   error
	code   string
	detail string
}

func (e *CommandError) Error() string {
	if e == nil {
		return ""
	}
	detail := strings.TrimSpace(e.detail)
	if detail != "" {
		return detail
	}
	if e.base != nil {
		return e.base.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.base
}

// Code is a stable machine-readable classification.
func (e *CommandError) Code() string {
	if e == nil {
		return ""
	}
	return e.code
}

func newCommandError(base error, code, detail string) error {
	return &CommandError{base: base, code: code, detail: detail}
}

// ErrorCode returns the CommandError code carried by err, if any.
func ErrorCode(err error) (string, bool) {
	var typed *CommandError
	if !errors.As(err, &typed) || typed == nil {
		return "", false
	}
	return typed.code, true
}
