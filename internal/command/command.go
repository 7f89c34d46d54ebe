// Package command defines the closed set of remote access commands and the
// batch that carries them across a call.
package command

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidCommand = errors.New("invalid command")

// Kind names one of the fixed command operations.
type Kind string

const (
	KindAppendSetting Kind = "append_setting"
	KindGetQueueSize  Kind = "get_queue_size"
	KindGetOption     Kind = "get_option"
	KindGetSetting    Kind = "get_setting"
	KindSortSetting   Kind = "sort_setting"
	KindUpdateOption  Kind = "update_option"
	KindUpdateSetting Kind = "update_setting"
	KindUniqSetting   Kind = "uniq_setting"
)

// Kinds lists every kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindAppendSetting,
		KindGetQueueSize,
		KindGetOption,
		KindGetSetting,
		KindSortSetting,
		KindUpdateOption,
		KindUpdateSetting,
		KindUniqSetting,
	}
}

// Scope says which fields of a Command are meaningful for a kind.
type Scope int

const (
	ScopeUnknown Scope = iota
	// ScopeList kinds carry ListID and Setting.
	ScopeList
	// ScopeOption kinds carry Option.
	ScopeOption
	// ScopeGlobal kinds carry neither.
	ScopeGlobal
)

func (k Kind) Scope() Scope {
	switch k {
	case KindAppendSetting, KindGetSetting, KindSortSetting, KindUpdateSetting, KindUniqSetting:
		return ScopeList
	case KindGetOption, KindUpdateOption:
		return ScopeOption
	case KindGetQueueSize:
		return ScopeGlobal
	default:
		return ScopeUnknown
	}
}

func (k Kind) Valid() bool {
	return k.Scope() != ScopeUnknown
}

// ParseKind accepts a kind name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, s)
	}
	return k, nil
}

// Command is one operation plus the outcome recorded by the server.
//
// Handled is nil until the handler for the command has run to completion.
// Error is empty unless handling failed.
type Command struct {
	Kind    Kind       `cbor:"kind" json:"kind"`
	ListID  int64      `cbor:"list_id,omitempty" json:"list_id,omitempty"`
	Setting string     `cbor:"setting,omitempty" json:"setting,omitempty"`
	Option  string     `cbor:"option,omitempty" json:"option,omitempty"`
	Value   string     `cbor:"value,omitempty" json:"value,omitempty"`
	Size    int64      `cbor:"size,omitempty" json:"size,omitempty"`
	Error   string     `cbor:"error,omitempty" json:"error,omitempty"`
	Handled *time.Time `cbor:"handled,omitempty" json:"handled,omitempty"`
}

// Validate checks that the kind is known and that the fields it needs are set.
// A ListID is not required here; list access checks report its absence
// per command so the rest of the batch still runs.
func (c *Command) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	switch c.Kind.Scope() {
	case ScopeList:
		if strings.TrimSpace(c.Setting) == "" {
			return fmt.Errorf("%w: %s requires a setting name", ErrInvalidCommand, c.Kind)
		}
		if c.ListID < 0 {
			return fmt.Errorf("%w: %s list_id must be positive", ErrInvalidCommand, c.Kind)
		}
	case ScopeOption:
		if strings.TrimSpace(c.Option) == "" {
			return fmt.Errorf("%w: %s requires an option name", ErrInvalidCommand, c.Kind)
		}
	case ScopeGlobal:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	return nil
}

// IsHandled reports whether the server ran the command to completion.
func (c *Command) IsHandled() bool {
	return c != nil && c.Handled != nil
}

// Clone returns a deep copy.
func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	out := *c
	if c.Handled != nil {
		h := *c.Handled
		out.Handled = &h
	}
	return &out
}

// MarkHandled records success at t and clears any earlier error.
func (c *Command) MarkHandled(t time.Time) {
	t = t.UTC()
	c.Handled = &t
	c.Error = ""
}

// MarkFailed records err and leaves the command unhandled.
func (c *Command) MarkFailed(err error) {
	c.Handled = nil
	if err == nil {
		c.Error = "command failed"
		return
	}
	c.Error = err.Error()
}

func NewAppendSetting(listID int64, setting, value string) *Command {
	return &Command{Kind: KindAppendSetting, ListID: listID, Setting: setting, Value: value}
}

func NewGetOption(option string) *Command {
	return &Command{Kind: KindGetOption, Option: option}
}

// NewGetQueueSize asks for the send queue size; the answer is stored in Size.
func NewGetQueueSize() *Command {
	return &Command{Kind: KindGetQueueSize}
}

// NewGetSetting reads a list setting; the answer is stored in Value.
func NewGetSetting(listID int64, setting string) *Command {
	return &Command{Kind: KindGetSetting, ListID: listID, Setting: setting}
}

func NewSortSetting(listID int64, setting string) *Command {
	return &Command{Kind: KindSortSetting, ListID: listID, Setting: setting}
}

func NewUpdateOption(option, value string) *Command {
	return &Command{Kind: KindUpdateOption, Option: option, Value: value}
}

func NewUpdateSetting(listID int64, setting, value string) *Command {
	return &Command{Kind: KindUpdateSetting, ListID: listID, Setting: setting, Value: value}
}

// NewUniqSetting removes duplicate lines from a list setting.
func NewUniqSetting(listID int64, setting string) *Command {
	return &Command{Kind: KindUniqSetting, ListID: listID, Setting: setting}
}
