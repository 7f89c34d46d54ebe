// Package dispatch runs the commands of an authenticated batch against the
// option and list stores.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nuetzliches/remoteaccess/internal/command"
	"github.com/nuetzliches/remoteaccess/internal/keys"
	"github.com/nuetzliches/remoteaccess/internal/store"
)

// LogChannel is attached to every dispatch log record.
const LogChannel = "remote_access"

// GetSettingPolicy controls the access check of get_setting.
type GetSettingPolicy string

const (
	// GetSettingOpen reads from whatever list settings the key context
	// carries, without a list access check. This is the historical behavior.
	GetSettingOpen GetSettingPolicy = "open"
	// GetSettingList applies the same list access check as the list writes.
	GetSettingList GetSettingPolicy = "list"
)

func ParseGetSettingPolicy(s string) (GetSettingPolicy, error) {
	switch GetSettingPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", GetSettingOpen:
		return GetSettingOpen, nil
	case GetSettingList:
		return GetSettingList, nil
	default:
		return "", fmt.Errorf("unknown get_setting policy %q (use: open|list)", s)
	}
}

// Scope is the per-command access context. It lives only for the duration
// of one handler call and is never part of the serialized command.
type Scope struct {
	RawKey string
	Admin  bool
	List   *store.ListSettings
}

// Summary counts the outcomes of one dispatch.
type Summary struct {
	Handled int
	Failed  int
}

type Dispatcher struct {
	Options store.OptionStore
	Lists   store.ListStore
	Queue   store.QueueSizer
	Logger  *slog.Logger

	GetSettingPolicy GetSettingPolicy
	Now              func() time.Time
}

func New(options store.OptionStore, lists store.ListStore, queue store.QueueSizer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Options:          options,
		Lists:            lists,
		Queue:            queue,
		Logger:           logger,
		GetSettingPolicy: GetSettingOpen,
		Now:              time.Now,
	}
}

// Dispatch runs every command of batch in order. Each command either ends
// handled or with its error set; a failure never stops the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *command.Batch, kc keys.Context) Summary {
	var sum Summary
	batch.Each(func(id string, c *command.Command) {
		if c == nil {
			return
		}
		err := d.dispatchOne(ctx, c, kc)
		d.logOutcome(id, c, kc, err)
		if err != nil {
			c.MarkFailed(err)
			sum.Failed++
			return
		}
		c.MarkHandled(d.now())
		sum.Handled++
	})
	return sum
}

func (d *Dispatcher) dispatchOne(ctx context.Context, c *command.Command, kc keys.Context) error {
	if err := c.Validate(); err != nil {
		return newCommandError(ErrInvalidCommand, CodeInvalidCommand, err.Error())
	}
	sc, err := d.scopeFor(ctx, c, kc)
	if err != nil {
		return err
	}
	return d.handle(ctx, c, sc)
}

// scopeFor builds the access context of one command. Admin keys may address
// a different list in every command. List keys stay pinned to the list they
// authenticated against; its settings are re-read so that earlier writes in
// the same batch are visible.
func (d *Dispatcher) scopeFor(ctx context.Context, c *command.Command, kc keys.Context) (Scope, error) {
	sc := Scope{RawKey: kc.RawKey, Admin: kc.Admin}

	var listID int64
	switch {
	case kc.Admin && c.ListID > 0:
		listID = c.ListID
	case !kc.Admin && kc.List != nil:
		listID = kc.List.ListID
		sc.List = kc.List
	}
	if listID <= 0 || c.Kind.Scope() != command.ScopeList || d.Lists == nil {
		return sc, nil
	}

	ls, err := d.Lists.GetListSettings(ctx, listID)
	switch {
	case err == nil:
		sc.List = ls
	case errors.Is(err, store.ErrListNotFound):
		sc.List = nil
	default:
		return Scope{}, storeError(err)
	}
	return sc, nil
}

func (d *Dispatcher) handle(ctx context.Context, c *command.Command, sc Scope) error {
	switch c.Kind {
	case command.KindAppendSetting:
		return d.handleAppendSetting(ctx, c, sc)
	case command.KindGetOption:
		return d.handleGetOption(ctx, c, sc)
	case command.KindGetQueueSize:
		return d.handleGetQueueSize(ctx, c, sc)
	case command.KindGetSetting:
		return d.handleGetSetting(c, sc)
	case command.KindSortSetting:
		return d.handleSortSetting(ctx, c, sc)
	case command.KindUpdateOption:
		return d.handleUpdateOption(ctx, c, sc)
	case command.KindUpdateSetting:
		return d.handleUpdateSetting(ctx, c, sc)
	case command.KindUniqSetting:
		return d.handleUniqSetting(ctx, c, sc)
	default:
		return newCommandError(ErrInvalidCommand, CodeInvalidCommand, fmt.Sprintf("unknown command %q", c.Kind))
	}
}

func (d *Dispatcher) handleAppendSetting(ctx context.Context, c *command.Command, sc Scope) error {
	if err := checkListAccess(c, sc); err != nil {
		return err
	}
	return d.updateSetting(ctx, c, sc.List.Get(c.Setting)+c.Value)
}

func (d *Dispatcher) handleGetOption(ctx context.Context, c *command.Command, sc Scope) error {
	if err := checkAdminAccess(sc); err != nil {
		return err
	}
	if d.Options == nil {
		return storeError(errors.New("option store is not configured"))
	}
	v, err := d.Options.GetOption(ctx, c.Option)
	if err != nil {
		return storeError(err)
	}
	c.Value = v
	return nil
}

func (d *Dispatcher) handleGetQueueSize(ctx context.Context, c *command.Command, sc Scope) error {
	if err := checkAdminAccess(sc); err != nil {
		return err
	}
	if d.Queue == nil {
		return storeError(errors.New("queue size provider is not configured"))
	}
	n, err := d.Queue.QueueSize(ctx)
	if err != nil {
		return storeError(err)
	}
	c.Size = n
	return nil
}

func (d *Dispatcher) handleGetSetting(c *command.Command, sc Scope) error {
	if d.GetSettingPolicy == GetSettingList {
		if err := checkListAccess(c, sc); err != nil {
			return err
		}
	}
	if sc.List == nil {
		return newCommandError(ErrNoListAccess, CodeNoListAccess, fmt.Sprintf("No list settings available for list %d.", c.ListID))
	}
	c.Value = sc.List.Get(c.Setting)
	return nil
}

func (d *Dispatcher) handleSortSetting(ctx context.Context, c *command.Command, sc Scope) error {
	if err := checkListAccess(c, sc); err != nil {
		return err
	}
	return d.updateSetting(ctx, c, SortLines(sc.List.Get(c.Setting)))
}

func (d *Dispatcher) handleUpdateOption(ctx context.Context, c *command.Command, sc Scope) error {
	if err := checkAdminAccess(sc); err != nil {
		return err
	}
	if d.Options == nil {
		return storeError(errors.New("option store is not configured"))
	}
	if err := d.Options.SetOption(ctx, c.Option, c.Value); err != nil {
		return storeError(err)
	}
	return nil
}

func (d *Dispatcher) handleUpdateSetting(ctx context.Context, c *command.Command, sc Scope) error {
	if err := checkListAccess(c, sc); err != nil {
		return err
	}
	return d.updateSetting(ctx, c, c.Value)
}

func (d *Dispatcher) handleUniqSetting(ctx context.Context, c *command.Command, sc Scope) error {
	if err := checkListAccess(c, sc); err != nil {
		return err
	}
	return d.updateSetting(ctx, c, UniqLines(sc.List.Get(c.Setting)))
}

func (d *Dispatcher) updateSetting(ctx context.Context, c *command.Command, value string) error {
	if d.Lists == nil {
		return storeError(errors.New("list store is not configured"))
	}
	if err := d.Lists.UpdateListSetting(ctx, c.ListID, c.Setting, value); err != nil {
		return storeError(err)
	}
	return nil
}

func checkAdminAccess(sc Scope) error {
	if !sc.Admin {
		return newCommandError(ErrNoAdminAccess, CodeNoAdminAccess, "No admin access for this key.")
	}
	return nil
}

func checkListAccess(c *command.Command, sc Scope) error {
	if c.ListID <= 0 {
		return newCommandError(ErrNoListAccess, CodeNoListID, "List access check was requested but no list ID was specified.")
	}
	if sc.List == nil {
		return newCommandError(ErrNoListAccess, CodeNoListAccess, fmt.Sprintf("No access to the requested list: %d", c.ListID))
	}
	if sc.List.ListID != c.ListID {
		return newCommandError(ErrNoListAccess, CodeListMismatch, fmt.Sprintf("List ID's do not match: %d was requested, %d was given.", c.ListID, sc.List.ListID))
	}
	return nil
}

func storeError(err error) error {
	return newCommandError(errors.Join(ErrStoreFailed, err), CodeStoreFailed, err.Error())
}

func (d *Dispatcher) logOutcome(id string, c *command.Command, kc keys.Context, err error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("channel", LogChannel),
		slog.String("command_id", id),
		slog.String("kind", string(c.Kind)),
		slog.Int64("list_id", c.ListID),
		slog.String("key", keyLabel(kc.RawKey)),
		slog.Bool("admin", kc.Admin),
	}
	if err != nil {
		code, _ := ErrorCode(err)
		logger.Warn("remote_access_command_failed", append(attrs, slog.String("code", code), slog.String("err", err.Error()))...)
		return
	}
	logger.Info("remote_access_command_handled", attrs...)
}

// keyLabel identifies a key in logs without revealing it.
func keyLabel(raw string) string {
	if raw == "" {
		return ""
	}
	return keys.Fingerprint(raw)[:12]
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
