package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrListNotFound = errors.New("list not found")
	ErrEmptyName    = errors.New("empty name")
)

// Names of the options and list settings the remote access layer reads itself.
const (
	OptionRemoteAccessKeys = "remote_access_keys"
	OptionRemoteAccessPost = "remote_access_post"
	OptionRemoteAccessURL  = "remote_access_url"

	SettingRemoteAccessKeys = "remote_access_keys"
)

// OptionStore holds global configuration values by name.
// Unknown options read as the empty string.
type OptionStore interface {
	GetOption(ctx context.Context, name string) (string, error)
	SetOption(ctx context.Context, name, value string) error
}

// ListStore holds per-list settings.
type ListStore interface {
	GetListSettings(ctx context.Context, listID int64) (*ListSettings, error)
	UpdateListSetting(ctx context.Context, listID int64, name, value string) error
}

// ListProvisioner creates lists. The remote access protocol cannot create
// lists, so this is only reached from `remoteaccess list create` and tests.
type ListProvisioner interface {
	CreateList(ctx context.Context, listID int64, values map[string]string) error
}

// QueueSizer reports the number of messages waiting in the send queue.
type QueueSizer interface {
	QueueSize(ctx context.Context) (int64, error)
}

// Store is the full set of collaborators a backend provides.
type Store interface {
	OptionStore
	ListStore
	ListProvisioner
	QueueSizer
	Close() error
}

// ListSettings is a snapshot of one list's settings. Writes go through the
// ListStore; a snapshot is not refreshed by them.
type ListSettings struct {
	ListID int64
	Values map[string]string
}

// Get returns the raw value of a setting, or "" when it is not set.
func (s *ListSettings) Get(name string) string {
	if s == nil || s.Values == nil {
		return ""
	}
	return s.Values[name]
}

// RemoteAccessKeys returns the raw multiline list of per-list keys.
func (s *ListSettings) RemoteAccessKeys() string {
	return s.Get(SettingRemoteAccessKeys)
}

func (s *ListSettings) clone() *ListSettings {
	if s == nil {
		return nil
	}
	out := &ListSettings{ListID: s.ListID, Values: make(map[string]string, len(s.Values))}
	for k, v := range s.Values {
		out.Values[k] = v
	}
	return out
}

// Open selects a backend by name. dsn is the sqlite path or the postgres DSN
// and is ignored by the memory backend.
func Open(backend, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", backend)
	}
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	return nil
}
