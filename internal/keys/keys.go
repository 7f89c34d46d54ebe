// Package keys resolves a presented key fingerprint against the admin key
// pool and the key pool of a single list.
package keys

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nuetzliches/remoteaccess/internal/store"
)

// fingerprintCacheSize bounds the raw key to fingerprint cache of a Resolver.
const fingerprintCacheSize = 4096

// ErrKeyNotFound means no pool held a key with the presented fingerprint.
var ErrKeyNotFound = errors.New("key not found")

// Fingerprint is the lowercase hex SHA-512 of the raw key. It is what
// travels on the wire in place of the key.
func Fingerprint(raw string) string {
	sum := sha512.Sum512([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// SplitKeys turns a one-key-per-line value into keys. CR characters are
// dropped and empty lines are skipped. Other whitespace is part of the key.
func SplitKeys(multiline string) []string {
	multiline = strings.ReplaceAll(multiline, "\r", "")
	lines := strings.Split(multiline, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Context is the outcome of a successful resolve.
type Context struct {
	RawKey string
	Admin  bool
	// List is set for list keys. Admin keys carry no list.
	List *store.ListSettings
}

// Resolver looks up the admin pool in the option store and list pools in the
// list store on every call, so key changes take effect immediately. Only the
// SHA-512 of each pooled key is cached; a key removed from its pool stops
// matching on the next call.
type Resolver struct {
	Options store.OptionStore
	Lists   store.ListStore

	fingerprints *lru.Cache[string, string]
}

func NewResolver(options store.OptionStore, lists store.ListStore) *Resolver {
	r := &Resolver{Options: options, Lists: lists}
	if c, err := lru.New[string, string](fingerprintCacheSize); err == nil {
		r.fingerprints = c
	}
	return r
}

// Resolve checks admin keys first, then the keys of listID when listID > 0.
// A key present in both pools resolves as admin.
func (r *Resolver) Resolve(ctx context.Context, fingerprint string, listID int64) (Context, error) {
	fingerprint = strings.ToLower(strings.TrimSpace(fingerprint))
	if fingerprint == "" {
		return Context{}, ErrKeyNotFound
	}

	if r.Options != nil {
		adminKeys, err := r.Options.GetOption(ctx, store.OptionRemoteAccessKeys)
		if err != nil {
			return Context{}, fmt.Errorf("read admin keys: %w", err)
		}
		if raw, ok := r.match(SplitKeys(adminKeys), fingerprint); ok {
			return Context{RawKey: raw, Admin: true}, nil
		}
	}

	if listID <= 0 || r.Lists == nil {
		return Context{}, ErrKeyNotFound
	}
	ls, err := r.Lists.GetListSettings(ctx, listID)
	if errors.Is(err, store.ErrListNotFound) {
		return Context{}, ErrKeyNotFound
	}
	if err != nil {
		return Context{}, fmt.Errorf("read list %d keys: %w", listID, err)
	}
	if raw, ok := r.match(SplitKeys(ls.RemoteAccessKeys()), fingerprint); ok {
		return Context{RawKey: raw, List: ls}, nil
	}
	return Context{}, ErrKeyNotFound
}

func (r *Resolver) match(candidates []string, fingerprint string) (string, bool) {
	want := []byte(fingerprint)
	for _, raw := range candidates {
		if subtle.ConstantTimeCompare([]byte(r.fingerprint(raw)), want) == 1 {
			return raw, true
		}
	}
	return "", false
}

func (r *Resolver) fingerprint(raw string) string {
	if r.fingerprints == nil {
		return Fingerprint(raw)
	}
	if fp, ok := r.fingerprints.Get(raw); ok {
		return fp
	}
	fp := Fingerprint(raw)
	r.fingerprints.Add(raw, fp)
	return fp
}
