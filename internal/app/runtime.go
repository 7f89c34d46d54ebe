package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/nuetzliches/remoteaccess/internal/config"
	"github.com/nuetzliches/remoteaccess/internal/dispatch"
	"github.com/nuetzliches/remoteaccess/internal/envelope"
	"github.com/nuetzliches/remoteaccess/internal/keys"
	"github.com/nuetzliches/remoteaccess/internal/secrets"
	"github.com/nuetzliches/remoteaccess/internal/server"
	"github.com/nuetzliches/remoteaccess/internal/store"
)

const (
	watchDebounce = 200 * time.Millisecond
	seedTimeout   = 10 * time.Second
)

// runtimeState owns the live call handler. Reloads build a new handler and
// swap it in; calls already running finish on the old one.
type runtimeState struct {
	store   store.Store
	logger  *slog.Logger
	metrics *runtimeMetrics

	handler   atomic.Pointer[server.Handler]
	checkPost atomic.Bool

	mu      sync.Mutex
	running config.Compiled
}

var _ server.CallServer = (*runtimeState)(nil)

func newRuntimeState(st store.Store, logger *slog.Logger, metrics *runtimeMetrics) *runtimeState {
	if logger == nil {
		logger = slog.Default()
	}
	return &runtimeState{store: st, logger: logger, metrics: metrics}
}

func (s *runtimeState) ServeCall(w http.ResponseWriter, r *http.Request) bool {
	h := s.handler.Load()
	if h == nil {
		return false
	}
	return h.ServeCall(w, r)
}

func (s *runtimeState) checkPostEnabled() bool {
	return s.checkPost.Load()
}

// start applies the first config. It fails when admin keys cannot be loaded
// or the option store cannot be written.
func (s *runtimeState) start(ctx context.Context, compiled config.Compiled) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.apply(ctx, compiled); err != nil {
		return err
	}
	s.running = compiled
	return nil
}

// apply loads the admin keys, mirrors the remote access settings into the
// option store and swaps in a handler built for compiled.
func (s *runtimeState) apply(ctx context.Context, compiled config.Compiled) error {
	ra := compiled.RemoteAccess
	adminKeys, err := secrets.LoadKeys(ra.AdminKeyRefs)
	if err != nil {
		return fmt.Errorf("load admin keys: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()
	if err := seedOptions(ctx, s.store, ra, adminKeys); err != nil {
		return err
	}

	d := dispatch.New(s.store, s.store, s.store, s.logger)
	d.GetSettingPolicy = ra.GetSetting
	h := server.NewHandler(keys.NewResolver(s.store, s.store), envelope.NewCodec(ra.Cipher), d, s.logger)
	h.MaxBodyBytes = ra.MaxBodyBytes
	if ra.RateLimit.Enabled() {
		h.Limiter = rate.NewLimiter(rate.Limit(ra.RateLimit.RPS), ra.RateLimit.Burst)
	}
	if s.metrics != nil {
		h.ObserveCall = s.metrics.observeCall
	}
	s.handler.Store(h)
	s.checkPost.Store(ra.CheckPost)
	return nil
}

// seedOptions writes the options the rest of the system reads: the admin key
// pool, the check-every-request flag and the advertised URL.
func seedOptions(ctx context.Context, options store.OptionStore, ra config.RemoteAccessConfig, adminKeys []string) error {
	post := ""
	if ra.CheckPost {
		post = "1"
	}
	for _, opt := range []struct{ name, value string }{
		{store.OptionRemoteAccessKeys, strings.Join(adminKeys, "\n")},
		{store.OptionRemoteAccessPost, post},
		{store.OptionRemoteAccessURL, ra.URL},
	} {
		if err := options.SetOption(ctx, opt.name, opt.value); err != nil {
			return fmt.Errorf("seed option %s: %w", opt.name, err)
		}
	}
	return nil
}

// reload re-reads path and applies it when only live settings changed.
func (s *runtimeState) reload(ctx context.Context, path, trigger string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.With(slog.String("trigger", trigger))
	fail := func(attrs ...any) bool {
		logger.Error("config_reload_failed", attrs...)
		s.metrics.observeReload(false)
		return false
	}

	compiled, res, err := config.Load(path)
	if err != nil {
		return fail(slog.Any("err", err))
	}
	if !res.OK {
		return fail(slog.String("error", config.FormatValidationText(res)))
	}
	if requiresRestart(compiled, s.running) {
		logger.Info("config_reloaded_restart_required")
		s.metrics.observeReload(false)
		return false
	}
	if err := s.apply(ctx, compiled); err != nil {
		return fail(slog.Any("err", err))
	}
	s.running = compiled
	for _, w := range res.Warnings {
		logger.Warn("config_warning", slog.String("warning", w))
	}
	logger.Info("config_reloaded_ok", slog.Int("admin_keys", len(compiled.RemoteAccess.AdminKeyRefs)))
	s.metrics.observeReload(true)
	return true
}

// requiresRestart reports changes that reload cannot apply: the listener,
// the store, the mount path, logging and observability.
func requiresRestart(next, running config.Compiled) bool {
	return next.Listen != running.Listen ||
		next.Store != running.Store ||
		next.RemoteAccess.Path != running.RemoteAccess.Path ||
		next.Log != running.Log ||
		next.Observability != running.Observability
}

// watchConfig calls reload after path changes. Bursts of editor events are
// coalesced into one reload.
func watchConfig(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	// Watch the directory so atomic renames over the file are seen.
	base := filepath.Base(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timer.C:
			reload()
		}
	}
}
