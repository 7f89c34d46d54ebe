package config

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/remoteaccess/internal/dispatch"
	"github.com/nuetzliches/remoteaccess/internal/envelope"
)

const (
	DefaultListen         = ":8080"
	DefaultStoreBackend   = "sqlite"
	DefaultSQLitePath     = "./.data/remoteaccess.db"
	DefaultPath           = "/remote-access"
	DefaultMaxBodyBytes   = 1 << 20
	DefaultTracingTimeout = 10 * time.Second
	MetricsPath           = "/metrics"
)

// Compiled is the validated runtime configuration with defaults applied and
// placeholders resolved.
type Compiled struct {
	Listen        string
	Store         StoreConfig
	RemoteAccess  RemoteAccessConfig
	Log           LogConfig
	Observability ObservabilityConfig
}

type StoreConfig struct {
	Backend string
	DSN     string
}

type RemoteAccessConfig struct {
	// Path is where the explicit endpoint is mounted.
	Path string
	// CheckPost makes every incoming request a candidate call.
	CheckPost    bool
	URL          string
	Cipher       envelope.Scheme
	GetSetting   dispatch.GetSettingPolicy
	MaxBodyBytes int64
	RateLimit    RateLimitConfig
	// AdminKeyRefs are secret refs (env:, file:, raw:, vault:) that resolve
	// to the admin key pool.
	AdminKeyRefs []string
}

// RateLimitConfig caps calls per second across all callers. The zero value
// means no limit.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

func (c RateLimitConfig) Enabled() bool { return c.RPS > 0 }

type LogConfig struct {
	Level    string
	Disabled bool
	Output   string
	Path     string
}

type ObservabilityConfig struct {
	AccessLog bool
	// Metrics serves counters in Prometheus text format at MetricsPath.
	Metrics bool
	Tracing TracingConfig
}

type TracingConfig struct {
	Enabled   bool
	Collector string
	Insecure  bool
	Timeout   time.Duration
}

func Compile(cfg *Config) (Compiled, ValidationResult) {
	var res ValidationResult
	out := Compiled{
		Listen: DefaultListen,
		Store:  StoreConfig{Backend: DefaultStoreBackend, DSN: DefaultSQLitePath},
		RemoteAccess: RemoteAccessConfig{
			Path:         DefaultPath,
			Cipher:       envelope.SchemeCompat,
			GetSetting:   dispatch.GetSettingOpen,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		Log: LogConfig{Level: "info", Output: "stderr"},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{Timeout: DefaultTracingTimeout},
		},
	}
	if cfg == nil {
		res.Errors = append(res.Errors, "config is empty")
		return out, res
	}

	if cfg.Listen != nil {
		out.Listen = strings.TrimSpace(resolveValue(cfg.Listen.Text, "listen", &res))
		if out.Listen == "" {
			res.Errors = append(res.Errors, "listen must not be empty")
		}
	}
	if cfg.Store != nil {
		out.Store = compileStore(cfg.Store, &res)
	}
	if cfg.RemoteAccess != nil {
		compileRemoteAccess(cfg.RemoteAccess, &out.RemoteAccess, &res)
	}
	if len(out.RemoteAccess.AdminKeyRefs) == 0 {
		res.Warnings = append(res.Warnings, "remote_access.admin_keys is empty; only list keys can authenticate")
	}
	if cfg.Log != nil {
		out.Log = compileLog(cfg.Log, &res)
	}
	if cfg.Observability != nil {
		compileObservability(cfg.Observability, &out.Observability, &res)
	}
	if out.Observability.Metrics && out.RemoteAccess.Path == MetricsPath {
		res.Errors = append(res.Errors, "remote_access.path must not be "+MetricsPath+" while metrics are on")
	}

	res.OK = len(res.Errors) == 0
	return out, res
}

func compileStore(in *StoreBlock, res *ValidationResult) StoreConfig {
	backend := strings.ToLower(strings.TrimSpace(resolveValue(in.Backend.Text, "store", res)))
	out := StoreConfig{Backend: backend}
	if in.DSN != nil {
		out.DSN = strings.TrimSpace(resolveValue(in.DSN.Text, "store "+backend, res))
	}
	switch backend {
	case "memory":
		if out.DSN != "" {
			res.Errors = append(res.Errors, "store memory takes no dsn")
		}
	case "sqlite", "postgres":
		if out.DSN == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("store %s requires a dsn", backend))
		}
	default:
		res.Errors = append(res.Errors, fmt.Sprintf("store backend %q is not supported (use: memory|sqlite|postgres)", backend))
	}
	return out
}

func compileRemoteAccess(in *RemoteAccessBlock, out *RemoteAccessConfig, res *ValidationResult) {
	if in.Path != nil {
		p := strings.TrimSpace(resolveValue(in.Path.Text, "remote_access.path", res))
		if !strings.HasPrefix(p, "/") {
			res.Errors = append(res.Errors, "remote_access.path must start with '/'")
		}
		out.Path = p
	}
	if in.CheckPost != nil {
		v, ok := parseBoolValue(resolveValue(in.CheckPost.Text, "remote_access.check_post", res))
		if !ok {
			res.Errors = append(res.Errors, "remote_access.check_post must be on|off")
		}
		out.CheckPost = v
	}
	if in.URL != nil {
		raw := strings.TrimSpace(resolveValue(in.URL.Text, "remote_access.url", res))
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			res.Errors = append(res.Errors, "remote_access.url must be an absolute http(s) URL")
		}
		out.URL = raw
	}
	if in.Cipher != nil {
		s, err := envelope.ParseScheme(resolveValue(in.Cipher.Text, "remote_access.cipher", res))
		if err != nil {
			res.Errors = append(res.Errors, "remote_access.cipher: "+err.Error())
		} else {
			out.Cipher = s
		}
		if s == envelope.SchemeCompat {
			res.Warnings = append(res.Warnings, "remote_access.cipher compat uses a zero IV; prefer hardened when every peer supports it")
		}
	}
	if in.GetSetting != nil {
		pol, err := dispatch.ParseGetSettingPolicy(resolveValue(in.GetSetting.Text, "remote_access.get_setting", res))
		if err != nil {
			res.Errors = append(res.Errors, "remote_access.get_setting: "+err.Error())
		} else {
			out.GetSetting = pol
		}
	}
	if in.MaxBody != nil {
		n, err := parseByteSize(resolveValue(in.MaxBody.Text, "remote_access.max_body", res))
		if err != nil {
			res.Errors = append(res.Errors, "remote_access.max_body "+err.Error())
		} else {
			out.MaxBodyBytes = n
		}
	}
	if in.RateLimit != nil {
		out.RateLimit = compileRateLimit(in.RateLimit, res)
	}
	for i, k := range in.AdminKeys {
		ref := strings.TrimSpace(resolveValue(k.Text, fmt.Sprintf("remote_access.admin_keys[%d]", i), res))
		if err := validateSecretRef(ref); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("remote_access.admin_keys[%d]: %v", i, err))
			continue
		}
		out.AdminKeyRefs = append(out.AdminKeyRefs, ref)
	}
}

// compileRateLimit requires rps. burst defaults to rps rounded up.
func compileRateLimit(in *RateLimitBlock, res *ValidationResult) RateLimitConfig {
	var out RateLimitConfig
	if in.RPS == nil {
		res.Errors = append(res.Errors, "remote_access.rate_limit requires rps")
		return out
	}
	rps, err := strconv.ParseFloat(strings.TrimSpace(resolveValue(in.RPS.Text, "remote_access.rate_limit.rps", res)), 64)
	if err != nil || rps <= 0 {
		res.Errors = append(res.Errors, "remote_access.rate_limit.rps must be a positive number")
		return out
	}
	out.RPS = rps
	out.Burst = int(math.Ceil(rps))
	if in.Burst != nil {
		n, err := strconv.Atoi(strings.TrimSpace(resolveValue(in.Burst.Text, "remote_access.rate_limit.burst", res)))
		if err != nil || n <= 0 {
			res.Errors = append(res.Errors, "remote_access.rate_limit.burst must be a positive integer")
		} else {
			out.Burst = n
		}
	}
	return out
}

func compileLog(in *LogBlock, res *ValidationResult) LogConfig {
	out := LogConfig{Level: "info", Output: "stderr"}
	if in.Level != nil {
		switch lvl := strings.ToLower(strings.TrimSpace(resolveValue(in.Level.Text, "log.level", res))); lvl {
		case "off":
			out.Disabled = true
		case "warning":
			out.Level = "warn"
		case "debug", "info", "warn", "error":
			out.Level = lvl
		default:
			res.Errors = append(res.Errors, "log.level must be debug|info|warn|error|off")
		}
	}
	if in.Output != nil {
		switch o := strings.ToLower(strings.TrimSpace(resolveValue(in.Output.Text, "log.output", res))); o {
		case "stdout", "stderr", "file":
			out.Output = o
		default:
			res.Errors = append(res.Errors, "log.output must be stdout|stderr|file")
		}
	}
	if in.Path != nil {
		out.Path = strings.TrimSpace(resolveValue(in.Path.Text, "log.path", res))
	}
	switch {
	case out.Output == "file" && out.Path == "":
		res.Errors = append(res.Errors, "log.path is required when output is file")
	case out.Output != "file" && in.Path != nil:
		res.Errors = append(res.Errors, "log.path requires output file")
	}
	return out
}

func compileObservability(in *ObservabilityBlock, out *ObservabilityConfig, res *ValidationResult) {
	if in.AccessLog != nil {
		v, ok := parseBoolValue(resolveValue(in.AccessLog.Text, "observability.access_log", res))
		if !ok {
			res.Errors = append(res.Errors, "observability.access_log must be on|off")
		}
		out.AccessLog = v
	}
	if in.Metrics != nil {
		v, ok := parseBoolValue(resolveValue(in.Metrics.Text, "observability.metrics", res))
		if !ok {
			res.Errors = append(res.Errors, "observability.metrics must be on|off")
		}
		out.Metrics = v
	}
	t := in.Tracing
	if t == nil {
		return
	}
	if t.Enabled != nil {
		v, ok := parseBoolValue(resolveValue(t.Enabled.Text, "observability.tracing", res))
		if !ok {
			res.Errors = append(res.Errors, "observability.tracing must be on|off or a block")
		}
		out.Tracing.Enabled = v
		return
	}
	out.Tracing.Enabled = true
	if t.Collector != nil {
		raw := strings.TrimSpace(resolveValue(t.Collector.Text, "observability.tracing.collector", res))
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			res.Errors = append(res.Errors, "observability.tracing.collector must be an absolute http(s) URL")
		}
		out.Tracing.Collector = raw
	}
	if t.Insecure != nil {
		v, ok := parseBoolValue(resolveValue(t.Insecure.Text, "observability.tracing.insecure", res))
		if !ok {
			res.Errors = append(res.Errors, "observability.tracing.insecure must be on|off")
		}
		out.Tracing.Insecure = v
	}
	if t.Timeout != nil {
		d, err := time.ParseDuration(strings.TrimSpace(resolveValue(t.Timeout.Text, "observability.tracing.timeout", res)))
		if err != nil || d <= 0 {
			res.Errors = append(res.Errors, "observability.tracing.timeout must be a positive duration")
		} else {
			out.Tracing.Timeout = d
		}
	}
}

func parseBoolValue(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on":
		return true, true
	case "0", "false", "off":
		return false, true
	default:
		return false, false
	}
}

var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"kb", 1 << 10}, {"mb", 1 << 20}, {"gb", 1 << 30},
	{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
	{"b", 1},
}

// parseByteSize reads sizes like 512kb or 2mb.
func parseByteSize(raw string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("must not be empty")
	}
	mult := int64(1)
	for _, sf := range sizeSuffixes {
		if strings.HasSuffix(s, sf.suffix) {
			mult = sf.mult
			s = strings.TrimSuffix(s, sf.suffix)
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive size like 64kb or 2mb")
	}
	if n > (1<<62)/mult {
		return 0, fmt.Errorf("is too large")
	}
	return n * mult, nil
}
