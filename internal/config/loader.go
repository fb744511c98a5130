package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/clonecall/internal/clock"
)

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultKeyPrefix       = "clonecall:clone:"
	DefaultCloneRetention  = 7 * 24 * time.Hour
	DefaultSweepInterval   = 10 * time.Second
	DefaultServiceName     = "clonecall"
)

// ValidProviderNames lists known voice provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"elevenlabs", "fake"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and validates
// the result. An empty document is treated like an empty mapping.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults replaces zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Store.Backend == "" {
		if cfg.Store.PostgresDSN != "" {
			cfg.Store.Backend = StorePostgres
		} else {
			cfg.Store.Backend = StoreMemory
		}
	}

	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Cache.CloneTTL <= 0 {
		cfg.Cache.CloneTTL = clock.DefaultCloneTTL
	}
	if cfg.Cache.CloneRetention <= 0 {
		cfg.Cache.CloneRetention = DefaultCloneRetention
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "fake"
	}

	for i := range cfg.Samples.Backends {
		b := &cfg.Samples.Backends[i]
		if b.Name == "" {
			b.Name = b.Type
		}
	}

	if cfg.Call.PollInterval <= 0 {
		cfg.Call.PollInterval = clock.DefaultPollInterval
	}
	if cfg.Call.Deadline <= 0 {
		cfg.Call.Deadline = clock.DefaultDeadline
	}
	if cfg.Call.RequestTimeout <= 0 {
		cfg.Call.RequestTimeout = clock.DefaultRequestTimeout
	}
	if cfg.Call.SweepInterval <= 0 {
		cfg.Call.SweepInterval = DefaultSweepInterval
	}
	if cfg.Call.Fallback.OnFailure == "" {
		cfg.Call.Fallback.OnFailure = FallbackHangup
	}
	if cfg.Call.Fallback.OnTimeout == "" {
		cfg.Call.Fallback.OnTimeout = FallbackHangup
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Policy returns the call timing policy described by cfg.
func (cfg *Config) Policy() clock.Policy {
	return clock.Policy{
		Deadline:       cfg.Call.Deadline,
		RequestTimeout: cfg.Call.RequestTimeout,
		PollInterval:   cfg.Call.PollInterval,
		CloneTTL:       cfg.Cache.CloneTTL,
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute URL", cfg.Server.PublicURL))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Store
	if !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: postgres, memory", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Store.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("store.max_conns %d must not be negative", cfg.Store.MaxConns))
	}
	if cfg.Store.Backend == StoreMemory {
		slog.Warn("store.backend is memory; call and clone records will not survive a restart")
	}

	// Cache
	if cfg.Cache.RedisURL != "" {
		if _, err := url.Parse(cfg.Cache.RedisURL); err != nil {
			errs = append(errs, fmt.Errorf("cache.redis_url is invalid: %w", err))
		}
	}

	// Provider
	validateProviderName(cfg.Provider.Name)
	if cfg.Provider.Name == "elevenlabs" {
		if cfg.Provider.APIKey == "" {
			errs = append(errs, errors.New("provider.api_key is required for elevenlabs"))
		}
		if cfg.Provider.AgentID == "" {
			errs = append(errs, errors.New("provider.agent_id is required for elevenlabs"))
		}
	}
	if cfg.Provider.Retry.Attempts < 0 {
		errs = append(errs, fmt.Errorf("provider.retry.attempts %d must not be negative", cfg.Provider.Retry.Attempts))
	}
	if r := cfg.Provider.Retry; r.BaseDelay > 0 && r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		errs = append(errs, fmt.Errorf("provider.retry.max_delay %s is shorter than base_delay %s", r.MaxDelay, r.BaseDelay))
	}
	if cfg.Provider.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.max_failures %d must not be negative", cfg.Provider.Breaker.MaxFailures))
	}

	// Samples
	if len(cfg.Samples.Backends) == 0 {
		errs = append(errs, errors.New("samples.backends must list at least one backend"))
	}
	if cfg.Samples.MinBytes < 0 || cfg.Samples.MaxBytes < 0 {
		errs = append(errs, errors.New("samples.min_bytes and samples.max_bytes must not be negative"))
	}
	if cfg.Samples.MaxBytes > 0 && cfg.Samples.MinBytes > cfg.Samples.MaxBytes {
		errs = append(errs, fmt.Errorf("samples.min_bytes %d exceeds samples.max_bytes %d", cfg.Samples.MinBytes, cfg.Samples.MaxBytes))
	}
	backendNamesSeen := make(map[string]int, len(cfg.Samples.Backends))
	for i, b := range cfg.Samples.Backends {
		prefix := fmt.Sprintf("samples.backends[%d]", i)
		if b.Name != "" {
			if prev, ok := backendNamesSeen[b.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of samples.backends[%d]", prefix, b.Name, prev))
			}
			backendNamesSeen[b.Name] = i
		}
		switch b.Type {
		case "fs":
			if b.Dir == "" {
				errs = append(errs, fmt.Errorf("%s.dir is required when type is fs", prefix))
			}
		case "s3":
			if b.Bucket == "" {
				errs = append(errs, fmt.Errorf("%s.bucket is required when type is s3", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: fs, s3", prefix, b.Type))
		}
	}

	// Call
	if err := cfg.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("call: %w", err))
	}
	fb := cfg.Call.Fallback
	if !fb.OnFailure.IsValid() {
		errs = append(errs, fmt.Errorf("call.fallback.on_failure %q is invalid; valid values: hangup, default_voice", fb.OnFailure))
	}
	if !fb.OnTimeout.IsValid() {
		errs = append(errs, fmt.Errorf("call.fallback.on_timeout %q is invalid; valid values: hangup, default_voice", fb.OnTimeout))
	}
	if (fb.OnFailure == FallbackDefaultVoice || fb.OnTimeout == FallbackDefaultVoice) && fb.DefaultVoiceID == "" {
		slog.Warn("call.fallback.default_voice_id is empty; fallback sessions use the agent's own voice")
	}

	// Push
	if cfg.Push.CheckInterval < 0 {
		errs = append(errs, fmt.Errorf("push.check_interval %s must not be negative", cfg.Push.CheckInterval))
	}

	// Telemetry
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", cfg.Telemetry.SampleRatio))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
