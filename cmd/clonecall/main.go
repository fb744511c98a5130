// Command clonecall is the main entry point for the clonecall server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/clonecall/internal/app"
	"github.com/MrWong99/clonecall/internal/config"
	"github.com/MrWong99/clonecall/internal/observe"
	"github.com/MrWong99/clonecall/pkg/blob"
	"github.com/MrWong99/clonecall/pkg/blob/fs"
	"github.com/MrWong99/clonecall/pkg/blob/s3"
	"github.com/MrWong99/clonecall/pkg/provider/voice"
	"github.com/MrWong99/clonecall/pkg/provider/voice/elevenlabs"
	"github.com/MrWong99/clonecall/pkg/provider/voice/fake"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "clonecall: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "clonecall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("clonecall starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	application, err := app.New(ctx, cfg, reg, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the voice providers and sample backends that ship
// with clonecall into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterVoice("elevenlabs", func(c config.ProviderConfig) (voice.Provider, error) {
		var opts []elevenlabs.Option
		if c.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(c.BaseURL))
		}
		if optBool(c.Options, "remove_background_noise") {
			opts = append(opts, elevenlabs.WithRemoveBackgroundNoise(true))
		}
		return elevenlabs.New(c.APIKey, c.AgentID, opts...)
	})

	reg.RegisterVoice("fake", func(c config.ProviderConfig) (voice.Provider, error) {
		var opts []fake.Option
		if d := optDuration(c.Options, "clone_latency"); d > 0 {
			opts = append(opts, fake.WithCloneLatency(d))
		}
		if d := optDuration(c.Options, "session_latency"); d > 0 {
			opts = append(opts, fake.WithSessionLatency(d))
		}
		if c.BaseURL != "" {
			opts = append(opts, fake.WithMediaBaseURL(c.BaseURL))
		}
		return fake.New(opts...), nil
	})

	reg.RegisterBackend("fs", func(c config.SampleBackendConfig) (blob.Store, error) {
		return fs.Open(c.Dir)
	})

	reg.RegisterBackend("s3", func(c config.SampleBackendConfig) (blob.Store, error) {
		return s3.New(s3.Config{
			Bucket:          c.Bucket,
			Region:          c.Region,
			Prefix:          c.Prefix,
			Endpoint:        c.Endpoint,
			UsePathStyle:    c.UsePathStyle,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
		})
	})

	for _, name := range reg.VoiceNames() {
		slog.Debug("registered provider", "kind", "voice", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        clonecall, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name)
	printRow("Store", string(cfg.Store.Backend))
	if cfg.Cache.RedisURL != "" {
		printRow("Cache", "redis + store")
	} else {
		printRow("Cache", "store")
	}
	printRow("Backends", fmt.Sprintf("%d", len(cfg.Samples.Backends)))
	printRow("Deadline", cfg.Call.Deadline.String())
	printRow("On failure", string(cfg.Call.Fallback.OnFailure))
	printRow("On timeout", string(cfg.Call.Fallback.OnTimeout))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optBool extracts a boolean value from a provider Options map.
// Returns false if the map is nil, the key is absent, or the value is not a bool.
func optBool(opts map[string]any, key string) bool {
	v, ok := opts[key].(bool)
	return ok && v
}

// optDuration extracts a duration from a provider Options map. The value may
// be a Go duration string ("1500ms") or a number of milliseconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return 0
}
