// Command aria is the English conversation tutor: a terminal front end and
// an optional HTTP control surface over one live voice conversation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/aria/internal/app"
	"github.com/MrWong99/aria/internal/config"
	"github.com/MrWong99/aria/internal/console"
	"github.com/MrWong99/aria/internal/conversation"
	"github.com/MrWong99/aria/internal/health"
	"github.com/MrWong99/aria/internal/observe"
	"github.com/MrWong99/aria/pkg/audio/device"
	"github.com/MrWong99/aria/pkg/audio/malgo"
	"github.com/MrWong99/aria/pkg/audio/render"
	"github.com/MrWong99/aria/pkg/provider/s2s"
	geminilive "github.com/MrWong99/aria/pkg/provider/s2s/gemini"
)

// defaultConfigPath is used when -config is not given. A missing file at the
// default path is not an error.
const defaultConfigPath = "aria.yaml"

// version is reported as service.version; set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	listenAddr := flag.String("listen", "", "HTTP listen address; overrides server.listen_addr")
	backendName := flag.String("audio", "", "audio backend (malgo or null); overrides audio.backend")
	noConsole := flag.Bool("no-console", false, "disable the terminal front end")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchPath, err := loadConfig(*configPath, isFlagSet("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "aria: %v\n", err)
		return 1
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *backendName != "" {
		cfg.Audio.Backend = *backendName
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("aria starting",
		"config", watchPath,
		"provider", cfg.Provider.Name,
		"audio", cfg.Audio.Backend,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(observe.WithServiceVersion(version))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)
	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}

	provider, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		slog.Error("failed to create speech provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}
	backend, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to create audio backend", "name", cfg.Audio.Backend, "err", err)
		return 1
	}

	mgr := conversation.New(provider, backend, app.ConversationConfig(cfg), conversation.WithMetrics(tel.Metrics()))

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithTelemetry(tel),
		app.WithCheckers(providerChecker(provider)),
		app.WithCloser(mgr.Close),
	}
	if c, ok := backend.(io.Closer); ok {
		opts = append(opts, app.WithCloser(c.Close))
	}
	opts = append(opts, app.WithCloser(func() error {
		otelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(otelCtx)
	}))

	if watchPath != "" {
		w, err := config.NewWatcher(watchPath, func(c config.Change) {
			if c.Diff.LogLevelChanged {
				level.Set(slogLevel(c.Diff.NewLogLevel))
			}
			if c.Diff.ConversationChanged {
				mgr.SetConfig(app.ConversationConfig(c.New))
				slog.Info("conversation settings updated; they apply to the next conversation")
			}
		})
		if err != nil {
			slog.Error("failed to watch config", "path", watchPath, "err", err)
			return 1
		}
		opts = append(opts, app.WithWorker("config watcher", w.Run))
	}

	if !*noConsole {
		opts = append(opts, app.WithWorker("console", console.New(mgr, os.Stdin, os.Stdout).Run))
	}

	application, err := app.New(cfg, mgr, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, console.ErrQuit) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Configuration ─────────────────────────────────────────────────────────────

// loadConfig returns the config and the path to watch. Without an explicit
// -config, a missing default file yields the built-in defaults and nothing
// is watched.
func loadConfig(path string, explicit bool) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, path, nil
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return config.Default(), "", nil
	case errors.Is(err, os.ErrNotExist):
		return nil, "", fmt.Errorf("config file %q not found", path)
	default:
		return nil, "", err
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the speech providers and audio backends that ship
// with aria into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if d, ok := optDuration(entry.Options, "keepalive"); ok {
			opts = append(opts, geminilive.WithKeepalive(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterAudio("malgo", func(config.AudioConfig) (device.Backend, error) {
		return malgo.New()
	})
	reg.RegisterAudio("null", func(config.AudioConfig) (device.Backend, error) {
		return render.NullBackend{}, nil
	})
}

// providerChecker reports the provider as not ready while its credentials
// are missing.
func providerChecker(p s2s.Provider) health.Checker {
	return health.Checker{
		Name: "provider",
		Check: func(context.Context) error {
			if v, ok := p.(s2s.Validator); ok {
				return v.Validate()
			}
			return nil
		},
	}
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

// optDuration extracts a duration from a provider Options map. Strings are
// parsed with [time.ParseDuration]; numbers are taken as seconds.
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	v, ok := opts[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(t))
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", t, "err", err)
			return 0, false
		}
		return d, true
	case int:
		return time.Duration(t) * time.Second, true
	case float64:
		return time.Duration(t * float64(time.Second)), true
	}
	return 0, false
}
