// Command cadence runs the audio engine and serves its HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadence/internal/api"
	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/engine"
	"github.com/MrWong99/cadence/internal/health"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
	"github.com/MrWong99/cadence/pkg/audio/endpoint/malgo"
	"github.com/MrWong99/cadence/pkg/audio/endpoint/portaudio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint/virtual"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the devices of the output driver and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadence: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadence: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	// ── Driver registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDrivers(reg)

	if *listDevices {
		return printDevices(reg, cfg.Output)
	}

	slog.Info("cadence starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Engine ────────────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	events := api.NewHub()
	eng, err := engine.New(ctx, cfg, reg,
		engine.WithMetrics(metrics),
		engine.WithLevelVar(level),
		engine.WithObserver(events),
	)
	if err != nil {
		slog.Error("failed to start engine", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.Empty() {
			return
		}
		eng.Apply(ctx, diff, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		srv = newServer(cfg.Server, eng, events, metrics)
	}

	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			slog.Info("control API listening", "addr", srv.Addr, "tls", cfg.Server.TLS != nil)
			var err error
			if tls := cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http server: %w", err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		events.Close()
		if srv == nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	if watcher != nil {
		watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Driver wiring ─────────────────────────────────────────────────────────────

// registerBuiltinDrivers wires the endpoint backends that ship with cadence
// into reg.
func registerBuiltinDrivers(reg *config.Registry) {
	reg.RegisterDriver(malgo.Name, func(config.EndpointConfig) (endpoint.Driver, error) {
		return malgo.New()
	})
	reg.RegisterDriver(portaudio.Name, func(config.EndpointConfig) (endpoint.Driver, error) {
		return portaudio.New()
	})
	// The virtual driver passes voice processing through so the fallback path
	// can be exercised without hardware.
	reg.RegisterDriver(virtual.Name, func(entry config.EndpointConfig) (endpoint.Driver, error) {
		return virtual.New(virtual.WithVoiceProcessing(entry.VoiceProcessing)), nil
	})

	for _, name := range reg.Drivers() {
		slog.Debug("registered driver", "name", name)
	}
}

func printDevices(reg *config.Registry, entry config.EndpointConfig) int {
	devs, err := engine.ListDevices(reg, entry)
	for _, dir := range []endpoint.Direction{endpoint.Render, endpoint.Capture} {
		list := devs[dir]
		fmt.Printf("%s devices (%s):\n", dir, entry.Driver)
		if len(list) == 0 {
			fmt.Println("  (none)")
			continue
		}
		slices.SortFunc(list, func(a, b endpoint.Device) int {
			if a.Default != b.Default {
				if a.Default {
					return -1
				}
				return 1
			}
			return 0
		})
		for _, d := range list {
			mark := " "
			if d.Default {
				mark = "*"
			}
			fmt.Printf("  %s %-32s id=%s channels=%d rate=%d\n", mark, d.Name, d.ID, d.MaxChannels, d.DefaultSampleRate)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cadence: %v\n", err)
		return 1
	}
	return 0
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

func newServer(cfg config.ServerConfig, eng *engine.Engine, events *api.Hub, metrics *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	api.New(eng).Register(mux)
	events.Register(mux)

	checks := []health.Checker{
		health.EndpointRunning("output", eng.Output()),
		health.MixerReady(eng.Mixer()),
	}
	if eng.Input() != nil {
		checks = append(checks, health.EndpointRunning("input", eng.Input()))
	}
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         cadence: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEndpoint("Output", cfg.Output)
	if cfg.Input.Enabled {
		printEndpoint("Input", cfg.Input.EndpointConfig)
	} else {
		printRow("Input", "(disabled)")
	}
	if cfg.Input.Enabled && cfg.Input.RecordPath != "" {
		printRow("Recording", cfg.Input.RecordPath)
	}
	printRow("Buses", fmt.Sprint(cfg.Mixer.BusCount))
	printRow("Sounds", fmt.Sprint(len(cfg.Sounds)))
	printRow("Clip cache", fmt.Sprint(cfg.Player.CacheSize))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEndpoint(kind string, e config.EndpointConfig) {
	value := e.Driver + " / " + e.Format().String()
	if e.VoiceProcessing {
		value += " vp"
	}
	printRow(kind, value)
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
