package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tabgain/internal/api"
	"github.com/dgnsrekt/tabgain/internal/audio"
	"github.com/dgnsrekt/tabgain/internal/browser"
	"github.com/dgnsrekt/tabgain/internal/cdpcontrol"
	"github.com/dgnsrekt/tabgain/internal/config"
	"github.com/dgnsrekt/tabgain/internal/controller"
	"github.com/dgnsrekt/tabgain/internal/coordinator"
	"github.com/dgnsrekt/tabgain/internal/gain"
	"github.com/dgnsrekt/tabgain/internal/metrics"
	"github.com/dgnsrekt/tabgain/internal/netutil"
	"github.com/dgnsrekt/tabgain/internal/relay"
	"github.com/dgnsrekt/tabgain/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load tabgain config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tabgain config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"store_path", cfg.StorePath,
		"audio_backend", cfg.AudioBackend,
		"launch_browser", cfg.LaunchBrowser,
	)

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.ProfileDir,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
	}
	exit := func(code int) {
		if launcher != nil && launcher.Running() {
			launcher.Stop()
		}
		os.Exit(code)
	}

	if startup, err := config.LoadStartup(cfg.StartupFile); err == nil {
		if launcher != nil {
			launcher.OpenURLs(context.Background(), startup.URLs())
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("startup config not loaded", "path", cfg.StartupFile, "error", err)
	}

	var presets *config.PresetsConfig
	if p, err := config.LoadPresets(cfg.PresetsFile); err == nil {
		presets = p
		slog.Info("presets loaded", "path", cfg.PresetsFile, "count", len(p.Presets))
	} else if !errors.Is(err, os.ErrNotExist) {
		slog.Warn("presets config not loaded", "path", cfg.PresetsFile, "error", err)
	}

	volumes, err := store.Open(cfg.StorePath)
	if err != nil {
		slog.Error("failed to open volume store", "path", cfg.StorePath, "error", err)
		exit(1)
	}

	format := audio.Format{SampleRate: uint32(cfg.SampleRate), Channels: uint32(cfg.Channels)}
	if err := format.Validate(); err != nil {
		slog.Error("invalid audio format", "error", err)
		exit(1)
	}
	cdpClient := cdpcontrol.NewClient(cfg.CDPURL(), time.Duration(cfg.EvalTimeoutMS)*time.Millisecond, format)
	if err := cdpClient.Connect(context.Background()); err != nil {
		slog.Error("failed to connect CDP controller", "cdp_url", cfg.CDPURL(), "error", err)
		exit(1)
	}

	m := metrics.New()
	hostFactory := func(ctx context.Context) (relay.AudioEngine, error) {
		output, err := newOutput(cfg.AudioBackend)
		if err != nil {
			return nil, err
		}
		engine := gain.NewEngine(cdpClient, output, gain.WithMetrics(m))
		return relay.NewEngineEndpoint(engine), nil
	}

	opts := []coordinator.Option{coordinator.WithMetrics(m)}
	if presets != nil {
		opts = append(opts, coordinator.WithPresets(presets))
	}
	coord := coordinator.New(cdpClient, volumes, hostFactory, opts...)
	unhookTabs := cdpClient.OnTabRemoved(coord.TabRemoved)

	bridge := relay.NewBridge(volumes, coord)
	bridge.Start()

	broker := relay.NewBroker()
	unpublish := volumes.Subscribe(relay.PublishChanges(broker))

	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), 15*time.Second)
	coord.Reconcile(reconcileCtx)
	cancelReconcile()

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("no bind address available", "preferred", cfg.BindAddr, "error", err)
		exit(1)
	}
	if bindAddr != cfg.BindAddr {
		slog.Warn("preferred bind address in use, falling back", "preferred", cfg.BindAddr, "bind_addr", bindAddr)
	}

	svc := controller.NewService(cdpClient, coord, volumes, broker)
	h := api.NewServer(svc, broker, m.Handler())

	srv := &http.Server{Addr: bindAddr, Handler: h}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("tabgain listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("tabgain server failed", "error", err)
			slog.Error("hint: kill the process holding the port with: lsof -ti:" + bindAddr[strings.LastIndex(bindAddr, ":")+1:] + " | xargs kill -9")
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigCh:
	case <-serverErr:
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	broker.Close()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("tabgain shutdown failed", "error", err)
	}

	unhookTabs()
	bridge.Stop()
	if err := coord.Close(ctx); err != nil {
		slog.Warn("audio host close failed", "error", err)
	}
	unpublish()
	if err := volumes.Close(); err != nil {
		slog.Warn("volume store close failed", "error", err)
	}
	if err := cdpClient.Close(); err != nil {
		slog.Debug("CDP client close failed", "error", err)
	}

	cancel()
	exit(exitCode)
}

// newOutput picks the playback backend: the platform device, or a discarding
// sink for "null".
func newOutput(backend string) (audio.Output, error) {
	if backend == "null" {
		slog.Info("audio output disabled, discarding boosted audio")
		return audio.NewNullOutput(), nil
	}
	return audio.NewOutput()
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
