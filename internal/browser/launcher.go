package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	ProfileDir string
	WindowSize string
	ExecPath   string
}

// Launcher manages the lifecycle of a browser process started through a
// chromedp exec allocator.
type Launcher struct {
	cfg Config

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabCancels    []context.CancelFunc
	running       bool
}

// NewLauncher creates a new browser launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1280,800"
	}
	return &Launcher{cfg: cfg}
}

// isPortInUse checks whether a TCP port is already listening.
func isPortInUse(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	width, height := parseWindowSize(l.cfg.WindowSize)
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", false),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(l.cfg.CDPPort)),
		chromedp.Flag("remote-debugging-address", l.cfg.CDPAddress),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.UserDataDir(l.cfg.ProfileDir),
		chromedp.WindowSize(width, height),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch starts the browser unless the CDP port is already in use.
func (l *Launcher) Launch(ctx context.Context) error {
	if isPortInUse(l.cfg.CDPAddress, l.cfg.CDPPort) {
		slog.Info("browser already running, skipping launch",
			"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
		return nil
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("start browser: %w", err)
	}
	l.allocCancel = allocCancel
	l.browserCtx = browserCtx
	l.browserCancel = browserCancel
	l.running = true
	slog.Info("browser process started", "profile_dir", l.cfg.ProfileDir)

	if err := l.waitForCDP(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready",
		"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
	return nil
}

// OpenURLs loads urls into tabs of the launched browser. The first URL reuses
// the initial tab. It does nothing when the browser was already running.
func (l *Launcher) OpenURLs(ctx context.Context, urls []string) {
	if !l.running || len(urls) == 0 {
		if len(urls) > 0 {
			slog.Info("startup urls skipped, browser not launched here", "count", len(urls))
		}
		return
	}
	for i, url := range urls {
		tabCtx := l.browserCtx
		if i > 0 {
			var cancel context.CancelFunc
			tabCtx, cancel = chromedp.NewContext(l.browserCtx)
			l.tabCancels = append(l.tabCancels, cancel)
		}
		if err := runWithContext(ctx, tabCtx, chromedp.Navigate(url)); err != nil {
			slog.Warn("startup url failed", "index", i, "url", url, "error", err)
			continue
		}
		slog.Info("opened startup url", "index", i, "url", url)
	}
}

// runWithContext runs actions in tabCtx but gives up when ctx is done.
func runWithContext(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func (l *Launcher) waitForCDP(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/json/version", net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort)))
	deadline := time.After(15 * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within 15s at %s", url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process.
func (l *Launcher) Running() bool {
	return l.running
}

// Stop closes the launched browser and releases the allocator.
func (l *Launcher) Stop() {
	if !l.running {
		return
	}
	slog.Info("stopping browser")
	for _, cancel := range l.tabCancels {
		cancel()
	}
	l.tabCancels = nil
	if err := chromedp.Cancel(l.browserCtx); err != nil {
		slog.Warn("browser did not close cleanly", "error", err)
	}
	l.browserCancel()
	l.allocCancel()
	l.running = false
	slog.Info("browser stopped")
}

// parseWindowSize reads "W,H", falling back to 1280x800.
func parseWindowSize(s string) (int, int) {
	var w, h int
	if _, err := fmt.Sscanf(s, "%d,%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 1280, 800
	}
	return w, h
}
