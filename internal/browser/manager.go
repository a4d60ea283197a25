// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/course-sniper/internal/browser/stealth"
	"github.com/xkilldash9x/course-sniper/internal/config"
)

// Manager owns the Chrome process. Every Session is a tab derived from it.
type Manager struct {
	logger  *zap.Logger
	cfg     config.BrowserConfig
	persona stealth.Persona

	// allocatorCtx manages the browser process.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
}

// NewManager prepares the browser allocator. Chrome itself starts with the
// first session.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:  logger.Named("browser_manager"),
		cfg:     cfg,
		persona: stealth.DefaultPersona.WithUserAgent(cfg.UserAgent),
	}
	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, m.buildAllocatorOptions()...)
	m.logger.Debug("Browser allocator ready.", zap.Bool("headless", cfg.Headless))
	return m
}

// allocatorFlags assembles the command line flags for a stealthy, configurable
// browser instance, keyed by flag name.
func (m *Manager) allocatorFlags() map[string]any {
	// disable-blink-features hides navigator.webdriver from the Blink side.
	flags := map[string]any{
		"headless":                  m.cfg.Headless,
		"disable-gpu":               m.cfg.Headless,
		"disable-blink-features":    "AutomationControlled",
		"disable-extensions":        true,
		"ignore-certificate-errors": m.cfg.IgnoreTLSErrors,
	}

	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}

	// Custom arguments from config.yaml win over the defaults.
	for _, arg := range m.cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}
	return flags
}

func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		if flag, ok := opt.(chromedp.Flag); ok && flag.Name == "enable-automation" {
			continue
		}
		opts = append(opts, opt)
	}

	flags := m.allocatorFlags()
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	return append(opts, chromedp.UserAgent(m.persona.UserAgent))
}

// NewSession opens a tab, starts it with no cookies and applies the stealth
// persona. The tab lives until the Session is closed or ctx ends.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	tabCtx, cancel := chromedp.NewContext(m.allocatorCtx)
	s := newSession(tabCtx, cancel, m.logger)

	// The first Run starts Chrome and attaches the tab, both bound to the
	// context it is given, so it must be the tab context itself.
	if err := m.start(ctx, tabCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	setupCtx, cancelSetup := context.WithTimeout(ctx, m.cfg.LaunchTimeout)
	defer cancelSetup()

	err := s.runActions(setupCtx,
		network.Enable(),
		network.ClearBrowserCookies(),
		stealth.Apply(m.persona, m.logger),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser session: %w", err)
	}

	s.listen()
	m.logger.Info("Browser session started.", zap.Bool("headless", m.cfg.Headless))
	return s, nil
}

// start allocates the browser on tabCtx, giving up after LaunchTimeout or
// when ctx ends. Giving up cancels nothing itself; the caller closes the tab.
func (m *Manager) start(ctx, tabCtx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx) }()

	timer := time.NewTimer(m.cfg.LaunchTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("browser did not start within %s", m.cfg.LaunchTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates the browser process.
func (m *Manager) Shutdown() {
	m.logger.Debug("Shutting down browser process.")
	m.allocatorCancel()
	<-m.allocatorCtx.Done()
}
