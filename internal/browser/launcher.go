package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Options configures the Chromium process hosting every tab.
type Options struct {
	CDPAddress   string
	CDPPort      int
	ProfileDir   string
	Headless     bool
	WindowLeft   int
	WindowTop    int
	WindowWidth  int
	WindowHeight int
	ReadyTimeout time.Duration
	// Binary overrides browser detection when set.
	Binary string
}

// Launcher owns a Chromium process started for the tab host.
type Launcher struct {
	opts   Options
	client *http.Client

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewLauncher(opts Options) *Launcher {
	if opts.WindowWidth <= 0 || opts.WindowHeight <= 0 {
		opts.WindowWidth, opts.WindowHeight = 1280, 800
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 15 * time.Second
	}
	return &Launcher{opts: opts, client: &http.Client{Timeout: time.Second}}
}

func detectBrowser() (string, error) {
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found")
}

func endpointListening(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Args returns the command line used to start the browser.
func (l *Launcher) Args() []string {
	o := l.opts
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", o.CDPPort),
		fmt.Sprintf("--remote-debugging-address=%s", o.CDPAddress),
		fmt.Sprintf("--user-data-dir=%s", o.ProfileDir),
		fmt.Sprintf("--window-size=%d,%d", o.WindowWidth, o.WindowHeight),
		fmt.Sprintf("--window-position=%d,%d", o.WindowLeft, o.WindowTop),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		"--disable-breakpad",
		"--disable-background-timer-throttling",
		"--disable-renderer-backgrounding",
		"--disable-backgrounding-occluded-windows",
	}
	if o.Headless {
		args = append(args, "--headless=new")
	}
	return append(args, "about:blank")
}

// Launch starts Chromium unless something already serves the CDP port, then
// waits for /json/version to answer.
func (l *Launcher) Launch(ctx context.Context) error {
	if endpointListening(l.opts.CDPAddress, l.opts.CDPPort) {
		slog.Info("browser already running, skipping launch", "address", l.opts.CDPAddress, "port", l.opts.CDPPort)
		return nil
	}

	bin := l.opts.Binary
	if bin == "" {
		var err error
		if bin, err = detectBrowser(); err != nil {
			return err
		}
	}
	slog.Info("detected browser", "path", bin, "headless", l.opts.Headless)

	if err := os.MkdirAll(l.opts.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	cmd := exec.Command(bin, l.Args()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	l.mu.Lock()
	l.cmd = cmd
	l.mu.Unlock()
	slog.Info("browser process started", "pid", cmd.Process.Pid)

	if err := l.WaitReady(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready", "address", l.opts.CDPAddress, "port", l.opts.CDPPort)
	return nil
}

// WaitReady polls the CDP version endpoint until it returns 200.
func (l *Launcher) WaitReady(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/json/version", net.JoinHostPort(l.opts.CDPAddress, strconv.Itoa(l.opts.CDPPort)))
	deadline := time.NewTimer(l.opts.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("CDP did not become ready within %s at %s", l.opts.ReadyTimeout, url)
		case <-ticker.C:
			resp, err := l.client.Get(url)
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

// Running reports whether this launcher owns a live browser process.
func (l *Launcher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmd != nil
}

// Stop sends SIGTERM and escalates to SIGKILL after five seconds.
func (l *Launcher) Stop() {
	l.mu.Lock()
	cmd := l.cmd
	l.cmd = nil
	l.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	slog.Info("stopping browser", "pid", cmd.Process.Pid)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("browser stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = cmd.Process.Kill()
		<-done
	}
}
