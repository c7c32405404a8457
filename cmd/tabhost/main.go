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
	"syscall"
	"time"

	"github.com/dgnsrekt/tabhost/internal/api"
	"github.com/dgnsrekt/tabhost/internal/browser"
	"github.com/dgnsrekt/tabhost/internal/cdp"
	"github.com/dgnsrekt/tabhost/internal/config"
	"github.com/dgnsrekt/tabhost/internal/events"
	"github.com/dgnsrekt/tabhost/internal/isolation"
	"github.com/dgnsrekt/tabhost/internal/navigation"
	"github.com/dgnsrekt/tabhost/internal/netutil"
	"github.com/dgnsrekt/tabhost/internal/notify"
	"github.com/dgnsrekt/tabhost/internal/scripts"
	"github.com/dgnsrekt/tabhost/internal/surface"
	"github.com/dgnsrekt/tabhost/internal/tabs"
	"github.com/dgnsrekt/tabhost/internal/upload"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tabhost config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.GetCDPURL(),
		"launch_browser", cfg.LaunchBrowser,
		"headless", cfg.Headless,
		"policy_file", cfg.PolicyFile,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"nav_timeout_ms", cfg.NavTimeoutMS,
		"upload_chunk_bytes", cfg.UploadChunkBytes,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"event_journal_dir", cfg.EventJournalDir,
		"notify_url", cfg.NotifyURL,
	)

	if err := run(cfg); err != nil {
		slog.Error("tabhost exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Options{
			CDPAddress:   cfg.CDPAddress,
			CDPPort:      cfg.CDPPort,
			ProfileDir:   cfg.ProfileDir,
			Headless:     cfg.Headless,
			WindowLeft:   cfg.WindowBounds.Left,
			WindowTop:    cfg.WindowBounds.Top,
			WindowWidth:  cfg.WindowBounds.Width,
			WindowHeight: cfg.WindowBounds.Height,
		})
		if err := launcher.Launch(ctx); err != nil {
			return err
		}
		defer launcher.Stop()
	}

	client := cdp.NewClient(cfg.GetCDPURL(), config.Millis(cfg.EvalTimeoutMS))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()
	if version, err := client.BrowserVersion(ctx); err == nil {
		slog.Info("connected to browser", "version", version)
	}

	broker := events.NewBroker()
	if cfg.EventJournalDir != "" {
		journal, err := events.NewJournal(broker, cfg.EventJournalDir, 50)
		if err != nil {
			return err
		}
		defer func() {
			if err := journal.Close(); err != nil {
				slog.Debug("event journal close failed", "error", err)
			}
		}()
	}
	if cfg.NotifyURL != "" {
		forwarder := notify.NewForwarder(broker, &http.Client{Timeout: 10 * time.Second}, cfg.NotifyURL, cfg.NotifyTypes)
		defer forwarder.Close()
	}

	manager := tabs.NewManager(tabs.Deps{
		Isolation: isolation.NewProvider(client, policy.Permissions),
		Surfaces: surface.NewPool(client, surface.Layout{
			Window:       cfg.WindowBounds,
			HeaderHeight: cfg.HeaderHeight,
			SettleDelay:  config.Millis(cfg.SurfaceSettleMS),
		}, policy.Permissions.BlockedURLs),
		Navigation: navigation.NewTracker(client, navigation.Options{
			Timeout:       config.Millis(cfg.NavTimeoutMS),
			RedirectGrace: config.Millis(cfg.NavRedirectGraceMS),
			PollInterval:  config.Millis(cfg.NavPollMS),
		}),
		Scripts: scripts.NewPipeline(client, client, config.Millis(cfg.InitScriptDelayMS)),
		Uploads: upload.NewInjector(client, upload.Options{
			ChunkSize:      cfg.UploadChunkBytes,
			CoalesceEvery:  cfg.UploadCoalesceEvery,
			SettleDelay:    config.Millis(cfg.UploadSettleMS),
			ReferenceFirst: cfg.UploadReferenceFirst,
		}),
		Eval:            client,
		Storage:         client,
		Broker:          broker,
		Probes:          tabs.ProbesFromPolicy(policy, client),
		PlatformScripts: tabs.PlatformScripts(policy),
		WaitURLTimeout:  config.Millis(cfg.WaitURLTimeoutMS),
	})

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return err
	}
	addr := ln.Addr().String()
	srv := &http.Server{
		Handler:           api.NewServer(manager, broker, client),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("tabhost listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("tabhost shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdown(shutdownCtx, manager, broker, srv)
		return nil
	})
	return g.Wait()
}

type tabCloser interface {
	CloseAll(ctx context.Context) error
}

type streamCloser interface {
	Close()
}

type httpShutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown closes every tab while subscribers still listen, then ends the
// event streams so the HTTP server can drain.
func shutdown(ctx context.Context, manager tabCloser, broker streamCloser, srv httpShutdowner) {
	if err := manager.CloseAll(ctx); err != nil {
		slog.Warn("closing tabs failed", "error", err)
	}
	broker.Close()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
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
