package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/devrelay/internal/adb"
	"github.com/zsiec/devrelay/internal/capture"
	"github.com/zsiec/devrelay/internal/certs"
	"github.com/zsiec/devrelay/internal/config"
	"github.com/zsiec/devrelay/internal/input"
	"github.com/zsiec/devrelay/internal/resilience"
	"github.com/zsiec/devrelay/internal/server"
	"github.com/zsiec/devrelay/internal/stream"
)

var version = "dev"

const mdnsService = "_devrelay._tcp"

func main() {
	if err := run(); err != nil {
		slog.Error("devrelay exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = pflag.StringP("config", "c", "", "path to a YAML config file")
		envFile     = pflag.String("env-file", ".env", "dotenv file loaded before reading DEVRELAY_* variables")
		addr        = pflag.String("addr", "", "HTTP listen address (overrides config)")
		logLevel    = pflag.String("log-level", "", "log level: debug, info, warn or error")
		logFormat   = pflag.String("log-format", "", "log format: text or json")
		mdns        = pflag.Bool("mdns", false, "announce the relay on the LAN over mDNS")
		showVersion = pflag.Bool("version", false, "print the version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if pflag.CommandLine.Changed("addr") {
		cfg.Server.Addr = *addr
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if pflag.CommandLine.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	if pflag.CommandLine.Changed("mdns") {
		cfg.MDNS.Enabled = *mdns
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	client := adb.New(cfg.ADB)
	injector := input.NewInjector(client)
	supCfg := cfg.SupervisorConfig()
	ctrlCfg := cfg.ControllerConfig()
	mgr := stream.NewManager(nil, func(deviceID string) *resilience.Controller {
		return resilience.New(capture.NewSupervisor(client, deviceID, supCfg), injector, ctrlCfg)
	})

	srvCfg := server.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WriteTimeout:   cfg.Server.WriteTimeout,
		WebDir:         cfg.Server.WebDir,
	}
	if cfg.Server.SelfSignedTLS {
		cert, err := certs.Generate(cfg.Server.TLSHosts, certs.DefaultValidity)
		if err != nil {
			return fmt.Errorf("generating certificate: %w", err)
		}
		slog.Info("self-signed certificate generated",
			"fingerprint", cert.FingerprintHex(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		srvCfg.TLS = cert.TLSConfig()
	}

	srv := server.New(srvCfg, server.Deps{
		Streams:  mgr,
		Injector: injector,
		Control:  client,
		Capture:  client,
		Devices:  client,
	})

	slog.Info("devrelay starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"adb", cfg.ADB.Binary,
		"max_size", cfg.ADB.MaxSize,
		"mdns", cfg.MDNS.Enabled,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(ctx)
	})

	if cfg.MDNS.Enabled {
		g.Go(func() error {
			return announce(ctx, cfg.MDNS.Instance, cfg.Server.Addr)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return mgr.ShutdownAll(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("devrelay stopped")
	return nil
}

func setupLogging(lc config.LogConfig) error {
	level, err := lc.SlogLevel()
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if lc.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// announce registers the relay over mDNS until ctx is done.
func announce(ctx context.Context, instance, addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("mdns: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("mdns: invalid port %q: %w", portStr, err)
	}

	txt := []string{"version=" + version, "path=/api/video/stream"}
	mdnsSrv, err := zeroconf.Register(instance, mdnsService, "local.", port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns: register: %w", err)
	}
	defer mdnsSrv.Shutdown()
	slog.Info("mDNS service registered", "instance", instance, "service", mdnsService, "port", port)

	<-ctx.Done()
	return nil
}
