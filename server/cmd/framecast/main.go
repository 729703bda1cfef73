package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	commoncfg "github.com/gaspardpetit/framecast/core/config"
	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/core/secret"
	"github.com/gaspardpetit/framecast/sdk/base/inflight"
	"github.com/gaspardpetit/framecast/server/internal/config"
	"github.com/gaspardpetit/framecast/server/internal/host"
	"github.com/gaspardpetit/framecast/server/internal/metrics"
	"github.com/gaspardpetit/framecast/server/internal/server"
	"github.com/gaspardpetit/framecast/server/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.HostConfig
	// defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if p, ok := commoncfg.ConfigFileFromArgs(os.Args[1:]); ok {
		cfg.ConfigFile = p
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "framecast version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("framecast version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	metrics.SetHostBuildInfo(version, buildSHA, buildDate)

	if cfg.LockFile != "" {
		fl, err := host.AcquireLock(cfg.LockFile)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("single host guard")
		}
		defer func() { _ = fl.Unlock() }()
	}

	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis state store")
	}
	// A previous host may have left the shared store draining.
	serverstate.Reset()

	h := host.New(host.Options{ClientKey: cfg.ClientKey, QueueSize: cfg.QueueSize})
	preg := server.NewRegistry()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.New(cfg, h, preg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != srv.Addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel, h, cfg.DrainTimeout)

	if cfg.APIKey != "" {
		logx.Log.Info().Str("api_key", secret.Mask(cfg.APIKey)).Msg("API key auth enabled")
	}
	if cfg.ClientKey != "" {
		logx.Log.Info().Str("client_key", secret.Mask(cfg.ClientKey)).Msg("client key required")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logx.Log.Info().Int("port", cfg.Port).Str("version", version).Msg("host starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		h.Close()
		sctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(sctx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logx.Log.Error().Err(err).Msg("host stopped")
		os.Exit(1)
	}
	logx.Log.Info().Msg("host stopped")
}

// handleSignals drains on the first SIGINT/SIGTERM and exits on the second.
// Draining refuses new views and waits for connected ones to leave and for
// HTTP broadcasts in progress to finish.
func handleSignals(ctx context.Context, cancel context.CancelFunc, h *host.Host, drainTimeout time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
		}
		if serverstate.IsDraining() || drainTimeout <= 0 {
			logx.Log.Warn().Msg("termination requested")
			cancel()
			return
		}
		serverstate.StartDrain()
		logx.Log.Info().Int("views", h.ViewCount()).Dur("timeout", drainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
		go func() {
			waitCtx, stop := context.WithTimeout(ctx, drainTimeout)
			defer stop()
			if h.WaitForViews(waitCtx) && inflight.Broadcasts().WaitForZero(waitCtx) {
				logx.Log.Info().Msg("drain complete; terminating")
			} else if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				logx.Log.Warn().Int("views", h.ViewCount()).Msg("drain timeout exceeded; terminating")
			}
			cancel()
		}()
	}
}
