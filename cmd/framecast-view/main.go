package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	commoncfg "github.com/gaspardpetit/framecast/core/config"
	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/internal/config"
	"github.com/gaspardpetit/framecast/sdk/api/ipc"
	"github.com/gaspardpetit/framecast/sdk/base/capability"
	"github.com/gaspardpetit/framecast/sdk/base/view"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ViewConfig
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
	flag.Parse()
	if *showVersion {
		fmt.Printf("framecast-view version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)

	registry := capability.NewStaticRegistry()
	clients := capability.KubeconfigClients(cfg.Kubeconfig)
	exts := make([]string, 0, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		registry.Register(e.ID, capability.APIGroupPredicate(clients, e.APIGroup, e.Version))
		exts = append(exts, e.ID)
	}
	gate := capability.NewGate(registry)
	defer gate.Close()
	act := newActivator(gate, exts)

	client := view.New(view.Config{URL: cfg.HostURL, Name: cfg.Name, ClientKey: cfg.ClientKey, Version: version})
	client.OnMessage(ChannelActivateCluster, act.handle)
	for _, ch := range cfg.Listen {
		ch := ch
		client.OnMessage(ch, func(env ipc.Envelope) {
			logx.Log.Info().Str("channel", ch).Int("args", len(env.Args)).Msg("message")
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.ActiveCluster != "" {
		act.activate(cfg.ActiveCluster)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return attachFrames(gctx, client, cfg) })
	err := g.Wait()
	_ = client.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Error().Err(err).Msg("view stopped")
		os.Exit(1)
	}
	logx.Log.Info().Msg("view stopped")
}

// attachFrames waits for the first connection and attaches the configured
// frames. Later reconnects re-announce them.
func attachFrames(ctx context.Context, client *view.Client, cfg config.ViewConfig) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for !client.Connected() {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
	for _, fc := range cfg.Frames {
		f, err := client.AttachFrame(ctx, fc.ID, fc.ClusterID, fc.Metadata)
		if err != nil {
			logx.Log.Error().Err(err).Int("frame_id", fc.ID).Msg("attach frame")
			continue
		}
		f.OnMessage(ChannelActivateCluster, func(env ipc.Envelope) {
			logx.Log.Debug().Int("frame_id", f.ID()).Msg("frame saw cluster activation")
		})
		for _, ch := range cfg.Listen {
			ch := ch
			f.OnMessage(ch, func(env ipc.Envelope) {
				logx.Log.Info().Str("channel", ch).Int("frame_id", f.ID()).Msg("frame message")
			})
		}
	}
	return nil
}
