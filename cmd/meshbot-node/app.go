package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Tigro14/meshbot-sub001/pkg/config"
	"github.com/Tigro14/meshbot-sub001/pkg/ingest"
	"github.com/Tigro14/meshbot-sub001/pkg/observability"
	"github.com/Tigro14/meshbot-sub001/pkg/radio"
	"github.com/Tigro14/meshbot-sub001/pkg/router"
	"github.com/Tigro14/meshbot-sub001/pkg/store"
	"github.com/Tigro14/meshbot-sub001/pkg/wire"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("meshbot-node started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	escalate := func(err error) {
		zap.L().Error("persistent failure reported", zap.Error(err))
	}

	st, err := store.Open(cfg.Store.Path, store.Options{OnError: escalate})
	if err != nil {
		zap.L().Error("failed to open store", zap.Error(err))
		return 1
	}
	defer func() { _ = st.Close() }()

	pipe := ingest.New(st, ingest.Options{
		LocalNodeID: cfg.LocalNodeID,
		DedupWindow: time.Duration(cfg.Ingest.DedupWindowSec) * time.Second,
		RateWindow:  cfg.Ingest.RateWindowSize,
		Dispatch:    dispatchCommand,
		OnError:     escalate,
	})

	rtr := router.New(sourceFromName(cfg.PrimaryNetwork), pipe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var managers []*radio.Manager
	for _, nc := range cfg.Networks {
		if !nc.Enabled {
			zap.L().Info("network disabled in config", zap.String("network", nc.Name))
			continue
		}
		src := sourceFromName(nc.Name)
		mgr, err := startNetwork(ctx, nc, src, cfg, rtr, pipe)
		if err != nil {
			zap.L().Error("network failed to initialize, continuing without it",
				zap.String("network", nc.Name), zap.Error(err))
			rtr.Disable(src, err)
			continue
		}
		rtr.Attach(src, mgr)
		managers = append(managers, mgr)
	}
	if len(managers) == 0 {
		zap.L().Error("no network could be started")
		return 1
	}
	defer func() {
		for _, m := range managers {
			_ = m.Close()
		}
	}()

	go maintenanceLoop(ctx, cfg, st, pipe, managers)

	zap.L().Info("node is running; press Ctrl+C to exit",
		zap.Int("networks", len(managers)))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	zap.L().Info("shutting down", zap.String("signal", s.String()))
	cancel()
	return 0
}

// startNetwork builds and connects one per-network manager. Silence
// detection runs for tcp links only; serial links surface death through
// the read loop directly.
func startNetwork(ctx context.Context, nc config.NetworkConfig, src wire.NetworkSource,
	cfg *config.Config, rtr *router.Router, pipe *ingest.Pipeline) (*radio.Manager, error) {

	var dialer radio.Dialer
	switch nc.Kind {
	case "tcp":
		dialer = &radio.TCPDialer{}
	case "serial":
		dialer = &radio.SerialDialer{}
	case "mem":
		dialer = radio.NewMemDialer()
	default:
		return nil, fmt.Errorf("unknown network kind %q", nc.Kind)
	}

	mopts := radio.Options{
		Network:            src,
		Address:            nc.Address,
		Channel:            nc.Channel,
		ConnectRetries:     cfg.Reconnect.ConnectRetries,
		BackoffStep:        time.Duration(cfg.Reconnect.BackoffStepSec) * time.Second,
		BackoffCap:         time.Duration(cfg.Reconnect.BackoffCapSec) * time.Second,
		CleanupDelay:       time.Duration(cfg.Reconnect.CleanupDelaySec) * time.Second,
		StabilizationDelay: time.Duration(cfg.Reconnect.StabilizationDelaySec) * time.Second,
		ForcedReconnect:    time.Duration(nc.ForcedReconnectMinutes) * time.Minute,
		OnPacket:           rtr.OnPacket,
		Notify: func(network wire.NetworkSource, event string, err error) {
			switch event {
			case "connected":
				pipe.ResetSession()
			default:
				zap.L().Warn("network event",
					zap.String("network", network.String()),
					zap.String("event", event),
					zap.Error(err))
			}
		},
	}
	if nc.Kind == "tcp" {
		mopts.HealthInterval = cfg.Health.CheckInterval()
		mopts.SilenceTimeout = cfg.Health.SilenceTimeout()
	}

	mgr := radio.New(dialer, mopts)
	if err := mgr.Start(ctx); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return mgr, nil
}

// maintenanceLoop runs retention cleanup and flushes diagnostics on the
// configured cadence.
func maintenanceLoop(ctx context.Context, cfg *config.Config, st *store.Store,
	pipe *ingest.Pipeline, managers []*radio.Manager) {

	interval := time.Duration(cfg.Store.CleanupIntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.Cleanup(cfg.Store.ShortRetentionHours, cfg.Store.StatsRetentionHours); err != nil {
				zap.L().Error("cleanup failed", zap.Error(err))
			}
			flushDiagnostics(pipe, managers)
		}
	}
}

func flushDiagnostics(pipe *ingest.Pipeline, managers []*radio.Manager) {
	is := pipe.Snapshot()
	fields := []zap.Field{
		zap.Uint64("accepted", is.Accepted),
		zap.Uint64("dropped", is.Dropped),
		zap.Uint64("duplicates", is.Duplicates),
		zap.Float64("rate_per_min", is.Rate),
	}
	for _, m := range managers {
		ms := m.Snapshot()
		fields = append(fields,
			zap.String("net_"+ms.Network.String()+"_state", ms.State.String()),
			zap.Uint64("net_"+ms.Network.String()+"_session_packets", ms.SessionPackets))
	}
	zap.L().Info("diagnostics", fields...)
}

// dispatchCommand hands packets addressed to this node (or broadcast) to
// the command layer. External I/O runs on its own goroutine so the receive
// path never blocks on it.
func dispatchCommand(p wire.Packet) {
	go func() {
		zap.L().Debug("command packet dispatched",
			zap.Uint32("from", p.FromID),
			zap.String("type", p.Type.String()),
			zap.String("network", p.Source.String()),
			zap.Bool("broadcast", p.Broadcast))
	}()
}

func sourceFromName(name string) wire.NetworkSource {
	if name == "B" {
		return wire.SourceB
	}
	return wire.SourceA
}
