// Command nexusd is the node-local data-plane daemon: it boots pools,
// replicas and nexuses from the static configuration, starts the block
// transport targets and serves the control API until signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/srilakshmi/nexus/config"
	"github.com/srilakshmi/nexus/control"
	"github.com/srilakshmi/nexus/iscsi"
	"github.com/srilakshmi/nexus/metrics"
	"github.com/srilakshmi/nexus/nvmeof"
)

func main() {
	configPath := flag.String("config", "", "bootstrap config file (overrides NEXUS_CONFIG)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logCfg := zap.NewProductionConfig()
	if *debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	log, err := logCfg.Build()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if *configPath != "" {
		os.Setenv("NEXUS_CONFIG", *configPath)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal("configuration", zap.Error(err))
	}
	log.Info("starting",
		zap.String("node", cfg.NodeName),
		zap.String("control", cfg.Listen.Control))

	if err := run(cfg, log); err != nil {
		log.Fatal("daemon failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	advertise := func(listen string) string {
		if cfg.Advertise == "" {
			return ""
		}
		_, port, err := net.SplitHostPort(listen)
		if err != nil {
			return cfg.Advertise
		}
		return net.JoinHostPort(cfg.Advertise, port)
	}

	nexusTgt := nvmeof.NewTarget(cfg.Listen.NvmfNexus, advertise(cfg.Listen.NvmfNexus), log)
	replicaTgt := nvmeof.NewTarget(cfg.Listen.NvmfReplica, advertise(cfg.Listen.NvmfReplica), log)
	iscsiTgt := iscsi.NewTarget(cfg.Listen.Iscsi, advertise(cfg.Listen.Iscsi), log)

	for _, t := range []interface {
		Start() error
		Stop() error
	}{nexusTgt, replicaTgt, iscsiTgt} {
		if err := t.Start(); err != nil {
			return err
		}
		defer t.Stop()
	}

	svc := control.NewService(control.Options{
		Targets: control.Targets{
			NexusNvmf:  nexusTgt,
			NexusIscsi: iscsiTgt,
			Replica:    replicaTgt,
		},
		AllowedHosts: cfg.AllowedHosts,
		Metrics:      met,
		Logger:       log,
	})
	defer svc.Shutdown()

	if err := config.Apply(ctx, cfg, svc); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Listen.Control,
		Handler: control.NewRouter(svc, reg, log),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("control api listening", zap.String("addr", cfg.Listen.Control))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
