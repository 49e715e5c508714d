package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"homevolt-local/internal/api"
	"homevolt-local/internal/config"
	"homevolt-local/internal/exporter"
	"homevolt-local/internal/logging"
	"homevolt-local/internal/poller"
	"homevolt-local/internal/store"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.LoadYAML(cfgPath)
	if err != nil {
		bootLog := logging.New("info", "console")
		bootLog.Fatal().Err(err).Msg("load yaml config")
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Output)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
	}()

	client := api.NewClient(api.Config{
		Host:     cfg.Device.Host,
		Username: cfg.Device.Username,
		Password: cfg.Device.Password,
		Timeout:  cfg.Device.Timeout,
	}, log)
	defer client.Close()

	if err := client.Probe(ctx); err != nil {
		if errors.Is(err, api.ErrAuth) {
			log.Fatal().Err(err).Msg("device rejected credentials, check username and password")
		}
		log.Warn().Err(err).Msg("device not reachable yet, polling will keep trying")
	}

	p := poller.New(client, poller.Options{
		Interval: cfg.Poll.Interval,
		Host:     cfg.Device.Host,
		OnReauthRequired: func(err error) {
			log.Error().Err(err).Msg("re-authentication required, update the configured credentials")
		},
	}, log)

	var st *store.Store
	if cfg.Storage.Enabled {
		st, err = store.Open(cfg.Storage.DBPath, cfg.Storage.MaxQueueSize, log)
		if err != nil {
			log.Fatal().Err(err).Msg("open snapshot store")
		}
		defer st.Close()

		updates, cancelSub := p.Subscribe()
		defer cancelSub()
		go func() {
			for u := range updates {
				if u.Snapshot == nil || u.Health.State == poller.StateDegraded {
					continue
				}
				if err := st.Handle(u.Snapshot); err != nil {
					log.Warn().Err(err).Msg("snapshot not persisted")
				}
			}
		}()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(exporter.NewCollector(p))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics listener started")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	log.Info().
		Str("host", cfg.Device.Host).
		Dur("interval", cfg.Poll.Interval).
		Msg("agent started")

	p.Start(ctx)
	<-ctx.Done()

	p.Stop()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info().Msg("agent stopped")
}
