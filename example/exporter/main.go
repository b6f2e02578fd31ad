package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/ewexport"
)

// y1970to2000 is the number of seconds between 1970-01-01 and 2000-01-01.
const y1970to2000 = 946684800

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	metricsAddr := flag.String("metrics", "127.0.0.1:9102", "address serving /metrics, empty to disable")
	flag.Parse()

	cfg := ewexport.DefaultConfig()
	cfg.Port = 16005
	cfg.Institution = 255
	cfg.Module = 43
	cfg.HeartbeatText = "heartbeat"
	cfg.HeartbeatInterval = 5 * time.Second
	if *configPath != "" {
		var err error
		if cfg, err = ewexport.LoadConfigOver(*configPath, cfg); err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	exporter, err := ewexport.New(cfg.Port, cfg.Options()...)
	if err != nil {
		slog.Error("failed to create exporter", "error", err)
		os.Exit(1)
	}
	defer exporter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(ewexport.NewCollector(exporter, "ewexport"))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}

		group.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		return produce(ctx, exporter)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("exporter stopped", "error", err)
	}
	stats := exporter.Stats()
	slog.Info("done", "sent", stats.Sent, "split", stats.SplitSent, "heartbeats", stats.Heartbeats)
}

// produce exports a synthetic 14000 sample trace every second, advancing its
// start time after each successful export.
func produce(ctx context.Context, exporter *ewexport.Exporter) error {
	samples := make([]int32, 14000)
	for i := range samples {
		samples[i] = int32(i % 100)
	}
	tb := &ewexport.TraceBuf{
		Pin:        1,
		Network:    "XX",
		Station:    "SS",
		Channel:    "HHZ",
		Location:   "00",
		StartTime:  y1970to2000,
		SampleRate: 1,
		Samples:    samples,
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			err := exporter.Export(ctx, tb)
			if err == nil {
				break
			}
			if !errors.Is(err, ewexport.ErrClientDisconnected) {
				return err
			}
			slog.Warn("export failed, waiting for a new client", "error", err)
		}
		slog.Info("exported", "tracebuf", tb.String())
		tb.StartTime += float64(len(samples)) / tb.SampleRate
	}
}
