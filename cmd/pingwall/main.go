package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"github.com/sidcorp/pingwall/internal/anomaly"
	"github.com/sidcorp/pingwall/internal/httpserver"
	"github.com/sidcorp/pingwall/internal/pipeline"
	"github.com/sidcorp/pingwall/internal/ratelimit"
	"github.com/sidcorp/pingwall/internal/route"
	"github.com/sidcorp/pingwall/internal/tlsmgr"
	"github.com/sidcorp/pingwall/internal/webhook"
	"github.com/sidcorp/pingwall/pkg/config"
	"github.com/sidcorp/pingwall/pkg/metrics"
)

// gaugeTickInterval is how often the blocked_ips and anomaly_active_keys
// gauges are refreshed from the Block Table / anomaly detector's live
// counts.
const gaugeTickInterval = 15 * time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.ToLower(getenv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	configPath := flag.String("config", getenv("PINGWALL_CONFIG", "configs/pingwall.yaml"), "path to the YAML policy file")
	cliPort := flag.Uint("port", 8443, "listen port, used only when -config fails to load")
	cliUpstream := flag.String("upstream", "", "upstream specifier (host:port or url), used only when -config fails to load")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warn().Err(err).Str("config", *configPath).Msg("config load failed; falling back to CLI-provided minimal configuration")
		cfg, err = fallbackConfig(*cliPort, *cliUpstream)
		if err != nil {
			log.Fatal().Err(err).Msg("no usable configuration: config file failed and -upstream was not given")
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: getenv("REDIS_ADDR", "localhost:6379"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not reachable yet")
	} else {
		log.Info().Msg("redis reachable")
	}
	cancel()

	tbl, err := route.NewTable(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build route table")
	}

	store := ratelimit.NewRedisCounterStore(rdb)
	blocks := ratelimit.NewBlockTable().WithMirror(rdb)
	eval := ratelimit.NewEvaluator(store, blocks, int(cfg.RateLimitWindowSecs), cfg.BlockDurationSecs)

	notifier := webhook.New(cfg.BlockURL, cfg.ApiKey)

	var detector *anomaly.Detector
	if cfg.Anomaly.Enabled {
		detector = anomaly.NewDetector(anomaly.Config{
			Enabled:             cfg.Anomaly.Enabled,
			WindowSeconds:       cfg.Anomaly.WindowSeconds,
			Buckets:             cfg.Anomaly.Buckets,
			ThresholdMultiplier: cfg.Anomaly.ThresholdMultiplier,
			EWMAAlpha:           cfg.Anomaly.EWMAAlpha,
			BlockDurationSecs:   cfg.Anomaly.BlockDurationSecs,
		}, blocks)
		log.Info().
			Int("window_seconds", cfg.Anomaly.WindowSeconds).
			Int("buckets", cfg.Anomaly.Buckets).
			Float64("threshold_multiplier", cfg.Anomaly.ThresholdMultiplier).
			Msg("anomaly detection enabled")
	}

	p := pipeline.New(tbl, eval, notifier, detector, cfg)
	router := httpserver.NewRouter(p)

	go reportGauges(blocks, detector)

	tlsManager := tlsmgr.NewManager(cfg)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.TimeoutSecs+15) * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	useTLS := hasAnyCert(cfg)
	if useTLS {
		srv.TLSConfig = &tls.Config{
			GetCertificate: tlsManager.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		h2srv := &http2.Server{
			MaxConcurrentStreams:         128,
			MaxUploadBufferPerConnection: 8 << 20,
			MaxUploadBufferPerStream:     8 << 20,
		}
		if err := http2.ConfigureServer(srv, h2srv); err != nil {
			log.Fatal().Err(err).Msg("configure http2 server")
		}
	}

	httpserver.EnableDrainFlag(true)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	log.Info().
		Str("addr", addr).
		Bool("tls", useTLS).
		Str("config", *configPath).
		Str("log_level", zerolog.GlobalLevel().String()).
		Msg("pingwall starting")

	go func() {
		var serveErr error
		if useTLS {
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Fatal().Err(serveErr).Msg("server stopped unexpectedly")
		}
	}()

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown requested; draining")

	httpserver.SetDraining(true)

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown did not complete in time; forcing close")
		_ = srv.Close()
	}
	_ = metricsSrv.Shutdown(shCtx)

	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close")
	}

	log.Info().Msg("pingwall exited")
}

// fallbackConfig implements the "fall back to CLI-provided minimal
// configuration" contract: a single domain-agnostic root route
// forwarding everything to -upstream.
func fallbackConfig(port uint, upstream string) (*config.Config, error) {
	if upstream == "" {
		return nil, errors.New("no -upstream given")
	}
	return &config.Config{
		MaxReqPerWindow:     60,
		BlockDurationSecs:   300,
		Port:                uint16(port),
		MetricsPort:         uint16(port) + 1,
		TimeoutSecs:         30,
		RateLimitWindowSecs: 60,
		Routes: []*config.Route{
			{Path: "/", Upstream: upstream, MaxReqPerWindow: 60, BlockDurationSecs: 300},
		},
	}, nil
}

// reportGauges periodically samples the Block Table and (when enabled)
// the anomaly detector's live key count into the blocked_ips and
// anomaly_active_keys gauges spec.md §6.6 mandates.
func reportGauges(blocks *ratelimit.BlockTable, detector *anomaly.Detector) {
	ticker := time.NewTicker(gaugeTickInterval)
	defer ticker.Stop()
	for range ticker.C {
		metrics.BlockedIPs.Set(float64(blocks.Len()))
		if detector != nil {
			metrics.AnomalyActiveKeys.Set(float64(detector.ActiveKeys()))
		}
	}
}

func hasAnyCert(cfg *config.Config) bool {
	for _, dc := range cfg.Domains {
		if dc.Ssl != nil {
			return true
		}
		for _, r := range dc.Routers {
			if r.Ssl != nil {
				return true
			}
		}
	}
	for _, r := range cfg.Routes {
		if r.Ssl != nil {
			return true
		}
	}
	return false
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
