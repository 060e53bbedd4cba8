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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/gpupool/internal/balancer"
	"github.com/gaspardpetit/gpupool/internal/config"
	"github.com/gaspardpetit/gpupool/internal/detect"
	"github.com/gaspardpetit/gpupool/internal/inflight"
	"github.com/gaspardpetit/gpupool/internal/logx"
	"github.com/gaspardpetit/gpupool/internal/metrics"
	"github.com/gaspardpetit/gpupool/internal/server"
	"github.com/gaspardpetit/gpupool/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BalancerConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "gpupool version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("gpupool version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis snapshot store")
	}

	var bindings []config.Binding
	if cfg.BindingsFile != "" {
		var err error
		bindings, err = config.LoadBindings(cfg.BindingsFile)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("path", cfg.BindingsFile).Msg("load bindings")
		}
	}
	unitIDs := make([]string, 0, len(bindings))
	for _, b := range bindings {
		unitIDs = append(unitIDs, b.UnitID)
	}
	if len(unitIDs) == 0 {
		unitIDs = []string{"gpu-0"}
		logx.Log.Warn().Msg("no bindings configured; probing a single default unit")
	}
	det := detect.NewHostDetector(unitIDs, cfg.ProbeTimeout)

	bcfg := balancer.Config{
		FailureThreshold: cfg.FailureThreshold,
		ProbationTrials:  cfg.ProbationTrials,
		CooldownBase:     cfg.CooldownBase,
		CooldownMax:      cfg.CooldownMax,
		SuccessWeight:    cfg.SuccessWeight,
		LatencyWeight:    cfg.LatencyWeight,
		LoadWeight:       cfg.LoadWeight,
		WindowSize:       cfg.WindowSize,
		WindowAge:        cfg.WindowAge,
		BaselineLatency:  cfg.BaselineLatency,
		RetireGrace:      cfg.RetireGrace,
	}
	reg := balancer.NewRegistry(bcfg, bindings)
	if snap := serverstate.Current().Load(); len(snap.Instances) > 0 {
		reg.WarmStart(snap.Instances)
		logx.Log.Info().Int("instances", len(snap.Instances)).Time("saved_at", snap.SavedAt).Msg("warm start from persisted snapshot")
	}
	bal := balancer.New(reg, bcfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go server.RunReconcileLoop(ctx, reg, det, cfg.RefreshInterval, cfg.RefreshJitter)
	go server.RunSnapshotLoop(ctx, bal, cfg.SnapshotInterval)

	drainable := &inflight.Counter{}
	h := server.New(cfg, bal, drainable)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	go func() {
		logx.Log.Info().Int("port", cfg.Port).Msg("balancer listening")
		serverstate.SetStatus("ready")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	logx.Log.Info().Msg("shutdown requested")
	serverstate.StartDrain()

	drainCtx := context.Background()
	if cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(drainCtx, cfg.DrainTimeout)
		defer cancel()
	}
	if !drainable.WaitForZero(drainCtx) {
		logx.Log.Warn().Int64("in_flight", drainable.Load()).Msg("drain timeout; shutting down anyway")
	}

	// Persist one final snapshot so a restart warm-starts from fresh metrics.
	if hs, err := bal.GetHealthStatus(context.Background()); err == nil {
		st := serverstate.Current()
		s := st.Load()
		s.SavedAt = hs.TakenAt
		s.Instances = hs.Instances
		st.Store(s)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logx.Log.Info().Msg("balancer stopped")
}
