// Command ntl-responder runs the relay role against a remote radio agent:
// it advertises the current fix, accepts one inbound session at a time, and
// validates offloaded records.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nitelink/ntl-go/identity"
	"github.com/nitelink/ntl-go/internal/cmdutil"
	ntlversion "github.com/nitelink/ntl-go/internal/version"
	"github.com/nitelink/ntl-go/observability/prom"
	"github.com/nitelink/ntl-go/responder"
	"github.com/nitelink/ntl-go/transport/wsbridge"
	"github.com/nitelink/ntl-go/wire"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	registryPath := cmdutil.EnvString("NTL_REGISTRY_FILE", "responder.json")
	agentURL := cmdutil.EnvString("NTL_AGENT_URL", "ws://127.0.0.1:8790/radio")
	metricsAddr := cmdutil.EnvString("NTL_METRICS_ADDR", "")
	resumeDelay, err := cmdutil.EnvDuration("NTL_RESUME_DELAY", 0)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	idleTimeout, err := cmdutil.EnvDuration("NTL_SESSION_IDLE_TIMEOUT", 0)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	debug, err := cmdutil.EnvBool("NTL_DEBUG", false)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	fs := flag.NewFlagSet("ntl-responder", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.StringVar(&registryPath, "registry", registryPath, "registry file path (env: NTL_REGISTRY_FILE)")
	fs.StringVar(&agentURL, "agent-url", agentURL, "radio agent websocket URL (env: NTL_AGENT_URL)")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "prometheus listen address, empty disables (env: NTL_METRICS_ADDR)")
	fs.DurationVar(&resumeDelay, "resume-delay", resumeDelay, "pause before re-advertising after a session (env: NTL_RESUME_DELAY)")
	fs.DurationVar(&idleTimeout, "session-idle-timeout", idleTimeout, "inbound session idle timeout (env: NTL_SESSION_IDLE_TIMEOUT)")
	fs.BoolVar(&debug, "debug", debug, "verbose logging (env: NTL_DEBUG)")
	fixEpoch := fs.Uint("fix-epoch", 0, "fixed test fix: epoch seconds (0 defers advertising)")
	fixLat := fs.Int("fix-lat-e4", 0, "fixed test fix: latitude in 1e-4 degrees")
	fixLon := fs.Int("fix-lon-e4", 0, "fixed test fix: longitude in 1e-4 degrees")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Fprintln(os.Stdout, ntlversion.String(version, commit, date))
		return 0
	}

	log, err := newLogger(debug)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	reg, err := identity.LoadFile(registryPath)
	if err != nil {
		log.Error("registry load failed", zap.String("path", registryPath), zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port, err := wsbridge.Dial(ctx, agentURL, wsbridge.DefaultConfig())
	if err != nil {
		log.Error("agent dial failed", zap.String("url", agentURL), zap.Error(err))
		return 1
	}
	defer func() { _ = port.Close() }()

	cfg := responder.DefaultConfig()
	if resumeDelay > 0 {
		cfg.ResumeDelay = resumeDelay
	}
	if idleTimeout > 0 {
		cfg.SessionIdleTimeout = idleTimeout
	}

	opts := []responder.Option{responder.WithLogger(log)}
	if metricsAddr != "" {
		promReg := prom.NewRegistry()
		opts = append(opts, responder.WithObserver(prom.NewObserver(promReg)))
		go serveMetrics(log, metricsAddr, prom.Handler(promReg))
	}

	sink := responder.SinkFunc(func(rec wire.SensorRecord, from uint32) error {
		log.Info("record accepted",
			zap.Uint32("from", from),
			zap.Uint32("epoch", rec.EpochSeconds),
			zap.Int32("lat_e4", rec.LatitudeE4),
			zap.Int32("lon_e4", rec.LongitudeE4))
		return nil
	})

	eng := responder.New(reg, port, sink, cfg, opts...)
	if *fixEpoch > 0 {
		eng.UpdateFix(uint32(*fixEpoch), int32(*fixLat), int32(*fixLon))
	}

	log.Info("responder running",
		zap.Uint32("device_id", reg.Self().DeviceID),
		zap.String("agent_url", agentURL))
	err = eng.Run(ctx)
	_ = eng.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("responder stopped", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveMetrics(log *zap.Logger, addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
