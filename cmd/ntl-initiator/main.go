// Command ntl-initiator runs the battery-node role against a remote radio
// agent: scan for trusted beacons, connect, answer the challenge, and offload
// one sensor record per session.
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
	"github.com/nitelink/ntl-go/initiator"
	"github.com/nitelink/ntl-go/internal/cmdutil"
	ntlversion "github.com/nitelink/ntl-go/internal/version"
	"github.com/nitelink/ntl-go/observability/prom"
	"github.com/nitelink/ntl-go/transport/wsbridge"
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
	registryPath := cmdutil.EnvString("NTL_REGISTRY_FILE", "initiator.json")
	agentURL := cmdutil.EnvString("NTL_AGENT_URL", "ws://127.0.0.1:8790/radio")
	metricsAddr := cmdutil.EnvString("NTL_METRICS_ADDR", "")
	cooldown, err := cmdutil.EnvDuration("NTL_RETRY_COOLDOWN", 0)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	sessionTimeout, err := cmdutil.EnvDuration("NTL_SESSION_TIMEOUT", 0)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	connectUnmatched, err := cmdutil.EnvBool("NTL_CONNECT_UNMATCHED", false)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	debug, err := cmdutil.EnvBool("NTL_DEBUG", false)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	fs := flag.NewFlagSet("ntl-initiator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.StringVar(&registryPath, "registry", registryPath, "registry file path (env: NTL_REGISTRY_FILE)")
	fs.StringVar(&agentURL, "agent-url", agentURL, "radio agent websocket URL (env: NTL_AGENT_URL)")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "prometheus listen address, empty disables (env: NTL_METRICS_ADDR)")
	fs.DurationVar(&cooldown, "retry-cooldown", cooldown, "delay before rescanning after a session (env: NTL_RETRY_COOLDOWN)")
	fs.DurationVar(&sessionTimeout, "session-timeout", sessionTimeout, "per-session timeout (env: NTL_SESSION_TIMEOUT)")
	fs.BoolVar(&connectUnmatched, "connect-unmatched", connectUnmatched, "connect to advertisers absent from the registry (env: NTL_CONNECT_UNMATCHED)")
	fs.BoolVar(&debug, "debug", debug, "verbose logging (env: NTL_DEBUG)")
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

	cfg := initiator.DefaultConfig()
	if cooldown > 0 {
		cfg.RetryCooldown = cooldown
	}
	if sessionTimeout > 0 {
		cfg.SessionTimeout = sessionTimeout
	}
	cfg.ConnectUnmatched = connectUnmatched

	opts := []initiator.Option{initiator.WithLogger(log)}
	if metricsAddr != "" {
		promReg := prom.NewRegistry()
		opts = append(opts, initiator.WithObserver(prom.NewObserver(promReg)))
		go serveMetrics(log, metricsAddr, prom.Handler(promReg))
	}

	eng := initiator.New(reg, port, cfg, opts...)
	log.Info("initiator running",
		zap.Uint32("device_id", reg.Self().DeviceID),
		zap.Int("known_peers", reg.PeerCount()),
		zap.String("agent_url", agentURL))
	err = eng.Run(ctx)
	_ = eng.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("initiator stopped", zap.Error(err))
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
