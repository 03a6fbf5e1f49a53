// Command connectiond is the connection node binary: it terminates
// subscriber WebSocket sessions (C4/C5/C6) and exposes the intra-cluster
// routing API (C8) the endpoint node uses to hand off live notifications.
// Wiring style follows the teacher's cmd/single/main.go: load config, build
// dependencies directly, start listeners, block on a signal, shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/mozilla-services/autopush-rs-sub001/internal/apperror"
	"github.com/mozilla-services/autopush-rs-sub001/internal/appstate"
	"github.com/mozilla-services/autopush-rs-sub001/internal/broadcast"
	"github.com/mozilla-services/autopush-rs-sub001/internal/config"
	"github.com/mozilla-services/autopush-rs-sub001/internal/logging"
	"github.com/mozilla-services/autopush-rs-sub001/internal/metrics"
	"github.com/mozilla-services/autopush-rs-sub001/internal/opsroutes"
	"github.com/mozilla-services/autopush-rs-sub001/internal/ratelimit"
	"github.com/mozilla-services/autopush-rs-sub001/internal/registry"
	"github.com/mozilla-services/autopush-rs-sub001/internal/routing"
	"github.com/mozilla-services/autopush-rs-sub001/internal/session"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store/memstore"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store/postgres"
	"github.com/mozilla-services/autopush-rs-sub001/internal/sysres"
	"github.com/mozilla-services/autopush-rs-sub001/internal/tokens"
	"github.com/mozilla-services/autopush-rs-sub001/internal/wsconn"
)

var buildVersion = "dev"

func main() {
	log := logging.New(logging.Config{Service: "connectiond"})

	cfg, err := config.LoadConnection(&log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat), Service: "connectiond"})

	st, err := openConnectionStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open message store")
	}

	ring, err := buildKeyRing(cfg.CryptoKeys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build crypto key ring")
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to NATS, broadcast propagation limited to local polling")
		}
	}

	tracker := broadcast.New()
	if nc != nil {
		if _, err := broadcast.Subscribe(nc, cfg.MegaphoneNATSSubject, tracker, log); err != nil {
			log.Warn().Err(err).Msg("failed to subscribe to broadcast NATS subject")
		}
	}
	updater := broadcast.NewUpdater(tracker, cfg.MegaphoneAPIURL, cfg.MegaphoneAPIToken, cfg.MegaphonePollInterval, nc, cfg.MegaphoneNATSSubject, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go updater.Run(ctx)

	reg := registry.New()
	app := &appstate.AppState{
		Config:     cfg,
		Store:      st,
		Registry:   reg,
		Broadcasts: tracker,
		Tokens:     ring,
		Logger:     &log,
		RouterURL:  fmt.Sprintf("http://%s:%d", cfg.Hostname, cfg.RouterPort),
	}

	metrics.Register()

	var currentConns int64
	cpuMonitor := sysres.NewCPUMonitor(log)
	guard := sysres.NewGuard(cfg.MaxConnections, cfg.MaxGoroutines, cfg.CPURejectThreshold, &currentConns, cpuMonitor, log)

	var limiter *ratelimit.Limiter
	if cfg.ConnRateLimitEnabled {
		limiter = ratelimit.New(ratelimit.Config{
			IPRate:      cfg.ConnRateLimitIPRate,
			IPBurst:     cfg.ConnRateLimitIPBurst,
			GlobalRate:  cfg.ConnRateLimitGlobalRate,
			GlobalBurst: cfg.ConnRateLimitGlobalBurst,
		}, log)
		defer limiter.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("/", opsroutes.NewRouter(&opsroutes.Server{
		Store: st, Version: buildVersion, ServiceName: "connectiond",
		ConnCount: reg.Len, Log: log,
	}))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/push-ws", upgradeHandler(ctx, app, guard, limiter, &currentConns, cfg, log))

	publicSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	var clusterSecret []byte
	if cfg.ClusterSecret != "" {
		clusterSecret = []byte(cfg.ClusterSecret)
	}
	routerSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.RouterPort),
		Handler: routing.NewRouter(&routing.Server{Registry: reg}, clusterSecret),
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("connection node listening")
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("public listener failed")
		}
	}()
	go func() {
		log.Info().Int("port", cfg.RouterPort).Msg("intra-cluster router listening")
		if err := routerSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("router listener failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down connection node")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.CloseHandshakeTimeout)
	defer shutdownCancel()
	_ = publicSrv.Shutdown(shutdownCtx)
	_ = routerSrv.Shutdown(shutdownCtx)
}

// upgradeHandler performs connection admission in the order the teacher's
// handleWebSocket checks them: resource guard, then rate limiter, then the
// WebSocket upgrade itself.
func upgradeHandler(ctx context.Context, app *appstate.AppState, guard *sysres.Guard, limiter *ratelimit.Limiter, currentConns *int64, cfg *config.Connection, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, reason := guard.ShouldAccept(); !ok {
			metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}

		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		if limiter != nil && !limiter.Allow(ip) {
			metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		raw, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
			return
		}

		metrics.ConnectionsTotal.Inc()
		metrics.ConnectionsActive.Inc()
		addConn(currentConns, 1)
		userAgent := r.UserAgent()

		go func() {
			defer func() {
				metrics.ConnectionsActive.Dec()
				addConn(currentConns, -1)
			}()
			runSession(ctx, app, raw, userAgent, cfg, log)
		}()
	}
}

func addConn(counter *int64, delta int64) {
	atomic.AddInt64(counter, delta)
}

func runSession(ctx context.Context, app *appstate.AppState, raw net.Conn, userAgent string, cfg *config.Connection, log zerolog.Logger) {
	conn := wsconn.Upgrade(raw, cfg.AutoPingInterval+cfg.AutoPingTimeout, cfg.CloseHandshakeTimeout)
	client, _, err := session.Identify(ctx, app, conn, userAgent, log)
	if err != nil {
		metrics.SessionCloses.WithLabelValues(string(closeKind(err))).Inc()
		_ = conn.Close()
		return
	}
	if err := client.Run(ctx); err != nil {
		metrics.SessionCloses.WithLabelValues(string(closeKind(err))).Inc()
	}
}

func closeKind(err error) apperror.Kind {
	if k, ok := apperror.KindOf(err); ok {
		return k
	}
	return apperror.Kind("unknown")
}

func buildKeyRing(raw string) (*tokens.KeyRing, error) {
	parts := config.CryptoKeyRing(raw)
	keys := make([]tokens.Key, 0, len(parts))
	for _, p := range parts {
		k, err := tokens.ParseKey(p)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		keys = append(keys, tokens.Key{})
	}
	return tokens.NewKeyRing(keys...)
}

func openConnectionStore(cfg *config.Connection) (store.Store, error) {
	if cfg.DB.DSN == "" {
		return memstore.New(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return postgres.New(ctx, postgres.Config{
		DSN:              cfg.DB.DSN,
		RouterTableName:  cfg.DB.RouterTableName,
		MessageTableName: cfg.DB.MessageTableName,
		MaxPoolSize:      int32(cfg.DB.MaxPoolSize),
	})
}
