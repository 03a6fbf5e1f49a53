// Command endpointd is the endpoint node binary: it exposes the
// subscriber-facing push endpoint (publicapi), runs the delivery pipeline
// (C7) to either hand a notification off to a live connection node or park
// it in storage, and publishes the same operational routes connectiond
// does. Wiring style mirrors cmd/connectiond/main.go, itself grounded on
// the teacher's cmd/single/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/mozilla-services/autopush-rs-sub001/internal/audit"
	"github.com/mozilla-services/autopush-rs-sub001/internal/config"
	"github.com/mozilla-services/autopush-rs-sub001/internal/delivery"
	"github.com/mozilla-services/autopush-rs-sub001/internal/logging"
	"github.com/mozilla-services/autopush-rs-sub001/internal/metrics"
	"github.com/mozilla-services/autopush-rs-sub001/internal/opsroutes"
	"github.com/mozilla-services/autopush-rs-sub001/internal/publicapi"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store/memstore"
	"github.com/mozilla-services/autopush-rs-sub001/internal/store/postgres"
	"github.com/mozilla-services/autopush-rs-sub001/internal/tokens"
)

var buildVersion = "dev"

func main() {
	log := logging.New(logging.Config{Service: "endpointd"})

	cfg, err := config.LoadEndpoint(&log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat), Service: "endpointd"})

	st, err := openEndpointStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open message store")
	}

	ring, err := buildKeyRing(cfg.CryptoKeys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build crypto key ring")
	}

	metrics.Register()

	var clusterSecret []byte
	if cfg.ClusterSecret != "" {
		clusterSecret = []byte(cfg.ClusterSecret)
	}
	pipeline := delivery.New(st, ring, clusterSecret, cfg.RouterTimeout, log)

	auditProducer, err := audit.NewProducer(splitBrokers(cfg.AuditBrokers), cfg.AuditTopic, log)
	if err != nil {
		log.Warn().Err(err).Msg("failed to start delivery audit producer, continuing without it")
	}
	pipeline.Audit = auditProducer
	if auditProducer != nil {
		defer auditProducer.Close()
	}

	gc, err := audit.NewGCConsumer(audit.GCConfig{
		Brokers: splitBrokers(cfg.AuditBrokers), ConsumerGroup: cfg.AuditGroup, Topic: cfg.AuditTopic, Store: st, Log: log,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to start delivery audit GC consumer, continuing without it")
	}
	gcCtx, gcCancel := context.WithCancel(context.Background())
	defer gcCancel()
	if gc != nil {
		go gc.Run(gcCtx)
	}

	mux := http.NewServeMux()
	mux.Handle("/", opsroutes.NewRouter(&opsroutes.Server{
		Store: st, Version: buildVersion, ServiceName: "endpointd", Log: log,
	}))
	mux.Handle("/metrics", metrics.Handler())
	pushRouter := publicapi.NewRouter(&publicapi.Server{
		Tokens: ring, Pipeline: pipeline, MaxDataBytes: int64(cfg.MaxDataBytes), Log: log,
	})
	mux.Handle("/wpush/", pushRouter)
	mux.Handle("/m/", pushRouter)
	mux.Handle("/v1/", delivery.NewRegistrationRouter(&delivery.Registrar{
		Store: st, Tokens: ring,
		EndpointScheme: cfg.EndpointScheme, EndpointHost: cfg.EndpointHost, EndpointPort: cfg.EndpointPort,
		Log: log,
	}))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("endpoint node listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listener failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down endpoint node")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func splitBrokers(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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

func openEndpointStore(cfg *config.Endpoint) (store.Store, error) {
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
