package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/mieweb/mieapi-go/internal/config"
	"github.com/mieweb/mieapi-go/internal/endpoint"
	"github.com/mieweb/mieapi-go/internal/metrics"
	"github.com/mieweb/mieapi-go/internal/mieapi"
	"github.com/mieweb/mieapi-go/internal/session"
)

// apiRuntime is everything a backend-facing command needs, built once from
// the resolved config. One Manager backs one Client.
type apiRuntime struct {
	manager  *session.Manager
	client   *mieapi.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	closers  []func() error
}

// newRuntime wires store, strategy, manager, endpoint table, and client.
func newRuntime(cfg *config.Config, logger *slog.Logger) (*apiRuntime, error) {
	if err := config.ValidateConnection(&cfg.Connection); err != nil {
		return nil, fmt.Errorf("connection settings: %w", err)
	}

	table, err := buildTable(cfg)
	if err != nil {
		return nil, err
	}

	enc, err := mieapi.ParseParamEncoding(cfg.Connection.ParamEncoding)
	if err != nil {
		return nil, err
	}

	rt := &apiRuntime{registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.metrics = metrics.New(rt.registry)

	store := rt.buildStore(cfg, logger)
	httpClient := newHTTPClient(cfg)
	strategy := buildStrategy(cfg, httpClient, logger)

	rt.manager = session.NewManager(strategy, store, cfg.SessionTTL(), rt.metrics, logger)
	rt.client = mieapi.NewClient(cfg.Connection.BaseURL, httpClient, rt.manager, table, logger, mieapi.Options{
		PathPrefix:    cfg.Connection.PathPrefix,
		ParamEncoding: enc,
		UserAgent:     cfg.Network.UserAgent,
		Metrics:       rt.metrics,
	})

	return rt, nil
}

// Close releases the session store connection, if any.
func (rt *apiRuntime) Close() error {
	var errs []error

	for _, c := range rt.closers {
		errs = append(errs, c())
	}

	return errors.Join(errs...)
}

func (rt *apiRuntime) buildStore(cfg *config.Config, logger *slog.Logger) session.Store {
	if cfg.Session.Cache != config.CacheRedis {
		return session.NewMemoryStore()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Session.RedisAddr,
		Password: cfg.Session.RedisPassword,
		DB:       cfg.Session.RedisDB,
	})
	rt.closers = append(rt.closers, rdb.Close)

	logger.Debug("using redis session cache",
		slog.String("addr", cfg.Session.RedisAddr),
		slog.Int("db", cfg.Session.RedisDB),
	)

	return session.NewRedisStore(rdb, cfg.Session.RedisPrefix)
}

func buildStrategy(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) session.AuthStrategy {
	conn := cfg.Connection

	if conn.Strategy == config.StrategyConnectToken {
		return session.NewConnectTokenStrategy(session.ConnectTokenConfig{
			BaseURL:       conn.BaseURL,
			UserID:        conn.UserID,
			ConnectToken:  conn.ConnectToken,
			IPAddress:     conn.IPAddress,
			RefreshLayout: conn.RefreshLayout,
			UserAgent:     cfg.Network.UserAgent,
		}, httpClient, logger)
	}

	return session.NewPasswordStrategy(conn.BaseURL, conn.Username, conn.Password, httpClient, logger)
}

// buildTable overlays [endpoints] from the config on the built-in table.
func buildTable(cfg *config.Config) (*endpoint.Table, error) {
	merged, err := endpoint.Merge(endpoint.Defaults(), cfg.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("endpoint table: %w", err)
	}

	table, err := endpoint.NewTable(merged)
	if err != nil {
		return nil, fmt.Errorf("endpoint table: %w", err)
	}

	return table, nil
}
