package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"collabtext/internal/catalog"
	"collabtext/internal/catalog/boltstore"
	"collabtext/internal/catalog/pgstore"
	"collabtext/internal/collab"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/logging"
	"collabtext/internal/metrics"
	"collabtext/internal/relay"
	"collabtext/internal/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Address to listen on (overrides config)")
}

// connectBackoff retries startup connections to backing services.
func connectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	b.Reset()
	return backoff.WithContext(b, ctx)
}

func retry(ctx context.Context, what string, op func() error) error {
	log := logging.For("main")
	return backoff.RetryNotify(op, connectBackoff(ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msgf("%s not ready", what)
	})
}

func openStore(ctx context.Context, cfg *config.Config) (catalog.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return catalog.NewMemory(), nil
	case config.DriverBolt:
		store, err := boltstore.Open(cfg.Store.BoltPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverPostgres:
		var store *pgstore.Store
		err := retry(ctx, "postgres", func() error {
			s, err := pgstore.Connect(ctx, cfg.Store.DatabaseURL)
			if err != nil {
				return err
			}
			store = s
			return nil
		})
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func openRelay(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (relay.Relay, func(), error) {
	if cfg.Redis.Addr == "" {
		return relay.Nop{}, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	err := retry(ctx, "redis", func() error { return client.Ping(ctx).Err() })
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	r := relay.NewRedis(ctx, client,
		relay.WithPrefix(cfg.Redis.Prefix),
		relay.WithNode(uuid.NewString()),
		relay.WithBuffer(cfg.SendBuffer),
		relay.WithMetrics(m),
	)
	return r, func() {
		r.Close()
		client.Close()
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Output: os.Stderr,
		Pretty: cfg.Log.Pretty,
	})
	log := logging.For("main")
	log.Info().Str("version", Version).Str("store", cfg.Store.Driver).Msg("starting collabtext")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := metrics.New(reg)

	rly, closeRelay, err := openRelay(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer closeRelay()

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Listen
	srvCfg.Debounce = cfg.Debounce
	srvCfg.AuthTimeout = cfg.AuthTimeout
	srvCfg.Hub = collab.Config{
		SendBuffer:   cfg.SendBuffer,
		LoadTimeout:  cfg.LoadTimeout,
		FlushTimeout: cfg.FlushTimeout,
		RelayTimeout: collab.DefaultConfig().RelayTimeout,
		StateTimeout: cfg.StateTimeout,
	}
	srv := server.New(srvCfg, server.Deps{Store: store, Relay: rly, Registry: reg, Metrics: m})

	if cfg.Discovery.Enabled {
		adv, err := advertise(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("mDNS advertisement disabled")
		} else {
			defer adv.Close()
		}
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdown(srv)
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}
	shutdown(srv)
	log.Info().Msg("server stopped")
	return nil
}

func shutdown(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log := logging.For("main")
		log.Error().Err(err).Msg("shutdown failed")
	}
}

func advertise(cfg *config.Config) (*discovery.Advertiser, error) {
	_, portStr, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}
	instance := cfg.Discovery.Instance
	if instance == "" {
		instance = discovery.InstanceName()
	}
	return discovery.Advertise(instance, port, []string{"version=" + Version, "path=/ws"})
}
