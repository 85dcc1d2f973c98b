package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/stacks-bridge/internal/balances"
	"github.com/juno-intents/stacks-bridge/internal/bridgeapi"
	"github.com/juno-intents/stacks-bridge/internal/eth"
	"github.com/juno-intents/stacks-bridge/internal/eth/httpapi"
	"github.com/juno-intents/stacks-bridge/internal/events"
	"github.com/juno-intents/stacks-bridge/internal/history"
	historypg "github.com/juno-intents/stacks-bridge/internal/history/postgres"
	"github.com/juno-intents/stacks-bridge/internal/leases"
	leasespg "github.com/juno-intents/stacks-bridge/internal/leases/postgres"
	"github.com/juno-intents/stacks-bridge/internal/networks"
	"github.com/juno-intents/stacks-bridge/internal/pipeline"
	"github.com/juno-intents/stacks-bridge/internal/queue"
	"github.com/juno-intents/stacks-bridge/internal/secrets"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8082", "HTTP listen address")

		networksFile = flag.String("networks-file", "", "YAML network table (default: built-in table)")
		envPrefix    = flag.String("env-prefix", "STACKS_BRIDGE", "prefix of per-chain RPC override env vars")
		chainsFlag   = flag.String("chains", "", "comma-separated chain ids to serve (default: all)")

		keySecret     = flag.String("key-secret", "", "private key reference: env:NAME or aws:SECRET_ID[#field]")
		signerURL     = flag.String("signer-url", "", "remote signer base URL (alternative to --key-secret)")
		signerAuthEnv = flag.String("signer-auth-env", "BRIDGE_SIGNER_AUTH_TOKEN", "env var containing the remote signer bearer token")

		minTipGwei     = flag.Int64("min-tip-gwei", 0, "minimum priority fee (gwei)")
		confirmTimeout = flag.Duration("confirm-timeout", pipeline.DefaultConfirmTimeout, "per-transaction confirmation timeout")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN for history and session leases (optional)")
		leaseTTL    = flag.Duration("lease-ttl", 30*time.Second, "bridge session lease TTL")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver for transfer events (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", "", "queue brokers (comma-separated); empty disables kafka events")
		queueTLS     = flag.Bool("queue-tls", false, "use TLS for kafka brokers")
		eventsTopic  = flag.String("events-topic", events.DefaultTopic, "queue topic for transfer events")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 30*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *keySecret != "" && *signerURL != "" {
		fmt.Fprintln(os.Stderr, "error: use only one of --key-secret or --signer-url")
		os.Exit(2)
	}
	if *minTipGwei < 0 || *confirmTimeout <= 0 || *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --min-tip-gwei must be >= 0, --confirm-timeout and --lease-ttl must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	chainIDs, err := networks.ParseChainIDs(*chainsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --chains: %v\n", err)
		os.Exit(2)
	}
	table, err := networks.Load(*networksFile, *envPrefix, chainIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load networks: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	minTipWei := new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000))

	var wallet eth.WalletFunc
	switch {
	case *keySecret != "":
		raw, err := secrets.NewResolver().Get(ctx, *keySecret)
		if err != nil {
			log.Error("resolve signing key", "err", err)
			os.Exit(2)
		}
		key, err := eth.ParsePrivateKeyHex(raw)
		if err != nil {
			log.Error("parse signing key", "err", err)
			os.Exit(2)
		}
		wallet = eth.KeyWallet(key, minTipWei)
	case *signerURL != "":
		client, err := httpapi.NewClient(*signerURL, os.Getenv(*signerAuthEnv))
		if err != nil {
			log.Error("init remote signer client", "err", err)
			os.Exit(2)
		}
		wallet = httpapi.RemoteWallet(client)
	default:
		log.Warn("no signer configured; bridge endpoints are read-only")
	}

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	registry, closeChains, err := eth.DialRegistry(startupCtx, eth.RegistryConfig{
		Networks: table.All(),
		Wallet:   wallet,
		Log:      log,
	})
	cancelStartup()
	if err != nil {
		log.Error("connect chains", "err", err)
		os.Exit(1)
	}
	defer closeChains()

	var (
		historyStore history.Store
		leaseStore   leases.Store
	)
	if *postgresDSN != "" {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		hs, err := historypg.New(pool)
		if err != nil {
			log.Error("init history store", "err", err)
			os.Exit(2)
		}
		if err := hs.EnsureSchema(ctx); err != nil {
			log.Error("ensure history schema", "err", err)
			os.Exit(2)
		}
		ls, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := ls.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		historyStore, leaseStore = hs, ls
	}

	var onTransition func(pipeline.Snapshot)
	if strings.TrimSpace(*queueBrokers) != "" || *queueDriver == queue.DriverStdio {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			TLS:     *queueTLS,
			Writer:  os.Stdout,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()

		pub, err := events.NewPublisher(producer, *eventsTopic, log)
		if err != nil {
			log.Error("init event publisher", "err", err)
			os.Exit(2)
		}
		onTransition = pub.Observe
		log.Info("transfer events enabled", "queueDriver", *queueDriver, "topic", pub.Topic())
	}

	sessions, err := bridgeapi.NewSessions(bridgeapi.SessionsConfig{
		Registry: registry,
		Pipeline: pipeline.Config{
			Networks:       table,
			MinTipCap:      minTipWei,
			ConfirmTimeout: *confirmTimeout,
			OnTransition:   onTransition,
			Log:            log,
		},
		Leases:   leaseStore,
		LeaseTTL: *leaseTTL,
		Owner:    "bridge-api/" + uuid.NewString(),
		Log:      log,
	})
	if err != nil {
		log.Error("init bridge sessions", "err", err)
		os.Exit(2)
	}
	defer sessions.Close()

	handler, err := bridgeapi.NewHandler(bridgeapi.Config{
		Networks:                table,
		Sessions:                sessions,
		Balances:                balances.NewFetcher(registry),
		History:                 historyStore,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Log:                     log,
		Now:                     time.Now,
	})
	if err != nil {
		log.Error("init bridge api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge-api listening", "addr", *listenAddr, "chains", table.ChainIDs())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
