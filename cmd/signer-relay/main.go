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
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/stacks-bridge/internal/bridgeabi"
	"github.com/juno-intents/stacks-bridge/internal/eth"
	"github.com/juno-intents/stacks-bridge/internal/eth/httpapi"
	"github.com/juno-intents/stacks-bridge/internal/networks"
	"github.com/juno-intents/stacks-bridge/internal/queue"
	"github.com/juno-intents/stacks-bridge/internal/secrets"
)

func main() {
	var (
		chainIDFlag  = flag.Uint64("chain-id", 0, "EVM chain id to sign for (required)")
		rpcURLs      = flag.String("rpc-urls", "", "comma-separated JSON-RPC URLs (default: from the network table)")
		networksFile = flag.String("networks-file", "", "YAML network table (default: built-in table)")
		envPrefix    = flag.String("env-prefix", "STACKS_BRIDGE", "prefix of per-chain RPC override env vars")
		listenAddr   = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		keySecret = flag.String("key-secret", "env:BRIDGE_SIGNER_PRIVATE_KEY", "private key reference: env:NAME or aws:SECRET_ID[#field]")
		tokenEnv  = flag.String("auth-env", "BRIDGE_SIGNER_AUTH_TOKEN", "env var containing bearer auth token (required)")

		minTipGwei    = flag.Int64("min-tip-gwei", 0, "minimum priority fee (gwei)")
		gasMult       = flag.Float64("gas-mult", 1.2, "gas limit multiplier when the caller leaves the limit unset")
		submitTimeout = flag.Duration("submit-timeout", 60*time.Second, "bound on signing plus broadcast")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *chainIDFlag == 0 {
		fmt.Fprintln(os.Stderr, "error: --chain-id is required")
		os.Exit(2)
	}
	if *minTipGwei < 0 || *gasMult < 1 || *submitTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --min-tip-gwei must be >= 0, --gas-mult >= 1, --submit-timeout > 0")
		os.Exit(2)
	}
	authToken := os.Getenv(*tokenEnv)
	if authToken == "" {
		fmt.Fprintf(os.Stderr, "error: missing auth token in env %s\n", *tokenEnv)
		os.Exit(2)
	}

	table, err := networks.Load(*networksFile, *envPrefix, []uint64{*chainIDFlag})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load networks: %v\n", err)
		os.Exit(2)
	}
	network, err := table.Lookup(*chainIDFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if urls := queue.SplitCommaList(*rpcURLs); len(urls) > 0 {
		network.RPCURLs = urls
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 10*time.Second)
	defer cancelStartup()

	raw, err := secrets.NewResolver().Get(startupCtx, *keySecret)
	if err != nil {
		log.Error("resolve signing key", "err", err)
		os.Exit(2)
	}
	key, err := eth.ParsePrivateKeyHex(raw)
	if err != nil {
		log.Error("parse signing key", "err", err)
		os.Exit(2)
	}

	client, rpcURL, err := eth.DialFirst(startupCtx, network.RPCURLs, network.ChainID)
	if err != nil {
		log.Error("dial rpc", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	signer := eth.NewLocalSigner(key)
	submitter, err := eth.NewKeySubmitter(client, signer, eth.SubmitterConfig{
		ChainID:            new(big.Int).SetUint64(network.ChainID),
		GasLimitMultiplier: *gasMult,
		MinTipCap:          new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000)),
	})
	if err != nil {
		log.Error("init submitter", "err", err)
		os.Exit(2)
	}

	handler := httpapi.NewHandler(submitter, httpapi.Config{
		AuthToken:      authToken,
		ChainID:        network.ChainID,
		AllowedTargets: []common.Address{network.Token, network.Bridge},
		AllowedMethods: []string{bridgeabi.MethodApprove, bridgeabi.MethodDepositToRemote},
		MaxBodyBytes:   1 << 16,
		SubmitTimeout:  *submitTimeout,
		Log:            log,
	})

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      *submitTimeout + 10*time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("signer-relay listening", "addr", srv.Addr, "chainID", network.ChainID, "account", signer.Address(), "rpc", rpcURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "signal", ctx.Err())
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
