package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juno-intents/stacks-bridge/internal/amount"
	"github.com/juno-intents/stacks-bridge/internal/eth"
	"github.com/juno-intents/stacks-bridge/internal/eth/httpapi"
	"github.com/juno-intents/stacks-bridge/internal/events"
	"github.com/juno-intents/stacks-bridge/internal/networks"
	"github.com/juno-intents/stacks-bridge/internal/pipeline"
	"github.com/juno-intents/stacks-bridge/internal/secrets"
	"github.com/juno-intents/stacks-bridge/internal/stacksaddr"
)

type output struct {
	ChainID       uint64           `json:"chainId"`
	Amount        string           `json:"amount"`
	AmountDisplay string           `json:"amountDisplay"`
	Recipient     string           `json:"recipient"`
	Result        *pipeline.Result `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
}

func main() {
	var (
		chainIDFlag  = flag.Uint64("chain-id", 0, "EVM chain id to bridge from (required)")
		networksFile = flag.String("networks-file", "", "YAML network table (default: built-in table)")
		envPrefix    = flag.String("env-prefix", "STACKS_BRIDGE", "prefix of per-chain RPC override env vars")

		amountFlag       = flag.String("amount", "", "USDC amount as a decimal, e.g. 12.5 (required)")
		recipient        = flag.String("recipient", "", "Stacks recipient address")
		recipientFromKey = flag.Bool("recipient-from-key", false, "send to the Stacks address of the signing key")
		minOutFlag       = flag.String("min-amount-out", "", "least the recipient may receive, as a decimal")

		keySecret     = flag.String("key-secret", "", "private key reference: env:NAME or aws:SECRET_ID[#field]")
		signerURL     = flag.String("signer-url", "", "remote signer base URL (alternative to --key-secret)")
		signerAuthEnv = flag.String("signer-auth-env", "BRIDGE_SIGNER_AUTH_TOKEN", "env var containing the remote signer bearer token")

		minTipGwei     = flag.Int64("min-tip-gwei", 0, "minimum priority fee (gwei)")
		confirmTimeout = flag.Duration("confirm-timeout", pipeline.DefaultConfirmTimeout, "per-transaction confirmation timeout")
		printEvents    = flag.Bool("events", false, "print each state transition as a JSON line on stderr")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *chainIDFlag == 0 {
		fmt.Fprintln(os.Stderr, "error: --chain-id is required")
		os.Exit(2)
	}
	if (*keySecret == "") == (*signerURL == "") {
		fmt.Fprintln(os.Stderr, "error: exactly one of --key-secret or --signer-url is required")
		os.Exit(2)
	}
	if (*recipient == "") == !*recipientFromKey {
		fmt.Fprintln(os.Stderr, "error: exactly one of --recipient or --recipient-from-key is required")
		os.Exit(2)
	}
	if *recipientFromKey && *keySecret == "" {
		fmt.Fprintln(os.Stderr, "error: --recipient-from-key requires --key-secret")
		os.Exit(2)
	}
	if *minTipGwei < 0 || *confirmTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --min-tip-gwei must be >= 0 and --confirm-timeout > 0")
		os.Exit(2)
	}
	units := amount.Parse(*amountFlag)
	if units == 0 {
		fmt.Fprintf(os.Stderr, "error: invalid --amount %q\n", *amountFlag)
		os.Exit(2)
	}
	var minOut *uint64
	if *minOutFlag != "" {
		v := amount.Parse(*minOutFlag)
		if v == 0 {
			fmt.Fprintf(os.Stderr, "error: invalid --min-amount-out %q\n", *minOutFlag)
			os.Exit(2)
		}
		minOut = &v
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	minTipWei := new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000))

	var wallet eth.WalletFunc
	if *keySecret != "" {
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
		if *recipientFromKey {
			addr, err := stacksaddr.FromPublicKey(eth.NewLocalSigner(key).CompressedPublicKey(), network.StacksNetwork())
			if err != nil {
				log.Error("derive recipient", "err", err)
				os.Exit(2)
			}
			*recipient = addr
		}
		wallet = eth.KeyWallet(key, minTipWei)
	} else {
		client, err := httpapi.NewClient(*signerURL, os.Getenv(*signerAuthEnv))
		if err != nil {
			log.Error("init remote signer client", "err", err)
			os.Exit(2)
		}
		wallet = httpapi.RemoteWallet(client)
	}

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	registry, closeChains, err := eth.DialRegistry(startupCtx, eth.RegistryConfig{
		Networks: []networks.Network{network},
		Wallet:   wallet,
		Log:      log,
	})
	cancelStartup()
	if err != nil {
		log.Error("connect chain", "err", err)
		os.Exit(1)
	}
	defer closeChains()

	client, err := registry.Wallet(network.ChainID)
	if err != nil {
		log.Error("no wallet for chain", "chainID", network.ChainID, "err", err)
		os.Exit(1)
	}

	var onTransition func(pipeline.Snapshot)
	if *printEvents {
		enc := json.NewEncoder(os.Stderr)
		onTransition = func(s pipeline.Snapshot) {
			if ev, ok := events.FromSnapshot(s); ok {
				_ = enc.Encode(ev)
				return
			}
			_ = enc.Encode(s)
		}
	}

	p, err := pipeline.New(pipeline.Config{
		Networks:       table,
		MinTipCap:      minTipWei,
		ConfirmTimeout: *confirmTimeout,
		OnTransition:   onTransition,
		Log:            log,
	})
	if err != nil {
		log.Error("init pipeline", "err", err)
		os.Exit(2)
	}

	req := pipeline.Request{
		Amount:       units,
		Recipient:    *recipient,
		MinAmountOut: minOut,
	}
	log.Info("bridging",
		"chainID", network.ChainID,
		"account", client.Account,
		"amount", amount.FormatFull(units),
		"recipient", req.Recipient,
	)

	res, runErr := p.Execute(ctx, pipeline.WalletFromClient(client), req)
	out := output{
		ChainID:       network.ChainID,
		Amount:        fmt.Sprintf("%d", units),
		AmountDisplay: amount.Format(units),
		Recipient:     req.Recipient,
	}
	if runErr != nil {
		out.Error = p.Snapshot().Message
		if out.Error == "" {
			out.Error = runErr.Error()
		}
	} else {
		out.Result = &res
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	if runErr != nil {
		log.Error("bridge failed", "err", runErr)
		os.Exit(1)
	}
}
