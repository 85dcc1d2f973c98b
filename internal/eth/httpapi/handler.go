package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/stacks-bridge/internal/bridgeabi"
	"github.com/juno-intents/stacks-bridge/internal/chain"
	"github.com/juno-intents/stacks-bridge/internal/eth"
)

// Wallet is the key holder behind the handler.
type Wallet interface {
	chain.Submitter
	Account() common.Address
}

type Config struct {
	// AuthToken enables bearer-token auth on every request when set.
	AuthToken string

	ChainID uint64

	// AllowedTargets, when non-empty, is the set of contracts the wallet will call. Anything else
	// is refused as if the user had rejected it.
	AllowedTargets []common.Address
	// AllowedMethods, when non-empty, restricts calldata to these ABI method names.
	AllowedMethods []string

	// MaxBodyBytes limits request sizes to prevent memory DoS. Defaults to 1 MiB.
	MaxBodyBytes int64

	// SubmitTimeout bounds signing plus broadcast. Defaults to 60s.
	SubmitTimeout time.Duration

	Log *slog.Logger
}

func NewHandler(wallet Wallet, cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 60 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	targets := make(map[common.Address]bool, len(cfg.AllowedTargets))
	for _, a := range cfg.AllowedTargets {
		targets[a] = true
	}
	methods := make(map[string]bool, len(cfg.AllowedMethods))
	for _, m := range cfg.AllowedMethods {
		methods[m] = true
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /v1/account", func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), cfg.AuthToken) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "")
			return
		}
		writeJSON(w, http.StatusOK, AccountResponse{
			Address: wallet.Account().Hex(),
			ChainID: cfg.ChainID,
		})
	})

	mux.HandleFunc("POST /v1/submit", func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), cfg.AuthToken) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()

		var req SubmitRequest
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidJSON, "")
			return
		}

		// Reject trailing garbage.
		if dec.More() {
			writeError(w, http.StatusBadRequest, CodeInvalidJSON, "")
			return
		}

		spec, code := parseSubmit(req)
		if code != "" {
			writeError(w, http.StatusBadRequest, code, "")
			return
		}

		if len(targets) > 0 && !targets[spec.To] {
			cfg.Log.Warn("refusing call to unlisted contract", "to", spec.To)
			writeError(w, http.StatusForbidden, CodeUserRejected, "target not allowed")
			return
		}
		if len(methods) > 0 {
			name, err := bridgeabi.MethodName(spec.Data)
			if err != nil || !methods[name] {
				cfg.Log.Warn("refusing unlisted method", "to", spec.To)
				writeError(w, http.StatusForbidden, CodeUserRejected, "method not allowed")
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.SubmitTimeout)
		defer cancel()

		h, err := wallet.Submit(ctx, spec)
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				writeError(w, http.StatusGatewayTimeout, CodeTimeout, "")
			case errors.Is(err, context.Canceled):
				writeError(w, http.StatusRequestTimeout, CodeCanceled, "")
			case chain.IsUserRejection(err), errors.Is(err, eth.ErrFromMismatch):
				writeError(w, http.StatusForbidden, CodeUserRejected, err.Error())
			default:
				cfg.Log.Error("submit failed", "to", spec.To, "err", err)
				// Node errors such as "insufficient funds" are actionable; key material never
				// reaches err.
				writeError(w, http.StatusBadGateway, CodeSubmitFailed, err.Error())
			}
			return
		}

		cfg.Log.Info("submitted", "to", spec.To, "txHash", h)
		writeJSON(w, http.StatusOK, SubmitResponse{TxHash: h.Hex()})
	})

	return mux
}

// parseSubmit returns a non-empty error code when req is malformed.
func parseSubmit(req SubmitRequest) (chain.TxSpec, string) {
	var spec chain.TxSpec

	if req.From != "" {
		if !common.IsHexAddress(req.From) {
			return spec, "invalid_from"
		}
		spec.From = common.HexToAddress(req.From)
	}
	if !common.IsHexAddress(req.To) {
		return spec, "invalid_to"
	}
	spec.To = common.HexToAddress(req.To)

	if req.Data != "" {
		b, err := hexutil.Decode(req.Data)
		if err != nil {
			return spec, "invalid_data"
		}
		spec.Data = b
	}

	var ok bool
	if spec.Value, ok = parseWei(req.ValueWei); !ok {
		return spec, "invalid_value_wei"
	}
	if spec.Value == nil {
		spec.Value = big.NewInt(0)
	}
	if spec.MaxFeePerGas, ok = parseWei(req.MaxFeePerGasWei); !ok {
		return spec, "invalid_max_fee_per_gas_wei"
	}
	if spec.MaxPriorityFeePerGas, ok = parseWei(req.MaxPriorityFeePerGasWei); !ok {
		return spec, "invalid_max_priority_fee_per_gas_wei"
	}
	spec.GasLimit = req.GasLimit
	return spec, ""
}

// parseWei parses an optional non-negative decimal; empty yields nil.
func parseWei(s string) (*big.Int, bool) {
	if s == "" {
		return nil, true
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	// Conservative parsing: exact "Bearer <token>" with single space.
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}
