package bridgeapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/stacks-bridge/internal/amount"
	"github.com/juno-intents/stacks-bridge/internal/balances"
	"github.com/juno-intents/stacks-bridge/internal/history"
	"github.com/juno-intents/stacks-bridge/internal/leases"
	"github.com/juno-intents/stacks-bridge/internal/networks"
	"github.com/juno-intents/stacks-bridge/internal/pipeline"
	"github.com/juno-intents/stacks-bridge/internal/stacksaddr"
)

var ErrInvalidConfig = errors.New("bridgeapi: invalid config")

const maxBodyBytes = 1 << 16

type Config struct {
	Networks *networks.Table
	Sessions *Sessions

	// Balances and History are optional; their endpoints answer 503 when unset.
	Balances BalanceReader
	History  history.Store

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Log *slog.Logger
	Now func() time.Time
}

type BalanceReader interface {
	Fetch(ctx context.Context, chainID uint64, account common.Address) (balances.Balance, error)
}

func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Networks == nil {
		return nil, fmt.Errorf("%w: nil network table", ErrInvalidConfig)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("%w: nil sessions", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg: cfg,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/networks", h.handleNetworks)
	mux.HandleFunc("POST /v1/recipients/validate", h.handleValidateRecipient)
	mux.HandleFunc("GET /v1/balances/{chainId}/{account}", h.handleBalance)
	mux.HandleFunc("POST /v1/bridge", h.handleBridge)
	mux.HandleFunc("GET /v1/bridge/{chainId}", h.handleBridgeStatus)
	mux.HandleFunc("POST /v1/bridge/{chainId}/reset", h.handleBridgeReset)
	mux.HandleFunc("GET /v1/history/{account}", h.handleHistory)
	mux.HandleFunc("GET /v1/leaderboard", h.handleLeaderboard)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type networkView struct {
	ChainID           uint64 `json:"chainId"`
	Name              string `json:"name"`
	Testnet           bool   `json:"testnet"`
	StacksNetwork     string `json:"stacksNetwork"`
	Token             string `json:"token"`
	Bridge            string `json:"bridge"`
	DestinationDomain uint32 `json:"destinationDomain"`
	Bridging          bool   `json:"bridging"`
	Account           string `json:"account,omitempty"`
}

func (h *handler) handleNetworks(w http.ResponseWriter, _ *http.Request) {
	all := h.cfg.Networks.All()
	out := make([]networkView, 0, len(all))
	for _, n := range all {
		v := networkView{
			ChainID:           n.ChainID,
			Name:              n.Name,
			Testnet:           n.Testnet,
			StacksNetwork:     n.StacksNetwork().String(),
			Token:             n.Token.Hex(),
			Bridge:            n.Bridge.Hex(),
			DestinationDomain: n.DestinationDomain,
		}
		if acct, err := h.cfg.Sessions.Account(n.ChainID); err == nil {
			v.Bridging = true
			v.Account = acct.Hex()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"networks": out,
	})
}

type validateRecipientBody struct {
	Recipient string `json:"recipient"`
	ChainID   uint64 `json:"chainId,omitempty"`
	Network   string `json:"network,omitempty"`
}

func (h *handler) handleValidateRecipient(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[validateRecipientBody](w, r)
	if !ok {
		return
	}

	expected := stacksaddr.ParseNetwork(strings.TrimSpace(body.Network))
	if body.ChainID != 0 {
		n, err := h.cfg.Networks.Lookup(body.ChainID)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown_chain")
			return
		}
		expected = n.StacksNetwork()
	}

	addr := strings.TrimSpace(body.Recipient)
	v := stacksaddr.ValidateForNetwork(addr, expected)
	resp := map[string]any{
		"version":  "v1",
		"valid":    v.Valid,
		"detected": v.Detected.String(),
	}
	if v.Reason != "" {
		resp["reason"] = v.Reason
	}
	if v.Valid {
		enc, err := stacksaddr.EncodeRecipient(addr)
		if err == nil {
			resp["remoteRecipient"] = "0x" + hex.EncodeToString(enc[:])
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Balances == nil {
		writeError(w, http.StatusServiceUnavailable, "balances_unavailable")
		return
	}
	chainID, ok := pathChainID(w, r)
	if !ok {
		return
	}
	account, ok := pathAccount(w, r)
	if !ok {
		return
	}

	b, err := h.cfg.Balances.Fetch(r.Context(), chainID, account)
	if err != nil {
		if errors.Is(err, networks.ErrUnknownChain) {
			writeError(w, http.StatusNotFound, "unknown_chain")
			return
		}
		h.cfg.Log.Error("fetch balance", "chainID", chainID, "account", account, "err", err)
		writeError(w, http.StatusBadGateway, "rpc_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       "v1",
		"chainId":       b.ChainID,
		"account":       b.Account.Hex(),
		"token":         b.Token.Hex(),
		"usdc":          bigString(b.USDC),
		"usdcDisplay":   b.USDCDisplay,
		"native":        bigString(b.Native),
		"nativeDisplay": b.NativeDisplay,
		"hasGas":        b.HasGas(),
		"block":         b.Block,
	})
}

type bridgeRequestBody struct {
	ChainID   uint64 `json:"chainId"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	// MinAmountOut is in the same decimal USDC form as Amount.
	MinAmountOut string `json:"minAmountOut,omitempty"`
}

func (h *handler) handleBridge(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[bridgeRequestBody](w, r)
	if !ok {
		return
	}
	if body.ChainID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_chain_id")
		return
	}
	units := amount.Parse(body.Amount)
	if units == 0 {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	req := pipeline.Request{
		Amount:    units,
		Recipient: strings.TrimSpace(body.Recipient),
		ChainID:   body.ChainID,
	}
	if strings.TrimSpace(body.MinAmountOut) != "" {
		floor := amount.Parse(body.MinAmountOut)
		if floor == 0 {
			writeError(w, http.StatusBadRequest, "invalid_min_amount_out")
			return
		}
		req.MinAmountOut = &floor
	}

	if err := h.cfg.Sessions.Start(r.Context(), body.ChainID, req); err != nil {
		status, code := startErrorCode(err)
		if status >= 500 {
			h.cfg.Log.Error("start bridge", "chainID", body.ChainID, "err", err)
		}
		writeError(w, status, code)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"version":   "v1",
		"accepted":  true,
		"chainId":   body.ChainID,
		"amount":    strconv.FormatUint(units, 10),
		"recipient": req.Recipient,
	})
}

func startErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrBusy), errors.Is(err, leases.ErrHeld):
		return http.StatusConflict, "busy"
	case errors.Is(err, networks.ErrUnknownChain):
		return http.StatusNotFound, "unknown_chain"
	case errors.Is(err, ErrNoWallet), errors.Is(err, pipeline.ErrWalletNotConnected):
		return http.StatusNotFound, "wallet_not_configured"
	case errors.Is(err, pipeline.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, pipeline.ErrInvalidRecipient):
		return http.StatusBadRequest, "invalid_recipient"
	case errors.Is(err, pipeline.ErrWrongChain):
		return http.StatusBadRequest, "wrong_chain"
	case errors.Is(err, pipeline.ErrMinAmountOut):
		return http.StatusBadRequest, "min_amount_out"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *handler) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	chainID, ok := pathChainID(w, r)
	if !ok {
		return
	}
	snap, err := h.cfg.Sessions.Snapshot(chainID)
	if err != nil {
		status, code := startErrorCode(err)
		writeError(w, status, code)
		return
	}
	writeSnapshot(w, chainID, snap)
}

func (h *handler) handleBridgeReset(w http.ResponseWriter, r *http.Request) {
	chainID, ok := pathChainID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := h.cfg.Sessions.Reset(ctx, chainID); err != nil {
		status, code := startErrorCode(err)
		if errors.Is(err, context.DeadlineExceeded) {
			status, code = http.StatusGatewayTimeout, "reset_timeout"
		}
		writeError(w, status, code)
		return
	}
	snap, err := h.cfg.Sessions.Snapshot(chainID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeSnapshot(w, chainID, snap)
}

func writeSnapshot(w http.ResponseWriter, chainID uint64, snap pipeline.Snapshot) {
	resp := map[string]any{
		"version":  "v1",
		"chainId":  chainID,
		"state":    snap.State,
		"inFlight": snap.State.InFlight(),
		"snapshot": snap,
	}
	if snap.Request != nil {
		resp["amountDisplay"] = amount.Format(snap.Request.Amount)
	}
	writeJSON(w, http.StatusOK, resp)
}

type recordView struct {
	ChainID        uint64 `json:"chainId"`
	BridgeTxHash   string `json:"bridgeTxHash"`
	ApprovalTxHash string `json:"approvalTxHash,omitempty"`
	BlockNumber    uint64 `json:"blockNumber"`
	Account        string `json:"account"`
	Recipient      string `json:"recipient"`
	Network        string `json:"network"`
	Amount         string `json:"amount"`
	AmountDisplay  string `json:"amountDisplay"`
	CreatedAt      string `json:"createdAt"`
}

func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.cfg.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history_unavailable")
		return
	}
	account, ok := pathAccount(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	recs, err := h.cfg.History.ListByAccount(r.Context(), account, limit)
	if err != nil {
		h.cfg.Log.Error("list history", "account", account, "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		v := recordView{
			ChainID:       rec.ChainID,
			BridgeTxHash:  rec.BridgeTxHash.Hex(),
			BlockNumber:   rec.BlockNumber,
			Account:       rec.Account.Hex(),
			Recipient:     rec.Recipient,
			Network:       rec.Network,
			Amount:        strconv.FormatUint(rec.Amount, 10),
			AmountDisplay: amount.Format(rec.Amount),
			CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if rec.ApprovalTxHash != nil {
			v.ApprovalTxHash = rec.ApprovalTxHash.Hex()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"account":   account.Hex(),
		"transfers": out,
	})
}

type leaderboardView struct {
	Rank           int    `json:"rank"`
	Account        string `json:"account"`
	TotalAmount    string `json:"totalAmount"`
	TotalDisplay   string `json:"totalDisplay"`
	Transfers      int    `json:"transfers"`
	LastTransferAt string `json:"lastTransferAt"`
}

func (h *handler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if h.cfg.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history_unavailable")
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	entries, err := h.cfg.History.Leaderboard(r.Context(), limit)
	if err != nil {
		h.cfg.Log.Error("leaderboard", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	out := make([]leaderboardView, 0, len(entries))
	for i, e := range entries {
		out = append(out, leaderboardView{
			Rank:           i + 1,
			Account:        e.Account.Hex(),
			TotalAmount:    strconv.FormatUint(e.TotalAmount, 10),
			TotalDisplay:   amount.Format(e.TotalAmount),
			Transfers:      e.Transfers,
			LastTransferAt: e.LastTransferAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"entries": out,
	})
}

func pathChainID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("chainId")), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid_chain_id")
		return 0, false
	}
	return id, true
}

func pathAccount(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := strings.TrimSpace(r.PathValue("account"))
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_account")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return history.DefaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_limit")
		return 0, false
	}
	return history.ClampLimit(n), true
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   errCode,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

// ipRateLimiter is a token bucket per client IP with LRU eviction past maxTrackedIPs.
type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	if elapsed := now.Sub(st.lastAt).Seconds(); elapsed > 0 {
		st.tokens = min(st.tokens+elapsed*l.refillPerSecond, l.burst)
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens--
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	for ip, st := range l.states {
		if oldestIP == "" || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
