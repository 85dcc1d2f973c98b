package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/stacks-bridge/internal/chain"
)

var ErrInvalidClientConfig = errors.New("httpapi: invalid client config")

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 90 * time.Second},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

var _ chain.Submitter = (*Client)(nil)

// Account asks the signer which address it holds and for which chain.
func (c *Client) Account(ctx context.Context) (AccountResponse, error) {
	var out AccountResponse
	if err := c.do(ctx, http.MethodGet, "/v1/account", nil, &out); err != nil {
		return AccountResponse{}, err
	}
	if !common.IsHexAddress(out.Address) {
		return AccountResponse{}, fmt.Errorf("httpapi: signer returned invalid address %q", out.Address)
	}
	return out, nil
}

// Submit forwards tx to the signer. A refusal by the signer's policy surfaces as
// chain.ErrUserRejected.
func (c *Client) Submit(ctx context.Context, tx chain.TxSpec) (common.Hash, error) {
	req := SubmitRequest{
		To:       tx.To.Hex(),
		GasLimit: tx.GasLimit,
	}
	if tx.From != (common.Address{}) {
		req.From = tx.From.Hex()
	}
	if len(tx.Data) > 0 {
		req.Data = hexutil.Encode(tx.Data)
	}
	if tx.Value != nil {
		req.ValueWei = tx.Value.String()
	}
	if tx.MaxFeePerGas != nil {
		req.MaxFeePerGasWei = tx.MaxFeePerGas.String()
	}
	if tx.MaxPriorityFeePerGas != nil {
		req.MaxPriorityFeePerGasWei = tx.MaxPriorityFeePerGas.String()
	}

	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/submit", req, &out); err != nil {
		return common.Hash{}, err
	}
	b, err := hexutil.Decode(out.TxHash)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("httpapi: signer returned invalid tx hash %q", out.TxHash)
	}
	return common.BytesToHash(b), nil
}

func (c *Client) do(ctx context.Context, method, p string, in any, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, p)

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpapi: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("httpapi: build request: %w", err)
	}
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("httpapi: http do: %w", err)
	}
	defer resp.Body.Close()

	b, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(b))
		var er ErrorResponse
		if json.Unmarshal(b, &er) == nil && er.Error != "" {
			if er.Error == CodeUserRejected {
				return fmt.Errorf("%w: %s", chain.ErrUserRejected, er.Message)
			}
			msg = er.Error
			if er.Message != "" {
				msg += ": " + er.Message
			}
		}
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("httpapi: status %d: %s", resp.StatusCode, msg)
	}

	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("httpapi: unmarshal response: %w", err)
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	// path.Join cleans up redundant slashes, but preserves a leading slash.
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("httpapi: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("httpapi: response too large")
	}
	return b, nil
}
