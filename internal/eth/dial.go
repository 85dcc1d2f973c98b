package eth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrNoEndpoint = errors.New("eth: no usable rpc endpoint")

// DialFirst dials urls in order and returns the first client whose chain id matches
// wantChainID, along with the url it connected to.
func DialFirst(ctx context.Context, urls []string, wantChainID uint64) (*ethclient.Client, string, error) {
	var errs []error
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		c, err := ethclient.DialContext(ctx, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: dial: %w", redactURL(u), err))
			continue
		}
		id, err := c.ChainID(ctx)
		if err != nil {
			c.Close()
			errs = append(errs, fmt.Errorf("%s: chain id: %w", redactURL(u), err))
			continue
		}
		if !id.IsUint64() || id.Uint64() != wantChainID {
			c.Close()
			errs = append(errs, fmt.Errorf("%s: chain id %s, want %d", redactURL(u), id, wantChainID))
			continue
		}
		return c, u, nil
	}
	if len(errs) == 0 {
		return nil, "", fmt.Errorf("%w: chain %d: no urls", ErrNoEndpoint, wantChainID)
	}
	return nil, "", fmt.Errorf("%w: chain %d: %w", ErrNoEndpoint, wantChainID, errors.Join(errs...))
}

// redactURL drops the path and query, where providers commonly embed API keys.
func redactURL(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			return u[:i+3+j]
		}
	}
	return u
}
