package networks

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type fileNetwork struct {
	ChainID                uint64   `yaml:"chain_id"`
	Name                   string   `yaml:"name"`
	Testnet                bool     `yaml:"testnet"`
	Token                  string   `yaml:"token"`
	Bridge                 string   `yaml:"bridge"`
	DestinationDomain      *uint32  `yaml:"destination_domain"`
	RPCURLs                []string `yaml:"rpc_urls"`
	PriorityFeeBumpPercent int      `yaml:"priority_fee_bump_percent"`
}

type fileTable struct {
	Networks []fileNetwork `yaml:"networks"`
}

// LoadFile reads a YAML network table. The file replaces the built-in defaults entirely.
//
//	networks:
//	  - chain_id: 8453
//	    name: Base
//	    token: "0x8335..."
//	    bridge: "0x8888..."
//	    rpc_urls: ["https://mainnet.base.org"]
func LoadFile(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("networks: read %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Table, error) {
	var ft fileTable
	if err := yaml.Unmarshal(b, &ft); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalidConfig, err)
	}

	nets := make([]Network, 0, len(ft.Networks))
	for i, fn := range ft.Networks {
		n := Network{
			ChainID:                fn.ChainID,
			Name:                   fn.Name,
			Testnet:                fn.Testnet,
			DestinationDomain:      StacksDomain,
			RPCURLs:                trimList(fn.RPCURLs),
			PriorityFeeBumpPercent: fn.PriorityFeeBumpPercent,
		}
		if fn.DestinationDomain != nil {
			n.DestinationDomain = *fn.DestinationDomain
		}
		var err error
		if n.Token, err = parseOptionalAddress(fn.Token); err != nil {
			return nil, fmt.Errorf("%w: networks[%d].token: %v", ErrInvalidConfig, i, err)
		}
		if n.Bridge, err = parseOptionalAddress(fn.Bridge); err != nil {
			return nil, fmt.Errorf("%w: networks[%d].bridge: %v", ErrInvalidConfig, i, err)
		}
		nets = append(nets, n)
	}
	return NewTable(nets...)
}

// split_words keeps envconfig from falling back to the unprefixed names, which would apply one
// chain's override to every chain.
type envNetwork struct {
	RpcUrls                []string `split_words:"true"`
	PriorityFeeBumpPercent int      `split_words:"true"`
}

// WithEnvOverrides returns a copy of t where each chain's RPC endpoints and tip bump can be
// overridden from <prefix>_<chainID>_RPC_URLS (comma-separated) and
// <prefix>_<chainID>_PRIORITY_FEE_BUMP_PERCENT.
func (t *Table) WithEnvOverrides(prefix string) (*Table, error) {
	nets := t.All()
	for i := range nets {
		var env envNetwork
		if err := envconfig.Process(fmt.Sprintf("%s_%d", prefix, nets[i].ChainID), &env); err != nil {
			return nil, fmt.Errorf("%w: chain %d env: %v", ErrInvalidConfig, nets[i].ChainID, err)
		}
		if urls := trimList(env.RpcUrls); len(urls) > 0 {
			nets[i].RPCURLs = urls
		}
		if env.PriorityFeeBumpPercent > 0 {
			nets[i].PriorityFeeBumpPercent = env.PriorityFeeBumpPercent
		}
	}
	return NewTable(nets...)
}

func parseOptionalAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid hex address %q", s)
	}
	return common.HexToAddress(s), nil
}

func trimList(in []string) []string {
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Load builds the table a binary runs with: the file at path, or the built-in table when path
// is empty, then environment overrides under envPrefix, then only the chains in ids.
func Load(path, envPrefix string, ids []uint64) (*Table, error) {
	t := Default()
	if strings.TrimSpace(path) != "" {
		var err error
		if t, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if envPrefix != "" {
		var err error
		if t, err = t.WithEnvOverrides(envPrefix); err != nil {
			return nil, err
		}
	}
	return t.Subset(ids)
}

// ParseChainIDs parses a comma-separated list of decimal chain ids.
func ParseChainIDs(s string) ([]uint64, error) {
	var out []uint64
	for _, part := range trimList(strings.Split(s, ",")) {
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("%w: chain id %q", ErrInvalidConfig, part)
		}
		out = append(out, id)
	}
	return out, nil
}
