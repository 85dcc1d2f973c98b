package networks

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/stacks-bridge/internal/stacksaddr"
)

func TestDefault_LookupBase(t *testing.T) {
	t.Parallel()

	n, err := Default().Lookup(8453)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if n.Name != "Base" || n.Testnet {
		t.Fatalf("unexpected network: %+v", n)
	}
	if n.DestinationDomain != StacksDomain {
		t.Fatalf("domain: got %d want %d", n.DestinationDomain, StacksDomain)
	}
	if n.Token != common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913") {
		t.Fatalf("token: got %s", n.Token)
	}
	if n.StacksNetwork() != stacksaddr.NetworkMainnet {
		t.Fatalf("stacks network: got %v", n.StacksNetwork())
	}
}

func TestDefault_TestnetsTargetStacksTestnet(t *testing.T) {
	t.Parallel()

	for _, n := range Default().All() {
		want := stacksaddr.NetworkMainnet
		if n.Testnet {
			want = stacksaddr.NetworkTestnet
		}
		if n.StacksNetwork() != want {
			t.Fatalf("chain %d: got %v want %v", n.ChainID, n.StacksNetwork(), want)
		}
		if len(n.RPCURLs) == 0 {
			t.Fatalf("chain %d: no rpc urls", n.ChainID)
		}
	}
}

func TestLookup_UnknownChain(t *testing.T) {
	t.Parallel()

	_, err := Default().Lookup(999)
	if !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}

	var nilTable *Table
	if _, err := nilTable.Lookup(1); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("nil table: expected ErrUnknownChain, got %v", err)
	}
}

func TestLookup_MissingContract(t *testing.T) {
	t.Parallel()

	tbl, err := NewTable(Network{ChainID: 5, Token: common.HexToAddress("0x01")})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if _, err := tbl.Lookup(5); !errors.Is(err, ErrMissingContract) {
		t.Fatalf("expected ErrMissingContract, got %v", err)
	}
}

func TestNewTable_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewTable(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty: got %v", err)
	}
	if _, err := NewTable(Network{ChainID: 0}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero chain id: got %v", err)
	}
	if _, err := NewTable(Network{ChainID: 1}, Network{ChainID: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("duplicate: got %v", err)
	}
	if _, err := NewTable(Network{ChainID: 1, PriorityFeeBumpPercent: -1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative bump: got %v", err)
	}
}

func TestLookup_ReturnsCopy(t *testing.T) {
	t.Parallel()

	tbl := Default()
	n, err := tbl.Lookup(1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	n.RPCURLs[0] = "http://mutated"

	again, _ := tbl.Lookup(1)
	if again.RPCURLs[0] == "http://mutated" {
		t.Fatalf("table mutated through Lookup result")
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "networks.yaml")
	body := `
networks:
  - chain_id: 31337
    name: Anvil
    testnet: true
    token: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
    bridge: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
    destination_domain: 7
    rpc_urls: [" http://127.0.0.1:8545 ", ""]
    priority_fee_bump_percent: 5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tbl, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	n, err := tbl.Lookup(31337)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if n.DestinationDomain != 7 || n.PriorityFeeBumpPercent != 5 || !n.Testnet {
		t.Fatalf("unexpected network: %+v", n)
	}
	if len(n.RPCURLs) != 1 || n.RPCURLs[0] != "http://127.0.0.1:8545" {
		t.Fatalf("rpc urls: %v", n.RPCURLs)
	}
	if _, err := tbl.Lookup(1); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("file should replace defaults, got %v", err)
	}
}

func TestParse_DefaultDomainAndBadAddress(t *testing.T) {
	t.Parallel()

	tbl, err := Parse([]byte("networks:\n  - chain_id: 10\n    token: \"0x0000000000000000000000000000000000000001\"\n    bridge: \"0x0000000000000000000000000000000000000002\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	n, err := tbl.Lookup(10)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if n.DestinationDomain != StacksDomain || n.Name != "chain-10" {
		t.Fatalf("defaults not applied: %+v", n)
	}

	_, err = Parse([]byte("networks:\n  - chain_id: 10\n    token: \"nope\"\n"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad token: got %v", err)
	}
}

func TestWithEnvOverrides(t *testing.T) {
	t.Setenv("BRIDGETEST_8453_RPC_URLS", "https://a.example, https://b.example")
	t.Setenv("BRIDGETEST_8453_PRIORITY_FEE_BUMP_PERCENT", "35")

	tbl, err := Default().WithEnvOverrides("BRIDGETEST")
	if err != nil {
		t.Fatalf("WithEnvOverrides: %v", err)
	}
	n, err := tbl.Lookup(8453)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(n.RPCURLs) != 2 || n.RPCURLs[0] != "https://a.example" || n.RPCURLs[1] != "https://b.example" {
		t.Fatalf("rpc urls: %v", n.RPCURLs)
	}
	if n.PriorityFeeBumpPercent != 35 {
		t.Fatalf("bump: got %d want 35", n.PriorityFeeBumpPercent)
	}

	eth, _ := tbl.Lookup(1)
	if eth.RPCURLs[0] != "https://ethereum-rpc.publicnode.com" {
		t.Fatalf("override leaked to chain 1: %v", eth.RPCURLs)
	}
}

func TestSubset(t *testing.T) {
	t.Parallel()

	sub, err := Default().Subset([]uint64{84532, 8453})
	if err != nil {
		t.Fatalf("Subset: %v", err)
	}
	got := sub.ChainIDs()
	if len(got) != 2 || got[0] != 8453 || got[1] != 84532 {
		t.Fatalf("ChainIDs: got %v want [8453 84532]", got)
	}
	if _, err := Default().Subset([]uint64{999}); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("unknown chain: got %v want %v", err, ErrUnknownChain)
	}
	all, err := Default().Subset(nil)
	if err != nil || len(all.ChainIDs()) != 5 {
		t.Fatalf("empty subset: got %v, %v", all, err)
	}
}

func TestParseChainIDs(t *testing.T) {
	t.Parallel()

	got, err := ParseChainIDs(" 8453, ,84532 ")
	if err != nil {
		t.Fatalf("ParseChainIDs: %v", err)
	}
	if len(got) != 2 || got[0] != 8453 || got[1] != 84532 {
		t.Fatalf("ParseChainIDs: got %v", got)
	}
	if got, err := ParseChainIDs(""); err != nil || got != nil {
		t.Fatalf("empty: got %v, %v", got, err)
	}
	for _, bad := range []string{"base", "0", "-1"} {
		if _, err := ParseChainIDs(bad); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%q: got %v want %v", bad, err, ErrInvalidConfig)
		}
	}
}

func TestLoad_DefaultSubset(t *testing.T) {
	t.Parallel()

	tbl, err := Load("", "", []uint64{8453})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := tbl.ChainIDs(); len(got) != 1 || got[0] != 8453 {
		t.Fatalf("ChainIDs: got %v want [8453]", got)
	}
}
