package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/stacks-bridge/internal/stacksaddr"
)

var errUsage = errors.New("usage: stacks-addr validate|recipient|decode-recipient|from-pubkey [flags] ARG")

type output struct {
	Address   string `json:"address,omitempty"`
	Valid     *bool  `json:"valid,omitempty"`
	Network   string `json:"network,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func runMain(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet("stacks-addr "+cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	networkFlag := fs.String("network", "", "expected network: mainnet|testnet")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errUsage
	}
	arg := strings.TrimSpace(fs.Arg(0))

	network := stacksaddr.NetworkUnknown
	if *networkFlag != "" {
		network = stacksaddr.ParseNetwork(*networkFlag)
		if network == stacksaddr.NetworkUnknown {
			return fmt.Errorf("--network must be mainnet or testnet, got %q", *networkFlag)
		}
	}

	var out output
	switch cmd {
	case "validate":
		v := stacksaddr.ValidateForNetwork(arg, network)
		out = output{Address: arg, Valid: &v.Valid, Network: v.Detected.String(), Reason: v.Reason}
	case "recipient":
		d, err := stacksaddr.Decode(arg)
		if err != nil {
			return err
		}
		if network != stacksaddr.NetworkUnknown && d.Network() != network {
			return fmt.Errorf("address is on %s, not %s", d.Network(), network)
		}
		r := d.Recipient()
		out = output{Address: arg, Network: d.Network().String(), Recipient: hexutil.Encode(r[:])}
	case "decode-recipient":
		b, err := hexutil.Decode(arg)
		if err != nil {
			return fmt.Errorf("recipient hex: %w", err)
		}
		if len(b) != stacksaddr.RecipientLen {
			return fmt.Errorf("recipient must be %d bytes, got %d", stacksaddr.RecipientLen, len(b))
		}
		addr, err := stacksaddr.DecodeRecipient([stacksaddr.RecipientLen]byte(b))
		if err != nil {
			return err
		}
		out = output{Address: addr, Network: stacksaddr.DetectNetwork(addr).String(), Recipient: hexutil.Encode(b)}
	case "from-pubkey":
		if network == stacksaddr.NetworkUnknown {
			return errors.New("--network is required for from-pubkey")
		}
		pub, err := hexutil.Decode(arg)
		if err != nil {
			return fmt.Errorf("public key hex: %w", err)
		}
		addr, err := stacksaddr.FromPublicKey(pub, network)
		if err != nil {
			return err
		}
		out = output{Address: addr, Network: network.String()}
	default:
		return errUsage
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
