package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const (
	mainnetAddr = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	testnetAddr = "ST2CY5V39NHDPWSXMW9QDT3HC3GD6Q6XX4CFRK9AG"
)

func run(t *testing.T, args ...string) output {
	t.Helper()

	var buf bytes.Buffer
	if err := runMain(args, &buf); err != nil {
		t.Fatalf("runMain(%v): %v", args, err)
	}
	var out output
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	return out
}

func TestRunMain_Validate(t *testing.T) {
	t.Parallel()

	out := run(t, "validate", mainnetAddr)
	if out.Valid == nil || !*out.Valid || out.Network != "mainnet" {
		t.Fatalf("validate: %+v", out)
	}

	out = run(t, "validate", "--network", "testnet", mainnetAddr)
	if out.Valid != nil && *out.Valid {
		t.Fatalf("expected invalid for wrong network: %+v", out)
	}
	if out.Network != "mainnet" || !strings.Contains(out.Reason, "testnet expected") {
		t.Fatalf("wrong network result: %+v", out)
	}

	out = run(t, "validate", "SPNOTANADDRESS")
	if out.Valid != nil && *out.Valid {
		t.Fatalf("expected invalid: %+v", out)
	}
}

func TestRunMain_RecipientRoundTrip(t *testing.T) {
	t.Parallel()

	out := run(t, "recipient", testnetAddr)
	want := "0x0000000000000000000000" + "1a" + "99e2ec69ac5b6e67b4e26edd0e2c1c1a6b9bbd23"
	if out.Recipient != want {
		t.Fatalf("recipient: got %s want %s", out.Recipient, want)
	}

	back := run(t, "decode-recipient", out.Recipient)
	if back.Address != testnetAddr || back.Network != "testnet" {
		t.Fatalf("decode-recipient: %+v", back)
	}
}

func TestRunMain_RecipientRejectsWrongNetwork(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := runMain([]string{"recipient", "--network", "mainnet", testnetAddr}, &buf); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunMain_FromPubkey(t *testing.T) {
	t.Parallel()

	pub := "0x02" + strings.Repeat("ab", 32)
	out := run(t, "from-pubkey", "--network", "testnet", pub)
	if !strings.HasPrefix(out.Address, "ST") || out.Network != "testnet" {
		t.Fatalf("from-pubkey: %+v", out)
	}
	check := run(t, "validate", "--network", "testnet", out.Address)
	if check.Valid == nil || !*check.Valid {
		t.Fatalf("derived address invalid: %+v", check)
	}

	var buf bytes.Buffer
	if err := runMain([]string{"from-pubkey", pub}, &buf); err == nil {
		t.Fatalf("expected error without --network")
	}
}

func TestRunMain_Usage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for _, args := range [][]string{nil, {"bogus", "x"}, {"validate"}, {"validate", "a", "b"}} {
		if err := runMain(args, &buf); !errors.Is(err, errUsage) {
			t.Fatalf("runMain(%v): got %v want errUsage", args, err)
		}
	}
	if err := runMain([]string{"validate", "--network", "devnet", mainnetAddr}, &buf); err == nil || errors.Is(err, errUsage) {
		t.Fatalf("bad network: got %v", err)
	}
}
