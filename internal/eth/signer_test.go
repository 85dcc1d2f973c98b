package eth

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func dynamicTx(chainID *big.Int) *types.Transaction {
	to := common.HexToAddress("0x8888888199b2Df864bf678259607d6D5EBb4e3Ce")
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1_100_000_000),
		GasFeeCap: big.NewInt(21_100_000_000),
		Gas:       60_000,
		To:        &to,
		Value:     big.NewInt(0),
	})
}

func TestLocalSigner_SignsDynamicFeeTx(t *testing.T) {
	t.Parallel()

	key, err := ParsePrivateKeyHex(testKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	s := NewLocalSigner(key)
	if s.Address() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("address: got %s", s.Address())
	}

	chainID := big.NewInt(8453)
	signed, err := s.SignTx(dynamicTx(chainID), chainID)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != s.Address() {
		t.Fatalf("from: got %s want %s", from, s.Address())
	}
}

func TestLocalSigner_RejectsChainMismatch(t *testing.T) {
	t.Parallel()

	key, err := ParsePrivateKeyHex(testKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	s := NewLocalSigner(key)
	if _, err := s.SignTx(dynamicTx(big.NewInt(1)), big.NewInt(8453)); !errors.Is(err, ErrInvalidSigner) {
		t.Fatalf("SignTx: got %v want %v", err, ErrInvalidSigner)
	}
}

func TestLocalSigner_NilKey(t *testing.T) {
	t.Parallel()

	s := NewLocalSigner(nil)
	if (s.Address() != common.Address{}) || s.CompressedPublicKey() != nil {
		t.Fatalf("nil key signer: address %s", s.Address())
	}
	if _, err := s.SignTx(dynamicTx(big.NewInt(1)), big.NewInt(1)); !errors.Is(err, ErrInvalidSigner) {
		t.Fatalf("SignTx: got %v want %v", err, ErrInvalidSigner)
	}
}

func TestLocalSigner_CompressedPublicKey(t *testing.T) {
	t.Parallel()

	key, err := ParsePrivateKeyHex(testKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	pub := NewLocalSigner(key).CompressedPublicKey()
	if len(pub) != 33 || (pub[0] != 0x02 && pub[0] != 0x03) {
		t.Fatalf("compressed key: got %x", pub)
	}
	back, err := crypto.DecompressPubkey(pub)
	if err != nil {
		t.Fatalf("DecompressPubkey: %v", err)
	}
	if crypto.PubkeyToAddress(*back) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("round trip changed the key")
	}
}
