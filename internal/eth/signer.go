package eth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSigner = errors.New("eth: invalid signer")

// Signer signs transactions for the single account that pays for bridge calls.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner keeps a secp256k1 key in process memory. A nil key yields a signer with the
// zero address that refuses to sign.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	s := &LocalSigner{key: key}
	if key != nil {
		s.addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return s
}

func (s *LocalSigner) Address() common.Address { return s.addr }

// CompressedPublicKey is the 33-byte SEC1 key, the form Stacks derives addresses from.
func (s *LocalSigner) CompressedPublicKey() []byte {
	if s.key == nil {
		return nil
	}
	return crypto.CompressPubkey(&s.key.PublicKey)
}

// SignTx signs with the London rules. The transaction's own chain id must match chainID.
func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	if tx.Type() != types.LegacyTxType && tx.ChainId().Cmp(chainID) != 0 {
		return nil, fmt.Errorf("%w: tx chain %s, signing for %s", ErrInvalidSigner, tx.ChainId(), chainID)
	}
	return types.SignTx(tx, types.NewLondonSigner(chainID), s.key)
}
