package stacksaddr

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/ripemd160"
)

var ErrInvalidPublicKey = errors.New("stacksaddr: invalid public key")

// Hash160 returns ripemd160(sha256(b)).
func Hash160(b []byte) [HashLen]byte {
	s := sha256.Sum256(b)
	h := ripemd160.New()
	_, _ = h.Write(s[:])

	var out [HashLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// FromPublicKey derives the single-sig address of a serialized secp256k1 public key
// (33-byte compressed or 65-byte uncompressed).
func FromPublicKey(pub []byte, network Network) (string, error) {
	switch {
	case len(pub) == 33 && (pub[0] == 0x02 || pub[0] == 0x03):
	case len(pub) == 65 && pub[0] == 0x04:
	default:
		return "", ErrInvalidPublicKey
	}

	var version byte
	switch network {
	case NetworkMainnet:
		version = VersionMainnetSingleSig
	case NetworkTestnet:
		version = VersionTestnetSingleSig
	default:
		return "", errors.New("stacksaddr: unknown network")
	}
	return Encode(version, Hash160(pub))
}
