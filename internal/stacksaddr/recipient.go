package stacksaddr

import "fmt"

// RecipientLen is the width of the bridge contract's remoteRecipient argument.
const RecipientLen = 32

// EncodeRecipient lays out a Stacks address as the bridge's bytes32 recipient:
// 11 zero bytes, the version byte, then the 20-byte hash160.
func EncodeRecipient(addr string) ([RecipientLen]byte, error) {
	d, err := Decode(addr)
	if err != nil {
		return [RecipientLen]byte{}, err
	}
	return d.Recipient(), nil
}

func (d Decoded) Recipient() [RecipientLen]byte {
	var out [RecipientLen]byte
	out[RecipientLen-HashLen-1] = d.Version
	copy(out[RecipientLen-HashLen:], d.Hash[:])
	return out
}

// DecodeRecipient is the inverse of EncodeRecipient.
func DecodeRecipient(b [RecipientLen]byte) (string, error) {
	for i := 0; i < RecipientLen-HashLen-1; i++ {
		if b[i] != 0 {
			return "", fmt.Errorf("%w: non-zero recipient padding", ErrEncoding)
		}
	}
	version := b[RecipientLen-HashLen-1]
	if VersionNetwork(version) == NetworkUnknown {
		return "", fmt.Errorf("%w: unknown version %d", ErrEncoding, version)
	}
	var h [HashLen]byte
	copy(h[:], b[RecipientLen-HashLen:])
	return Encode(version, h)
}
