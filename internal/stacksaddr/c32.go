package stacksaddr

import (
	"crypto/sha256"
	"math/big"
	"strings"
)

// c32Alphabet is Crockford base-32 without I, L, O, U.
const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var c32Index = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(c32Alphabet); i++ {
		t[c32Alphabet[i]] = int8(i)
	}
	return t
}()

var big32 = big.NewInt(32)

// c32Encode encodes data as a big-endian base-32 numeral, preserving each leading zero byte as
// a single '0' digit.
func c32Encode(data []byte) string {
	zeros := 0
	for zeros < len(data) && data[zeros] == 0 {
		zeros++
	}

	n := new(big.Int).SetBytes(data[zeros:])
	var digits []byte
	mod := new(big.Int)
	for n.Sign() > 0 {
		n.DivMod(n, big32, mod)
		digits = append(digits, c32Alphabet[mod.Int64()])
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return strings.Repeat("0", zeros) + string(digits)
}

// c32Decode is the inverse of c32Encode. ok is false if s contains a non-alphabet character.
func c32Decode(s string) ([]byte, bool) {
	zeros := 0
	for zeros < len(s) && s[zeros] == '0' {
		zeros++
	}

	n := new(big.Int)
	for i := zeros; i < len(s); i++ {
		d := c32Index[s[i]]
		if d < 0 {
			return nil, false
		}
		n.Mul(n, big32)
		n.Add(n, big.NewInt(int64(d)))
	}

	out := make([]byte, zeros, zeros+n.BitLen()/8+1)
	return append(out, n.Bytes()...), true
}

// checksum returns the first 4 bytes of sha256(sha256(version || hash160)).
func checksum(version byte, hash []byte) [4]byte {
	buf := make([]byte, 0, 1+len(hash))
	buf = append(buf, version)
	buf = append(buf, hash...)
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])

	var out [4]byte
	copy(out[:], second[:4])
	return out
}
