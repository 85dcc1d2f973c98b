// Package stacksaddr encodes and validates Stacks (c32check) addresses used as bridge
// recipients.
package stacksaddr

import (
	"errors"
	"fmt"
)

var ErrEncoding = errors.New("stacksaddr: invalid address encoding")

// Address versions as carried in the second character of an address.
const (
	VersionMainnetSingleSig byte = 22 // P
	VersionMainnetMultiSig  byte = 20 // M
	VersionTestnetSingleSig byte = 26 // T
	VersionTestnetMultiSig  byte = 21 // N
)

const (
	// HashLen is the hash160 length carried by every address.
	HashLen = 20

	// MaxAddressLen is the length of an address whose hash160 has its top bits set; shorter
	// addresses come from hashes with leading zero bits or bytes.
	MaxAddressLen = 41
	// MinAddressLen bounds the shortest string a 24-byte c32check payload can produce.
	MinAddressLen = 26
)

type Network uint8

const (
	NetworkUnknown Network = iota
	NetworkMainnet
	NetworkTestnet
)

func (n Network) String() string {
	switch n {
	case NetworkMainnet:
		return "mainnet"
	case NetworkTestnet:
		return "testnet"
	default:
		return ""
	}
}

func (n Network) prefixes() string {
	switch n {
	case NetworkMainnet:
		return "SP/SM"
	case NetworkTestnet:
		return "ST/SN"
	default:
		return "?"
	}
}

// ParseNetwork maps "mainnet"/"testnet" to a Network; anything else is NetworkUnknown.
func ParseNetwork(s string) Network {
	switch s {
	case "mainnet":
		return NetworkMainnet
	case "testnet":
		return NetworkTestnet
	default:
		return NetworkUnknown
	}
}

// VersionNetwork reports which network an address version belongs to.
func VersionNetwork(version byte) Network {
	switch version {
	case VersionMainnetSingleSig, VersionMainnetMultiSig:
		return NetworkMainnet
	case VersionTestnetSingleSig, VersionTestnetMultiSig:
		return NetworkTestnet
	default:
		return NetworkUnknown
	}
}

// Decoded is a structurally valid, checksum-verified address.
type Decoded struct {
	Version byte
	Hash    [HashLen]byte
}

func (d Decoded) Network() Network { return VersionNetwork(d.Version) }

func (d Decoded) String() string {
	s, _ := Encode(d.Version, d.Hash)
	return s
}

// Decode parses and verifies a Stacks address.
//
// Only the canonical upper-case c32 alphabet is accepted; I, L, O, U and lower-case input
// are rejected rather than normalized.
func Decode(addr string) (Decoded, error) {
	if addr == "" {
		return Decoded{}, fmt.Errorf("%w: empty", ErrEncoding)
	}
	if len(addr) < MinAddressLen || len(addr) > MaxAddressLen {
		return Decoded{}, fmt.Errorf("%w: length %d", ErrEncoding, len(addr))
	}
	if addr[0] != 'S' {
		return Decoded{}, fmt.Errorf("%w: missing S prefix", ErrEncoding)
	}
	vi := c32Index[addr[1]]
	if vi < 0 {
		return Decoded{}, fmt.Errorf("%w: bad version character", ErrEncoding)
	}
	version := byte(vi)
	if VersionNetwork(version) == NetworkUnknown {
		return Decoded{}, fmt.Errorf("%w: unknown version %d", ErrEncoding, version)
	}

	payload, ok := c32Decode(addr[2:])
	if !ok {
		return Decoded{}, fmt.Errorf("%w: character outside c32 alphabet", ErrEncoding)
	}
	if len(payload) != HashLen+4 {
		return Decoded{}, fmt.Errorf("%w: payload length %d", ErrEncoding, len(payload))
	}

	var out Decoded
	out.Version = version
	copy(out.Hash[:], payload[:HashLen])

	want := checksum(version, out.Hash[:])
	if [4]byte(payload[HashLen:]) != want {
		return Decoded{}, fmt.Errorf("%w: checksum mismatch", ErrEncoding)
	}
	return out, nil
}

// Encode renders a version and hash160 as a c32check address.
func Encode(version byte, hash [HashLen]byte) (string, error) {
	if int(version) >= len(c32Alphabet) {
		return "", fmt.Errorf("%w: version %d out of range", ErrEncoding, version)
	}
	sum := checksum(version, hash[:])
	payload := make([]byte, 0, HashLen+4)
	payload = append(payload, hash[:]...)
	payload = append(payload, sum[:]...)
	return "S" + string(c32Alphabet[version]) + c32Encode(payload), nil
}

// DetectNetwork returns the network of a valid address, or NetworkUnknown.
func DetectNetwork(addr string) Network {
	d, err := Decode(addr)
	if err != nil {
		return NetworkUnknown
	}
	return d.Network()
}

// IsValidAddress reports whether addr is a well-formed address. When expected is given (and
// not NetworkUnknown) the address must also belong to that network.
func IsValidAddress(addr string, expected ...Network) bool {
	d, err := Decode(addr)
	if err != nil {
		return false
	}
	for _, n := range expected {
		if n != NetworkUnknown && d.Network() != n {
			return false
		}
	}
	return true
}

// Validation is the user-facing result of ValidateForNetwork.
type Validation struct {
	Valid    bool
	Reason   string
	Detected Network
}

// ValidateForNetwork checks addr against the expected network, explaining failures.
func ValidateForNetwork(addr string, expected Network) Validation {
	if addr == "" {
		return Validation{Reason: "address is empty"}
	}
	d, err := Decode(addr)
	if err != nil {
		return Validation{Reason: "invalid Stacks address"}
	}
	got := d.Network()
	if expected != NetworkUnknown && got != expected {
		return Validation{
			Reason:   fmt.Sprintf("this is a %s address (%s); %s expected", got, got.prefixes(), expected),
			Detected: got,
		}
	}
	return Validation{Valid: true, Detected: got}
}
