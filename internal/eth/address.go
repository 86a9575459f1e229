// Package eth holds the small amount of Ethereum handling TapMint needs:
// wallet address normalisation and comparison.
package eth

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsAddress reports whether s is a 20 byte hex address
func IsAddress(s string) bool {
	return common.IsHexAddress(strings.TrimSpace(s))
}

// Normalize returns the EIP-55 checksummed form of a hex address. Values that
// are not hex addresses (Bluetooth device names, for instance) are returned
// trimmed but otherwise untouched.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		return common.HexToAddress(s).Hex()
	}
	return s
}

// SameAddress reports whether a and b identify the same participant. Hex
// addresses compare by value, anything else compares exactly.
func SameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	return a == b
}

// ToAddress parses a hex address, reporting false when s is not one
func ToAddress(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}
