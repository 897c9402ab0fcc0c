// Package bitcoin handles Bitcoin address format validation for
// invoice creation. Only the address family and network are checked;
// full checksum verification lives with the wallet component that
// derived the address.
package bitcoin

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Networks.
const (
	Mainnet = "mainnet"
	Testnet = "testnet"
)

// Address kinds.
const (
	KindP2PKH  = "p2pkh"  // legacy, base58, prefix 1 / m / n
	KindP2SH   = "p2sh"   // script hash, base58, prefix 3 / 2
	KindBech32 = "bech32" // segwit v0+, prefix bc1 / tb1
)

var (
	// ErrInvalidAddress is returned when the string matches no known
	// address family.
	ErrInvalidAddress = errors.New("bitcoin: invalid address format")
)

var (
	base58Re = regexp.MustCompile(`^[123mn2][a-km-zA-HJ-NP-Z1-9]{25,34}$`)
	bech32Re = regexp.MustCompile(`^(bc1|tb1)[ac-hj-np-z02-9]{11,87}$`)
)

// Address is a parsed, format-validated Bitcoin address.
type Address struct {
	Address string `json:"address"`
	Network string `json:"network"`
	Kind    string `json:"kind"`
}

// ParseAddress validates the shape of a Bitcoin address and reports
// its family and network.
func ParseAddress(s string) (*Address, error) {
	switch {
	case bech32Re.MatchString(strings.ToLower(s)):
		network := Mainnet
		if strings.HasPrefix(strings.ToLower(s), "tb1") {
			network = Testnet
		}
		return &Address{Address: s, Network: network, Kind: KindBech32}, nil

	case base58Re.MatchString(s):
		var network, kind string
		switch s[0] {
		case '1':
			network, kind = Mainnet, KindP2PKH
		case '3':
			network, kind = Mainnet, KindP2SH
		case 'm', 'n':
			network, kind = Testnet, KindP2PKH
		case '2':
			network, kind = Testnet, KindP2SH
		}
		return &Address{Address: s, Network: network, Kind: kind}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
}
