// Package chain identifies the two ledgers an agent can transact on and
// normalizes their address formats.
package chain

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownChain   = errors.New("chain: unknown chain")
	ErrInvalidAddress = errors.New("chain: invalid address")
)

// Chain names a supported ledger.
type Chain string

const (
	Base   Chain = "base"   // EVM L2, USDC transfers via ERC-20 logs
	Solana Chain = "solana" // SPL token transfers via balance deltas
)

// All lists the supported chains in canonical order.
var All = []Chain{Base, Solana}

var solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// Parse maps a user-supplied chain name to a Chain.
func Parse(s string) (Chain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "evm", "eip155:8453", "eip155:84532":
		return Base, nil
	case "solana", "sol":
		return Solana, nil
	default:
		return "", ErrUnknownChain
	}
}

// Other returns the chain that is not c.
func (c Chain) Other() Chain {
	if c == Base {
		return Solana
	}
	return Base
}

func (c Chain) String() string { return string(c) }

// IsValidAddress reports whether addr is syntactically valid on c.
func (c Chain) IsValidAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	switch c {
	case Base:
		return common.IsHexAddress(addr) && strings.HasPrefix(addr, "0x")
	case Solana:
		return solanaAddressRegex.MatchString(addr)
	default:
		return false
	}
}

// Normalize returns the canonical form of addr on c. EVM addresses are
// lowercased; Solana base58 addresses are case-sensitive and only trimmed.
func (c Chain) Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !c.IsValidAddress(addr) {
		return "", ErrInvalidAddress
	}
	if c == Base {
		return strings.ToLower(addr), nil
	}
	return addr, nil
}

// Detect guesses the chain of an address from its syntax.
func Detect(addr string) (Chain, error) {
	switch {
	case Base.IsValidAddress(addr):
		return Base, nil
	case Solana.IsValidAddress(addr):
		return Solana, nil
	default:
		return "", ErrInvalidAddress
	}
}

// FromCAIP10 splits a CAIP-10 account id ("eip155:8453:0xabc",
// "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp:9xQe...") into chain and address.
func FromCAIP10(id string) (Chain, string, bool) {
	parts := strings.Split(strings.TrimSpace(id), ":")
	if len(parts) != 3 {
		return "", "", false
	}
	var c Chain
	switch strings.ToLower(parts[0]) {
	case "eip155":
		c = Base
	case "solana":
		c = Solana
	default:
		return "", "", false
	}
	addr, err := c.Normalize(parts[2])
	if err != nil {
		return "", "", false
	}
	return c, addr, true
}
