package types

import (
	"fmt"
	"strings"
)

// TokenType identifies the on-chain asset being transferred.
type TokenType string

const (
	TokenETH  TokenType = "ETH"
	TokenUSDC TokenType = "USDC"
)

// Decimals returns the number of base-unit decimals for the token.
func (t TokenType) Decimals() uint8 {
	switch t {
	case TokenUSDC:
		return 6
	default:
		return 18
	}
}

// Valid reports whether the token type is one we support.
func (t TokenType) Valid() bool {
	switch t {
	case TokenETH, TokenUSDC:
		return true
	}
	return false
}

// ParseTokenType parses a token symbol, case-insensitively.
func ParseTokenType(s string) (TokenType, error) {
	switch strings.ToUpper(s) {
	case "ETH":
		return TokenETH, nil
	case "USDC":
		return TokenUSDC, nil
	}
	return "", fmt.Errorf("unknown token type: %s", s)
}
