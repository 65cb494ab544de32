// Package types common blockchain types.
package types

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Trans contains a simplified number of transaction fields. For the time being, we keep just one transfer from `From`
// to `To` but there are blockchains that have multiple transfers in one transaction.
type Trans struct {
	Block  string `json:"block"`
	Hash   string `json:"hash"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Token  string `json:"token,omitempty"`
	Value  string `json:"value,omitempty"`
	Data   string `json:"data,omitempty"`
	Fee    string `json:"fee,omitempty"`
	Status uint8  `json:"status"`
	TS     int64  `json:"ts"`
}

// Transaction status constants
const (
	TrxPending uint8 = 0
	TrxFailed  uint8 = 1
	TrxSuccess uint8 = 2
)

// WalletRecord is what a chain reports for one address.
type WalletRecord struct {
	Chain        string          `json:"chain"`
	Address      string          `json:"address"`
	Balance      decimal.Decimal `json:"balance"`
	Symbol       string          `json:"symbol"`
	TxCount      int             `json:"txCount"`
	LastActivity time.Time       `json:"lastActivity,omitempty"`
	Txs          []Trans         `json:"txs,omitempty"`
}

// Active reports whether the wallet moved funds since t.
func (w WalletRecord) Active(since time.Time) bool {
	return !w.LastActivity.IsZero() && !w.LastActivity.Before(since)
}

// Error codes.
var (
	ErrBadAddress  = errors.New("invalid address for chain")
	ErrNoTrxHash   = errors.New("malformed tx data, field 'hash' missing")
	ErrNoTrxInput  = errors.New("malformed tx data, field 'input' missing")
	ErrTrxWrongLen = errors.New("malformed tx data, field 'input' has wrong length for ERC20.Transfer")
	ErrNoNode      = errors.New("no node configured")
)
