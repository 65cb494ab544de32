// Package chain defines the interface required for all blockchain connections.
package chain

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/chain/ethereum"
	"github.com/willx33/sol-tools/lib/chain/solana"
	"github.com/willx33/sol-tools/lib/chain/types"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/pool"
)

// Chain is an interface that contains the required methods to analyse wallets of a blockchain. Requests go through
// the HTTP client of the lease given, so they count against the endpoint's budget and the proxy's health.
type Chain interface {
	Name() string
	// Endpoint is the pool endpoint requests are budgeted against.
	Endpoint() string
	ValidAddress(addr string) bool
	FetchAddressData(ctx context.Context, lease *pool.Lease, addr string) (types.WalletRecord, error)
	Close()
}

// Init loads the clients of the chains named into a map. Chains without their keys are skipped.
func Init(conf config.ServiceConfig, names []string) (m map[string]Chain, err error) {
	m = make(map[string]Chain)

	for _, name := range names {
		switch name {
		case solana.Name:
			if conf.Keys.SolanaRPCURL == "" {
				log.Warn().Str("module", name).Msg("No RPC url configured. Ignoring...")
				continue
			}
			m[name] = solana.Init(conf.Keys.SolanaRPCURL)
		case ethereum.Name:
			var e *ethereum.Ethereum
			if e, err = ethereum.Init(ethereum.DefaultAPI, conf.Keys.EtherscanAPIKey, conf.Keys.EthereumRPCURL,
				conf.Keys.EthereumSecret); err != nil {
				End(m)
				return nil, err
			}
			m[name] = e
		default:
			log.Warn().Str("module", name).Msg("Blockchain interface not defined. Ignoring...")
		}
	}

	return
}

// End closes gracefully all the blockchain clients opened.
func End(m map[string]Chain) {
	for _, c := range m {
		c.Close()
	}
}
