// Package ethereum is the Ethereum module: wallet checks over Etherscan, node balances over JSON-RPC, a
// time-window transaction finder and wallet poll monitors.
package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/adapter"
	"github.com/willx33/sol-tools/analyzer"
	ethchain "github.com/willx33/sol-tools/lib/chain/ethereum"
	"github.com/willx33/sol-tools/lib/chain/types"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

const Name = "ethereum"

// MaxWindowTxs bounds the transactions fetched per wallet by FindByTime.
const MaxWindowTxs = 10000

// Adapter of the Ethereum module.
type Adapter struct {
	*adapter.Base
	Chain *ethchain.Ethereum
	// API is the Etherscan api url.
	API string
	an  *analyzer.Analyzer
}

// New returns the Ethereum adapter.
func New(conf config.ServiceConfig, p *pool.Pool) *Adapter {
	a := &Adapter{Base: adapter.NewBase(Name, conf, p), API: ethchain.DefaultAPI}
	a.an = analyzer.New(a.Base)
	return a
}

// Initialize checks the Etherscan key and connects to the node when one is configured.
func (a *Adapter) Initialize(context.Context) bool {
	return a.Init(func() (err error) {
		a.Chain, err = ethchain.Init(a.API, a.Conf.Keys.EtherscanAPIKey, a.Conf.Keys.EthereumRPCURL,
			a.Conf.Keys.EthereumSecret)
		return err
	})
}

// Validate checks Etherscan answers with the configured key.
func (a *Adapter) Validate(ctx context.Context) bool {
	return a.Check(func() error {
		return a.Probe(ctx, ethchain.Endpoint, func(ctx context.Context, l *pool.Lease) error {
			_, err := a.Chain.Balance(ctx, l, common.Address{}.Hex())
			return err
		})
	})
}

// Cleanup stops the monitors and closes the node connection.
func (a *Adapter) Cleanup() {
	a.Teardown(func() {
		if a.Chain != nil {
			a.Chain.Close()
		}
	})
}

// AnalyzeWallets fetches the balance and last transactions of every wallet.
func (a *Adapter) AnalyzeWallets(ctx context.Context, addrs []string, opts analyzer.Options) (analyzer.Report, error) {
	if err := a.Require(); err != nil {
		return analyzer.Report{}, err
	}
	return a.an.Analyze(ctx, a.Chain, addrs, opts)
}

// NodeBalance returns the ether balance of address, and its balance of token when given, from the node.
func (a *Adapter) NodeBalance(address, token string) (eth, tok *big.Int, err error) {
	if err = a.Require(); err != nil {
		return
	}
	return a.Chain.NodeBalance(address, token)
}

// Window is the transactions of one wallet between two times.
type Window struct {
	Address string        `json:"address"`
	From    uint64        `json:"fromBlock"`
	To      uint64        `json:"toBlock"`
	Txs     []types.Trans `json:"txs"`
}

// FindByTime returns, for every wallet, its transactions between from and to.
func (a *Adapter) FindByTime(ctx context.Context, addrs []string, from, to time.Time, opts engine.Options) (
	engine.Result, error) {
	if err := a.Require(); err != nil {
		return engine.Result{}, err
	}
	if !to.After(from) {
		return engine.Result{}, retry.Permanent(retry.ClientError, fmt.Errorf("empty window %s - %s", from, to))
	}

	var start, end uint64
	err := a.Probe(ctx, ethchain.Endpoint, func(ctx context.Context, l *pool.Lease) (err error) {
		if start, err = a.Chain.BlockByTime(ctx, l, from, "after"); err != nil {
			return
		}
		end, err = a.Chain.BlockByTime(ctx, l, to, "before")
		return
	})
	if err != nil {
		return engine.Result{}, err
	}
	log.Info().Str("module", Name).Uint64("from", start).Uint64("to", end).Int("wallets", len(addrs)).
		Msg("finding transactions by time")

	opts.Endpoint = ethchain.Endpoint
	return a.Run(ctx, addrs, func(ctx context.Context, addr string, l *pool.Lease) (interface{}, error) {
		if !a.Chain.ValidAddress(addr) {
			return nil, retry.Permanent(retry.ClientError, fmt.Errorf("%w: %s", types.ErrBadAddress, addr))
		}
		list, err := a.Chain.TxRange(ctx, l, addr, start, end, MaxWindowTxs, true)
		if err != nil {
			return nil, err
		}
		txs, err := ethchain.DecodeTxs(list)
		if err != nil {
			return nil, retry.Permanent(retry.ClientError, err)
		}
		return Window{Address: addr, From: start, To: end, Txs: txs}, nil
	}, opts)
}

// Watch starts a poll monitor of the transactions of a wallet.
func (a *Adapter) Watch(ctx context.Context, kind, target string, sink monitor.Sink, store monitor.CursorStore) (
	*monitor.Session, error) {
	if err := a.Require(); err != nil {
		return nil, err
	}
	if kind != "wallet" {
		return nil, retry.Permanent(retry.ClientError, fmt.Errorf("ethereum cannot watch a %q", kind))
	}
	if !a.Chain.ValidAddress(target) {
		return nil, retry.Permanent(retry.ClientError, fmt.Errorf("%w: %s", types.ErrBadAddress, target))
	}
	s := monitor.NewPoll(a.Pool, a.WalletPoller(target), a.SessionOptions(kind, target, ethchain.Endpoint, store))
	return a.StartSession(ctx, s, sink)
}

// WalletPoller returns the poller of the transactions of addr. The cursor is a block number; polls include the
// cursor block so that transactions indexed late are not missed, sinks drop the repeats by hash.
func (a *Adapter) WalletPoller(addr string) monitor.PollFunc {
	return func(ctx context.Context, lease *pool.Lease, cursor string) ([]monitor.Event, error) {
		if cursor == "" {
			txs, err := a.Chain.TxList(ctx, lease, addr, 0, 1, false)
			if err != nil || len(txs) == 0 {
				return nil, err
			}
			return []monitor.Event{{Cursor: txs[0].BlockNumber}}, nil
		}
		start, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, retry.Permanent(retry.ClientError, fmt.Errorf("bad cursor %q", cursor))
		}
		list, err := a.Chain.TxList(ctx, lease, addr, start, 100, true)
		if err != nil {
			return nil, err
		}
		txs, err := ethchain.DecodeTxs(list)
		if err != nil {
			return nil, retry.Permanent(retry.ClientError, err)
		}
		evs := make([]monitor.Event, 0, len(txs))
		for _, t := range txs {
			evs = append(evs, monitor.Event{
				ID: t.Hash, Cursor: t.Block, Module: Name, Target: addr, Kind: "wallet",
				Time: time.Unix(t.TS, 0).UTC(),
				Data: map[string]interface{}{"from": t.From, "to": t.To, "value": t.Value, "token": t.Token,
					"status": t.Status},
			})
		}
		return evs, nil
	}
}
