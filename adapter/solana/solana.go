// Package solana is the Solana module: bulk wallet analysis over the RPC, wallet monitors over a logsSubscribe
// stream and token monitors polling the Helius parsed transaction api.
package solana

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/willx33/sol-tools/adapter"
	"github.com/willx33/sol-tools/analyzer"
	solchain "github.com/willx33/sol-tools/lib/chain/solana"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/fetch"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
	"github.com/willx33/sol-tools/lib/util"
)

const (
	Name = "solana"
	// HeliusAPI serves parsed transactions.
	HeliusAPI = "https://api.helius.xyz"
	// DefaultMinAmount is the token amount below which transfers are not reported.
	DefaultMinAmount = 1000
	// WatchListFile holds the wallets given to the wallet monitor.
	WatchListFile = "monitor-wallets.txt"
)

// Adapter of the Solana module.
type Adapter struct {
	*adapter.Base
	Chain     *solchain.Solana
	HeliusAPI string
	an        *analyzer.Analyzer
}

// New returns the Solana adapter.
func New(conf config.ServiceConfig, p *pool.Pool) *Adapter {
	a := &Adapter{Base: adapter.NewBase(Name, conf, p), HeliusAPI: HeliusAPI}
	a.an = analyzer.New(a.Base)
	return a
}

// Initialize checks the Helius key and builds the RPC client.
func (a *Adapter) Initialize(context.Context) bool {
	return a.Init(func() error {
		if a.Conf.Keys.SolanaRPCURL == "" {
			return fmt.Errorf("no solana rpc url")
		}
		a.Chain = solchain.Init(a.Conf.Keys.SolanaRPCURL).WithWS(a.Conf.Keys.SolanaWSURL)
		return nil
	})
}

// Validate checks the RPC node is healthy.
func (a *Adapter) Validate(ctx context.Context) bool {
	return a.Check(func() error {
		return a.Probe(ctx, solchain.Endpoint, a.Chain.Health)
	})
}

// Cleanup stops the monitors of the adapter.
func (a *Adapter) Cleanup() {
	a.Teardown(nil)
}

// AnalyzeWallets fetches the balance and recent activity of every wallet.
func (a *Adapter) AnalyzeWallets(ctx context.Context, addrs []string, opts analyzer.Options) (analyzer.Report, error) {
	if err := a.Require(); err != nil {
		return analyzer.Report{}, err
	}
	return a.an.Analyze(ctx, a.Chain, addrs, opts)
}

// Watch starts a monitor on target: "wallet" follows every transaction mentioning the wallet, "token" reports the
// transfers of the token above DefaultMinAmount.
func (a *Adapter) Watch(ctx context.Context, kind, target string, sink monitor.Sink, store monitor.CursorStore) (
	*monitor.Session, error) {
	if err := a.Require(); err != nil {
		return nil, err
	}
	if !solchain.ValidAddress(target) {
		return nil, retry.Permanent(retry.ClientError, fmt.Errorf("invalid solana address %q", target))
	}
	switch kind {
	case "wallet":
		s := monitor.NewStream(a.Pool, a.Chain.WalletStream(target),
			a.SessionOptions(kind, target, solchain.Endpoint, store))
		return a.StartSession(ctx, s, sink)
	case "token":
		return a.WatchToken(ctx, target, decimal.NewFromInt(DefaultMinAmount), sink, store)
	}
	return nil, retry.Permanent(retry.ClientError, fmt.Errorf("solana cannot watch a %q", kind))
}

// WatchToken starts a poll monitor reporting the transfers of token of at least min.
func (a *Adapter) WatchToken(ctx context.Context, token string, min decimal.Decimal, sink monitor.Sink,
	store monitor.CursorStore) (*monitor.Session, error) {
	s := monitor.NewPoll(a.Pool, a.TokenPoller(token, min), a.SessionOptions("token", token, solchain.Endpoint, store))
	return a.StartSession(ctx, s, sink)
}

// parsedTx is a transaction of the Helius parsed transaction api.
type parsedTx struct {
	Signature      string `json:"signature"`
	Timestamp      int64  `json:"timestamp"`
	Type           string `json:"type"`
	Source         string `json:"source"`
	Description    string `json:"description"`
	TokenTransfers []struct {
		FromUserAccount string          `json:"fromUserAccount"`
		ToUserAccount   string          `json:"toUserAccount"`
		Mint            string          `json:"mint"`
		TokenAmount     decimal.Decimal `json:"tokenAmount"`
	} `json:"tokenTransfers"`
}

// TokenPoller returns the poller of the transfers of token of at least min. The cursor is the signature of the
// newest transaction seen; the first poll only records it.
func (a *Adapter) TokenPoller(token string, min decimal.Decimal) monitor.PollFunc {
	return func(ctx context.Context, lease *pool.Lease, cursor string) ([]monitor.Event, error) {
		q := url.Values{"api-key": {a.Conf.Keys.HeliusAPIKey}, "limit": {"100"}}
		if cursor != "" {
			q.Set("until", cursor)
		}
		var txs []parsedTx
		err := fetch.JSON(ctx, lease.Client(), fetch.Request{
			URL: a.HeliusAPI + "/v0/addresses/" + token + "/transactions", Query: q}, &txs)
		if err != nil {
			return nil, err
		}
		if len(txs) == 0 {
			return nil, nil
		}
		if cursor == "" {
			// nothing to compare against yet, start after the newest
			return []monitor.Event{{Cursor: txs[0].Signature}}, nil
		}

		evs := []monitor.Event{}
		for i := len(txs) - 1; i >= 0; i-- { // oldest first
			tx := txs[i]
			for _, tt := range tx.TokenTransfers {
				if tt.Mint != token || tt.TokenAmount.LessThan(min) {
					continue
				}
				evs = append(evs, monitor.Event{
					ID: tx.Signature, Cursor: tx.Signature, Module: Name, Target: token, Kind: "token",
					Time: time.Unix(tx.Timestamp, 0).UTC(),
					Data: map[string]interface{}{
						"amount": tt.TokenAmount.String(), "from": tt.FromUserAccount, "to": tt.ToUserAccount,
						"type": tx.Type, "source": tx.Source, "description": tx.Description,
					},
				})
				break
			}
		}
		if len(evs) == 0 || evs[len(evs)-1].Cursor != txs[0].Signature {
			// move the cursor past transactions below the threshold
			evs = append(evs, monitor.Event{Cursor: txs[0].Signature})
		}
		return evs, nil
	}
}

// WriteWatchList writes the valid, deduplicated wallets to the watch list file and returns its path and the
// invalid wallets.
func (a *Adapter) WriteWatchList(wallets []string) (string, []string, error) {
	name, err := a.DataPath(WatchListFile)
	if err != nil {
		return "", nil, err
	}
	var invalid []string
	f, err := os.Create(name)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, addr := range util.Dedupe(wallets) {
		if !solchain.ValidAddress(addr) {
			invalid = append(invalid, addr)
			continue
		}
		fmt.Fprintln(w, addr)
	}
	if err = w.Flush(); err != nil {
		return "", nil, err
	}
	log.Info().Str("module", Name).Str("file", name).Int("invalid", len(invalid)).Msg("watch list written")
	return name, invalid, nil
}
