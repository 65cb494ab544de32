package gmgn

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/willx33/sol-tools/analyzer"
	"github.com/willx33/sol-tools/lib/chain/solana"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

// PnLLabels names the token PnL buckets GMGN counts per wallet.
var PnLLabels = []string{"<-50%", "-50%-0%", "0%-200%", "200%-500%", ">500%"}

// walletReply is the data of the walletNew call.
type walletReply struct {
	SolBalance  decimal.Decimal `json:"sol_balance"`
	PnL7d       decimal.Decimal `json:"pnl_7d"`
	PnL30d      decimal.Decimal `json:"pnl_30d"`
	Winrate     decimal.Decimal `json:"winrate"`
	Realized7d  decimal.Decimal `json:"realized_profit_7d"`
	Realized30d decimal.Decimal `json:"realized_profit_30d"`
	Buy30d      int             `json:"buy_30d"`
	Sell30d     int             `json:"sell_30d"`
	TokenNum    int             `json:"token_num"`
	LastActive  int64           `json:"last_active_timestamp"`
	Tags        []string        `json:"tags"`
	LtMinus50   int             `json:"pnl_lt_minus_dot5_num"`
	Minus50to0  int             `json:"pnl_minus_dot5_0x_num"`
	Lt2x        int             `json:"pnl_lt_2x_num"`
	From2xTo5x  int             `json:"pnl_2x_5x_num"`
	Gt5x        int             `json:"pnl_gt_5x_num"`
}

// WalletStat is the trading summary of a wallet.
type WalletStat struct {
	Address     string          `json:"address"`
	Balance     decimal.Decimal `json:"solBalance"`
	PnL7d       decimal.Decimal `json:"pnl7d"`
	PnL30d      decimal.Decimal `json:"pnl30d"`
	Winrate     decimal.Decimal `json:"winrate"`
	Realized7d  decimal.Decimal `json:"realizedProfit7d"`
	Realized30d decimal.Decimal `json:"realizedProfit30d"`
	Buys30d     int             `json:"buys30d"`
	Sells30d    int             `json:"sells30d"`
	Tokens      int             `json:"tokens"`
	LastActive  int64           `json:"lastActive"`
	Tags        []string        `json:"tags"`
	// PnL counts the traded tokens per PnLLabels bucket.
	PnL []int `json:"pnlDistribution"`
	// Skipped wallets were fetched but left out by the skip rule.
	Skipped bool `json:"skipped"`
}

// Inactive tells wallets with no buys in 30 days or less than one SOL.
func (w WalletStat) Inactive() bool {
	return w.Buys30d <= 0 || w.Balance.LessThan(decimal.NewFromInt(1))
}

// StatsOptions of WalletStats.
type StatsOptions struct {
	Concurrency int
	Progress    func(engine.Progress)
	// Skip leaves out inactive wallets.
	Skip bool
}

// Stats is the outcome of WalletStats.
type Stats struct {
	Wallets []WalletStat      `json:"wallets"`
	Skipped int               `json:"skipped"`
	Failed  int               `json:"failed"`
	PnL     []analyzer.Bucket `json:"pnlDistribution"`
	Result  engine.Result     `json:"-"`
}

// WalletStats fetches the 7d statistics of every wallet. Invalid addresses fail without a request.
func (a *Adapter) WalletStats(ctx context.Context, wallets []string, opts StatsOptions) (Stats, error) {
	var st Stats
	res, err := a.Run(ctx, wallets, func(ctx context.Context, addr string, l *pool.Lease) (interface{}, error) {
		if !solana.ValidAddress(addr) {
			return nil, retry.Permanent(retry.ClientError, fmt.Errorf("bad wallet address %q", addr))
		}
		return a.wallet(ctx, l, addr)
	}, engine.Options{Concurrency: opts.Concurrency, Endpoint: Endpoint, Progress: opts.Progress})
	st.Result = res
	if err != nil {
		return st, err
	}

	totals := make([]int, len(PnLLabels))
	for _, j := range res.Jobs {
		if j.Status != engine.Succeeded {
			st.Failed++
			continue
		}
		w := j.Result.(WalletStat)
		if opts.Skip && w.Inactive() {
			w.Skipped = true
			st.Skipped++
			continue
		}
		for i, n := range w.PnL {
			totals[i] += n
		}
		st.Wallets = append(st.Wallets, w)
	}
	st.PnL = PnLBuckets(totals)
	return st, nil
}

func (a *Adapter) wallet(ctx context.Context, l *pool.Lease, addr string) (WalletStat, error) {
	var r walletReply
	if err := a.get(ctx, l, "/smartmoney/sol/walletNew/"+addr, url.Values{"period": {"7d"}}, &r); err != nil {
		return WalletStat{}, err
	}
	return WalletStat{
		Address: addr, Balance: r.SolBalance, PnL7d: r.PnL7d, PnL30d: r.PnL30d, Winrate: r.Winrate,
		Realized7d: r.Realized7d, Realized30d: r.Realized30d, Buys30d: r.Buy30d, Sells30d: r.Sell30d,
		Tokens: r.TokenNum, LastActive: r.LastActive, Tags: r.Tags,
		PnL: []int{r.LtMinus50, r.Minus50to0, r.Lt2x, r.From2xTo5x, r.Gt5x},
	}, nil
}

// PnLBuckets turns counts per PnLLabels bucket into buckets with percentages.
func PnLBuckets(counts []int) []analyzer.Bucket {
	bs := make([]analyzer.Bucket, len(PnLLabels))
	total := 0
	for _, n := range counts {
		total += n
	}
	for i, l := range PnLLabels {
		bs[i].Label = l
		if i < len(counts) {
			bs[i].Count = counts[i]
		}
		if total > 0 {
			bs[i].Percent = decimal.NewFromInt(int64(bs[i].Count * 100)).Div(decimal.NewFromInt(int64(total))).
				Round(2)
		}
	}
	return bs
}
