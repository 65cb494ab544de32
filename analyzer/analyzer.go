// Package analyzer runs bulk wallet analyses on any chain: the addresses are validated, fetched through the bulk
// engine and summarised into totals and a balance distribution.
package analyzer

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/willx33/sol-tools/lib/chain/types"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/pool"
)

// Fetcher fetches the record of one wallet. Every chain.Chain is a Fetcher.
type Fetcher interface {
	Name() string
	Endpoint() string
	ValidAddress(addr string) bool
	FetchAddressData(ctx context.Context, lease *pool.Lease, addr string) (types.WalletRecord, error)
}

// Runner runs bulk fetches. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, targets []string, fn engine.FetchFunc, opts engine.Options) (engine.Result, error)
}

// Options of an analysis.
type Options struct {
	Concurrency int
	Progress    func(engine.Progress)
	OnAuthError func(error)
	// ActiveWithin counts wallets with activity in this window as active, 30 days when unset.
	ActiveWithin time.Duration
	// Edges of the balance distribution, BalanceEdges when nil.
	Edges []decimal.Decimal
}

// BalanceEdges are the default balance bucket edges.
var BalanceEdges = []decimal.Decimal{
	decimal.NewFromFloat(0.1), decimal.NewFromInt(1), decimal.NewFromInt(10), decimal.NewFromInt(100),
}

// Entry is the outcome of one address, in input order.
type Entry struct {
	Address  string              `json:"address"`
	Status   engine.Status       `json:"status"`
	Attempts int                 `json:"attempts"`
	Record   *types.WalletRecord `json:"record,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Totals of a report.
type Totals struct {
	Wallets   int             `json:"wallets"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Invalid   int             `json:"invalid"`
	Active    int             `json:"active"`
	Balance   decimal.Decimal `json:"balance"`
}

// Report of an analysis.
type Report struct {
	Chain        string        `json:"chain"`
	Entries      []Entry       `json:"entries"`
	Totals       Totals        `json:"totals"`
	Distribution []Bucket      `json:"distribution"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Analyzer analyses wallets with a Runner.
type Analyzer struct {
	r   Runner
	now func() time.Time
}

// New returns an Analyzer running on r.
func New(r Runner) *Analyzer {
	return &Analyzer{r: r, now: time.Now}
}

// Analyze fetches every valid address with f. Invalid addresses are reported without being fetched. The error is
// the one of the run, the report is complete either way.
func (a *Analyzer) Analyze(ctx context.Context, f Fetcher, addrs []string, opts Options) (Report, error) {
	if opts.ActiveWithin <= 0 {
		opts.ActiveWithin = 30 * 24 * time.Hour
	}
	if opts.Edges == nil {
		opts.Edges = BalanceEdges
	}

	rep := Report{Chain: f.Name(), Entries: make([]Entry, len(addrs))}
	valid := make([]string, 0, len(addrs))
	index := make([]int, 0, len(addrs))
	for i, addr := range addrs {
		rep.Entries[i] = Entry{Address: addr}
		if !f.ValidAddress(addr) {
			rep.Entries[i].Status = engine.Failed
			rep.Entries[i].Error = types.ErrBadAddress.Error()
			rep.Totals.Invalid++
			continue
		}
		valid = append(valid, addr)
		index = append(index, i)
	}

	res, err := a.r.Run(ctx, valid, func(ctx context.Context, addr string, l *pool.Lease) (interface{}, error) {
		return f.FetchAddressData(ctx, l, addr)
	}, engine.Options{
		Concurrency: opts.Concurrency,
		Endpoint:    f.Endpoint(),
		Progress:    opts.Progress,
		OnAuthError: opts.OnAuthError,
	})

	since := a.now().Add(-opts.ActiveWithin)
	balances := []decimal.Decimal{}
	rep.Totals.Balance = decimal.Zero
	for k, j := range res.Jobs {
		e := &rep.Entries[index[k]]
		e.Status, e.Attempts, e.Error = j.Status, j.Attempts, j.Error()
		if w, ok := j.Result.(types.WalletRecord); ok && j.Status == engine.Succeeded {
			e.Record = &w
			rep.Totals.Balance = rep.Totals.Balance.Add(w.Balance)
			balances = append(balances, w.Balance)
			if w.Active(since) {
				rep.Totals.Active++
			}
		}
	}
	rep.Totals.Wallets = len(addrs)
	rep.Totals.Succeeded, rep.Totals.Failed, rep.Totals.Skipped = res.Succeeded, res.Failed+rep.Totals.Invalid,
		res.Skipped
	rep.Distribution = Distribution(balances, opts.Edges)
	rep.Elapsed = res.Elapsed

	return rep, err
}

// WriteCSV writes one line per entry: address, status, balance, symbol, txs, last activity, error.
func (r Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"address", "status", "balance", "symbol", "txs", "last_activity", "error"}); err != nil {
		return err
	}
	for _, e := range r.Entries {
		row := []string{e.Address, e.Status.String(), "", "", "", "", e.Error}
		if e.Record != nil {
			row[2], row[3], row[4] = e.Record.Balance.String(), e.Record.Symbol, strconv.Itoa(e.Record.TxCount)
			if !e.Record.LastActivity.IsZero() {
				row[5] = e.Record.LastActivity.Format(time.RFC3339)
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
