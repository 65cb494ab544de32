// Package sharp is the Sharp module: BullX portfolio checks of Solana wallets with threshold filters, and the file
// tools that go with them (wallet list splitter, CSV merger, PnL filter).
package sharp

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/willx33/sol-tools/adapter"
	"github.com/willx33/sol-tools/lib/chain/solana"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/fetch"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
	"github.com/willx33/sol-tools/lib/util"
)

// Module name, pool endpoint and API defaults.
const (
	Name       = "sharp"
	Endpoint   = "bullx"
	DefaultAPI = "https://api-neo.bullx.io/v2/api/getPortfolioV3"
	// SolanaChainID is the BullX id of Solana.
	SolanaChainID = 1399811149
	ProbeWallet   = "So11111111111111111111111111111111111111112"

	agent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/108.0.0.0 Safari/537.36"
	checkerConfig = "config/wallet_checker_config.json"
)

// ErrNoWallets is returned when there is nothing to check.
var ErrNoWallets = errors.New("no wallet addresses given")

// Adapter of the Sharp module.
type Adapter struct {
	*adapter.Base
	API string
	now func() time.Time
}

// New returns the Sharp adapter.
func New(conf config.ServiceConfig, p *pool.Pool) *Adapter {
	return &Adapter{Base: adapter.NewBase(Name, conf, p), API: DefaultAPI, now: time.Now}
}

// Initialize creates the data directories. BullX needs no keys, BULLX_API_KEY is sent when set.
func (a *Adapter) Initialize(context.Context) bool {
	return a.Init(func() error {
		for _, d := range []string{"config", "wallets", "split", "csv/unfiltered", "csv/filtered", "csv/unmerged",
			"csv/merged"} {
			if _, err := a.dir(d); err != nil {
				return err
			}
		}
		return nil
	})
}

// Validate fetches the portfolio of the probe wallet.
func (a *Adapter) Validate(ctx context.Context) bool {
	return a.Check(func() error {
		return a.Probe(ctx, Endpoint, func(ctx context.Context, l *pool.Lease) error {
			_, err := a.portfolio(ctx, l, ProbeWallet)
			return err
		})
	})
}

// Cleanup ends the adapter.
func (a *Adapter) Cleanup() { a.Teardown(nil) }

func (a *Adapter) dir(name string) (string, error) {
	d, err := a.DataPath(filepath.FromSlash(name))
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", d, err)
	}
	return d, nil
}

func (a *Adapter) stamp() string { return a.now().Format("20060102_150405") }

// Portfolio is the BullX summary of a wallet. Distribution fields are the percent of tokens traded at a loss, between
// 0 and 200% profit and above 200%.
type Portfolio struct {
	Wallet          string          `json:"wallet"`
	RealizedPnl     decimal.Decimal `json:"realizedPnlUsd"`
	UnrealizedPnl   decimal.Decimal `json:"unrealizedPnlUsd"`
	TotalRevenue    decimal.Decimal `json:"totalRevenuePercent"`
	Distribution0   decimal.Decimal `json:"distribution_0_percent"`
	Distribution200 decimal.Decimal `json:"distribution_0_200_percent"`
	DistributionMax decimal.Decimal `json:"distribution_200_plus_percent"`
}

// Columns of the portfolio CSV files.
var Columns = []string{"wallet", "realizedPnlUsd", "unrealizedPnlUsd", "totalRevenuePercent",
	"distribution_0_percent", "distribution_0_200_percent", "distribution_200_plus_percent"}

func (p Portfolio) row() []string {
	return []string{p.Wallet, p.RealizedPnl.String(), p.UnrealizedPnl.String(), p.TotalRevenue.String(),
		p.Distribution0.String(), p.Distribution200.String(), p.DistributionMax.String()}
}

// Filters are minimum thresholds of the portfolio fields. A zero threshold is disabled.
type Filters struct {
	RealizedPnl     decimal.Decimal `json:"min_realizedPnlUsd"`
	UnrealizedPnl   decimal.Decimal `json:"min_unrealizedPnlUsd"`
	TotalRevenue    decimal.Decimal `json:"min_totalRevenuePercent"`
	Distribution0   decimal.Decimal `json:"min_distribution_0_percent"`
	Distribution200 decimal.Decimal `json:"min_distribution_0_200_percent"`
	DistributionMax decimal.Decimal `json:"min_distribution_200_plus_percent"`
}

// Pass tells whether p reaches every enabled threshold.
func (f Filters) Pass(p Portfolio) bool {
	pairs := [][2]decimal.Decimal{
		{f.RealizedPnl, p.RealizedPnl}, {f.UnrealizedPnl, p.UnrealizedPnl}, {f.TotalRevenue, p.TotalRevenue},
		{f.Distribution0, p.Distribution0}, {f.Distribution200, p.Distribution200},
		{f.DistributionMax, p.DistributionMax},
	}
	for _, pr := range pairs {
		if pr[0].IsPositive() && pr[1].LessThan(pr[0]) {
			return false
		}
	}
	return true
}

// CheckerConfig is the wallet checker configuration kept in config/wallet_checker_config.json.
type CheckerConfig struct {
	Filters        Filters `json:"filters"`
	SaveUnfiltered bool    `json:"save_unfiltered_csv"`
	SaveFiltered   bool    `json:"save_filtered_csv"`
}

// DefaultCheckerConfig disables every filter and saves both CSV files.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{SaveUnfiltered: true, SaveFiltered: true}
}

// LoadCheckerConfig loads the stored wallet checker configuration, writing the default one when there is none.
func (a *Adapter) LoadCheckerConfig() (CheckerConfig, error) {
	path, err := a.DataPath(filepath.FromSlash(checkerConfig))
	if err != nil {
		return CheckerConfig{}, err
	}
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c := DefaultCheckerConfig()
		if _, err = a.dir("config"); err != nil {
			return c, err
		}
		buf, _ = json.MarshalIndent(c, "", "  ")
		return c, os.WriteFile(path, buf, 0o644)
	}
	if err != nil {
		return CheckerConfig{}, err
	}
	c := DefaultCheckerConfig()
	if err = json.Unmarshal(buf, &c); err != nil {
		return CheckerConfig{}, fmt.Errorf("bad %s: %w", checkerConfig, err)
	}
	return c, nil
}

type portfolioRequest struct {
	Name string `json:"name"`
	Data struct {
		WalletAddresses []string `json:"walletAddresses"`
		ChainIDs        []int    `json:"chainIds"`
	} `json:"data"`
}

func (a *Adapter) portfolio(ctx context.Context, l *pool.Lease, wallet string) (Portfolio, error) {
	req := portfolioRequest{Name: "getPortfolioV3"}
	req.Data.WalletAddresses = []string{wallet}
	req.Data.ChainIDs = []int{SolanaChainID}

	h := http.Header{"User-Agent": {agent}, "Accept-Language": {"en-GB,en-US;q=0.9,en;q=0.8"}}
	if k := a.Conf.Keys.BullXAPIKey; k != "" {
		h.Set("Authorization", "Bearer "+k)
	}
	var p Portfolio
	if err := fetch.JSON(ctx, l.Client(), fetch.Request{Method: http.MethodPost, URL: a.API, Header: h, Body: req},
		&p); err != nil {
		return p, err
	}
	p.Wallet = wallet
	return p, nil
}

// Check is the outcome of CheckWallets.
type Check struct {
	All         []Portfolio   `json:"all"`
	Passed      []Portfolio   `json:"passed"`
	Failed      int           `json:"failed"`
	// Wallets is the file of the wallets that passed, CSV and FilteredCSV the saved portfolios.
	Wallets     string        `json:"walletsFile"`
	CSV         string        `json:"csvFile,omitempty"`
	FilteredCSV string        `json:"filteredCsvFile,omitempty"`
	Result      engine.Result `json:"-"`
}

// CheckWallets fetches the portfolio of every wallet, keeps those passing conf.Filters and writes the output files.
func (a *Adapter) CheckWallets(ctx context.Context, wallets []string, conf CheckerConfig, opts engine.Options) (
	Check, error) {
	var c Check
	if err := a.Require(); err != nil {
		return c, err
	}
	if len(wallets) == 0 {
		return c, ErrNoWallets
	}
	opts.Endpoint = Endpoint
	res, err := a.Run(ctx, wallets, func(ctx context.Context, w string, l *pool.Lease) (interface{}, error) {
		if !solana.ValidAddress(w) {
			return nil, retry.Permanent(retry.ClientError, fmt.Errorf("bad wallet address %q", w))
		}
		return a.portfolio(ctx, l, w)
	}, opts)
	c.Result = res
	if err != nil {
		return c, err
	}
	for _, j := range res.Jobs {
		if j.Status != engine.Succeeded {
			c.Failed++
			continue
		}
		p := j.Result.(Portfolio)
		c.All = append(c.All, p)
		if conf.Filters.Pass(p) {
			c.Passed = append(c.Passed, p)
		}
	}

	stamp := a.stamp()
	dir, err := a.dir("wallets")
	if err != nil {
		return c, err
	}
	passed := make([]string, 0, len(c.Passed))
	for _, p := range c.Passed {
		passed = append(passed, p.Wallet)
	}
	c.Wallets = filepath.Join(dir, "output-wallets_"+stamp+".txt")
	if err = util.WriteLinesFile(c.Wallets, passed); err != nil {
		return c, err
	}
	if conf.SaveUnfiltered {
		c.CSV = filepath.Join(dir, "portfolio_results_"+stamp+".csv")
		if err = writePortfolios(c.CSV, c.All); err != nil {
			return c, err
		}
	}
	if conf.SaveFiltered {
		c.FilteredCSV = filepath.Join(dir, "portfolio_results_filtered_"+stamp+".csv")
		if err = writePortfolios(c.FilteredCSV, c.Passed); err != nil {
			return c, err
		}
	}
	log.Info().Str("module", Name).Int("checked", len(c.All)).Int("passed", len(c.Passed)).Int("failed", c.Failed).
		Msg("wallets checked")
	return c, nil
}

func writePortfolios(path string, ps []Portfolio) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write(Columns)
	for _, p := range ps {
		_ = w.Write(p.row())
	}
	w.Flush()
	if err = w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
