package sharp

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/willx33/sol-tools/lib/util"
)

// MaxPerFile is the default size of the wallet lists written by Split.
const MaxPerFile = 24999

// Errors returned by the file tools
var (
	ErrNoFiles  = errors.New("no csv files given")
	ErrNotFound = errors.New("file not found")
	ErrBadName  = errors.New("bad file name")
)

// Split writes wallets in lists of at most size wallets, split/wallets_001.txt on, and returns their paths.
func (a *Adapter) Split(wallets []string, size int) ([]string, error) {
	if len(wallets) == 0 {
		return nil, ErrNoWallets
	}
	if size <= 0 {
		size = MaxPerFile
	}
	dir, err := a.dir("split")
	if err != nil {
		return nil, err
	}
	var files []string
	for i := 0; i*size < len(wallets); i++ {
		end := (i + 1) * size
		if end > len(wallets) {
			end = len(wallets)
		}
		name := filepath.Join(dir, fmt.Sprintf("wallets_%03d.txt", i+1))
		if err = util.WriteLinesFile(name, wallets[i*size:end]); err != nil {
			return files, err
		}
		files = append(files, name)
	}
	log.Info().Str("module", Name).Int("wallets", len(wallets)).Int("files", len(files)).Msg("wallets split")
	return files, nil
}

// input returns the path of name in the csv directory sub, which must exist.
func (a *Adapter) input(sub, name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	dir, err := a.dir("csv/" + sub)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if _, err = os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err = w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Merge concatenates the CSV files of csv/unmerged into csv/merged/merged_<time>.csv under the header of the first
// file. Rows of the other files equal to that header are dropped. It returns the output path and its data rows.
func (a *Adapter) Merge(names []string) (string, int, error) {
	if len(names) == 0 {
		return "", 0, ErrNoFiles
	}
	paths := make([]string, len(names))
	for i, n := range names {
		p, err := a.input("unmerged", n)
		if err != nil {
			return "", 0, err
		}
		paths[i] = p
	}

	var out [][]string
	var header []string
	for i, p := range paths {
		rows, err := readCSV(p)
		if err != nil {
			return "", 0, err
		}
		if i == 0 {
			if len(rows) == 0 {
				return "", 0, fmt.Errorf("%s has no header", names[0])
			}
			header = rows[0]
			out = append(out, header)
			rows = rows[1:]
		}
		for _, r := range rows {
			if sameRow(r, header) {
				continue
			}
			out = append(out, r)
		}
	}

	dir, err := a.dir("csv/merged")
	if err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, "merged_"+a.stamp()+".csv")
	if err = writeCSV(path, out); err != nil {
		return "", 0, err
	}
	log.Info().Str("module", Name).Int("files", len(names)).Int("rows", len(out)-1).Msg("csv merged")
	return path, len(out) - 1, nil
}

func sameRow(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.TrimSpace(a[i]) != strings.TrimSpace(b[i]) {
			return false
		}
	}
	return true
}

// PnLFilter holds the thresholds of FilterPnL. Minimums of zero are disabled, as is a MaxLossRate of zero.
type PnLFilter struct {
	MinPnL      decimal.Decimal `json:"min_pnl"`
	MinWinRate  decimal.Decimal `json:"min_win_rate"`
	MaxLossRate decimal.Decimal `json:"max_loss_rate"`
	MinTrades   decimal.Decimal `json:"min_trades"`
	// MissingAllowed lets rows without a value for a threshold pass it.
	MissingAllowed bool `json:"missed_data_allowed"`
}

// DefaultPnLFilter passes every row.
func DefaultPnLFilter() PnLFilter {
	return PnLFilter{MaxLossRate: decimal.NewFromInt(100), MissingAllowed: true}
}

// PnLColumns are the header names, compared without case, each threshold reads.
var PnLColumns = map[string][]string{
	"pnl":       {"pnl", "realizedpnlusd", "total_pnl"},
	"win_rate":  {"win_rate", "winrate"},
	"loss_rate": {"loss_rate", "lossrate"},
	"trades":    {"trades", "total_trades", "trade_count"},
}

type rule struct {
	col   int
	limit decimal.Decimal
	upper bool
}

func (f PnLFilter) rules(header []string) (rs []rule, missing []string) {
	index := func(key string) int {
		for i, h := range header {
			for _, c := range PnLColumns[key] {
				if strings.EqualFold(strings.TrimSpace(h), c) {
					return i
				}
			}
		}
		return -1
	}
	add := func(key string, limit decimal.Decimal, upper bool) {
		if !limit.IsPositive() {
			return
		}
		i := index(key)
		if i < 0 {
			missing = append(missing, key)
		}
		rs = append(rs, rule{col: i, limit: limit, upper: upper})
	}
	add("pnl", f.MinPnL, false)
	add("win_rate", f.MinWinRate, false)
	add("loss_rate", f.MaxLossRate, true)
	add("trades", f.MinTrades, false)
	return
}

// pass tells whether row passes the rules.
func (f PnLFilter) pass(rs []rule, row []string) bool {
	for _, r := range rs {
		if r.col < 0 || r.col >= len(row) || strings.TrimSpace(row[r.col]) == "" {
			if !f.MissingAllowed {
				return false
			}
			continue
		}
		v, err := decimal.NewFromString(strings.TrimSpace(row[r.col]))
		if err != nil {
			if !f.MissingAllowed {
				return false
			}
			continue
		}
		if (r.upper && v.GreaterThan(r.limit)) || (!r.upper && v.LessThan(r.limit)) {
			return false
		}
	}
	return true
}

// Filter returns the header and the rows of a CSV passing f, and the number of data rows read.
func (f PnLFilter) Filter(r io.Reader) ([][]string, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}
	rs, missing := f.rules(rows[0])
	if len(missing) > 0 {
		log.Warn().Strs("thresholds", missing).Msg("csv has no column for thresholds")
	}
	out := [][]string{rows[0]}
	for _, row := range rows[1:] {
		if f.pass(rs, row) {
			out = append(out, row)
		}
	}
	return out, len(rows) - 1, nil
}

// FilterPnL keeps the rows of csv/unfiltered/<name> passing f in csv/filtered/<name>_filtered_<time>.csv. It returns
// the output path, the kept and the total data rows.
func (a *Adapter) FilterPnL(name string, f PnLFilter) (string, int, int, error) {
	path, err := a.input("unfiltered", name)
	if err != nil {
		return "", 0, 0, err
	}
	in, err := os.Open(path)
	if err != nil {
		return "", 0, 0, err
	}
	defer in.Close()
	rows, total, err := f.Filter(in)
	if err != nil {
		return "", 0, 0, fmt.Errorf("cannot read %s: %w", name, err)
	}

	dir, err := a.dir("csv/filtered")
	if err != nil {
		return "", 0, 0, err
	}
	out := filepath.Join(dir, strings.TrimSuffix(name, filepath.Ext(name))+"_filtered_"+a.stamp()+".csv")
	if err = writeCSV(out, rows); err != nil {
		return "", 0, 0, err
	}
	kept := 0
	if len(rows) > 0 {
		kept = len(rows) - 1
	}
	return out, kept, total, nil
}
