// Package dune is the Dune Analytics module: it downloads the latest results of saved queries as CSV files and
// extracts address lists from them.
package dune

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/adapter"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/fetch"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

// Module name, pool endpoint and defaults.
const (
	Name          = "dune"
	Endpoint      = "dune"
	DefaultAPI    = "https://api.dune.com/api/v1"
	BatchSize     = 3
	BatchDelay    = 30 * time.Second
	DefaultColumn = 2
	// ProbeQuery is fetched with a single row by Validate.
	ProbeQuery = 1215383
)

// Errors returned
var (
	ErrNoQueries = errors.New("no query ids given")
	ErrNoCSV     = errors.New("csv file not found")
	ErrBadName   = errors.New("bad csv file name")
)

// Adapter of the Dune module.
type Adapter struct {
	*adapter.Base
	API        string
	BatchSize  int
	BatchDelay time.Duration
	now        func() time.Time
}

// New returns the Dune adapter.
func New(conf config.ServiceConfig, p *pool.Pool) *Adapter {
	return &Adapter{Base: adapter.NewBase(Name, conf, p), API: DefaultAPI, BatchSize: BatchSize,
		BatchDelay: BatchDelay, now: time.Now}
}

// Initialize checks DUNE_API_KEY and creates the data directories.
func (a *Adapter) Initialize(context.Context) bool {
	return a.Init(func() error {
		for _, d := range []string{"csv", "parsed"} {
			if _, err := a.dir(d); err != nil {
				return err
			}
		}
		return nil
	})
}

// Validate fetches one row of a public query.
func (a *Adapter) Validate(ctx context.Context) bool {
	return a.Check(func() error {
		return a.Probe(ctx, Endpoint, func(ctx context.Context, l *pool.Lease) error {
			_, err := fetch.Bytes(ctx, l.Client(), fetch.Request{
				URL:    fmt.Sprintf("%s/query/%d/results", a.API, ProbeQuery),
				Query:  url.Values{"limit": {"1"}},
				Header: a.header(),
			})
			return err
		})
	})
}

// Cleanup ends the adapter.
func (a *Adapter) Cleanup() { a.Teardown(nil) }

func (a *Adapter) header() http.Header {
	return http.Header{"X-Dune-Api-Key": {a.Conf.Keys.DuneAPIKey}}
}

func (a *Adapter) dir(name string) (string, error) {
	d, err := a.DataPath(name)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", d, err)
	}
	return d, nil
}

// Output is the CSV file written for one query.
type Output struct {
	Query int    `json:"query"`
	File  string `json:"file"`
	Rows  int    `json:"rows"`
	Bytes int    `json:"bytes"`
}

// Runs is the outcome of RunQueries.
type Runs struct {
	Files    []string     `json:"files"`
	Run      int          `json:"queriesRun"`
	Failures int          `json:"failures"`
	Jobs     []engine.Job `json:"jobs"`
}

// RunQueries downloads the latest result of every query into the csv directory. Queries run in batches of
// BatchSize with BatchDelay between batches, Dune rate limits bursts of result downloads.
func (a *Adapter) RunQueries(ctx context.Context, ids []int, progress func(engine.Progress)) (Runs, error) {
	var runs Runs
	if err := a.Require(); err != nil {
		return runs, err
	}
	if len(ids) == 0 {
		return runs, ErrNoQueries
	}
	dir, err := a.dir("csv")
	if err != nil {
		return runs, err
	}
	size := a.BatchSize
	if size <= 0 {
		size = BatchSize
	}

	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		targets := make([]string, 0, end-i)
		for _, id := range ids[i:end] {
			targets = append(targets, strconv.Itoa(id))
		}
		res, err := a.Run(ctx, targets, a.download(dir), engine.Options{Concurrency: size, Endpoint: Endpoint,
			Progress: progress})
		runs.Jobs = append(runs.Jobs, res.Jobs...)
		for _, j := range res.Jobs {
			if j.Status != engine.Succeeded {
				runs.Failures++
				log.Warn().Str("module", Name).Str("query", j.Target).Str("error", j.Error()).Msg("query failed")
				continue
			}
			runs.Run++
			runs.Files = append(runs.Files, j.Result.(Output).File)
		}
		if err != nil {
			return runs, err
		}
		if end < len(ids) {
			log.Info().Str("module", Name).Dur("delay", a.BatchDelay).Msg("batch done, waiting for the rate limit")
			if err = retry.Wait(ctx, a.BatchDelay); err != nil {
				return runs, err
			}
		}
	}
	return runs, nil
}

func (a *Adapter) download(dir string) engine.FetchFunc {
	return func(ctx context.Context, target string, l *pool.Lease) (interface{}, error) {
		id, err := strconv.Atoi(target)
		if err != nil || id <= 0 {
			return nil, retry.Permanent(retry.ClientError, fmt.Errorf("bad query id %q", target))
		}
		buf, err := fetch.Bytes(ctx, l.Client(), fetch.Request{
			URL:    fmt.Sprintf("%s/query/%d/results/csv", a.API, id),
			Header: a.header(),
		})
		if err != nil {
			return nil, err
		}
		rows, err := csv.NewReader(bytes.NewReader(buf)).ReadAll()
		if err != nil {
			return nil, retry.Transient(fmt.Errorf("query %d returned a bad csv: %w", id, err))
		}

		name := fmt.Sprintf("dune_output_%d_%s.csv", id, a.now().Format("20060102-150405"))
		path := filepath.Join(dir, name)
		if err = os.WriteFile(path, buf, 0o644); err != nil {
			return nil, retry.Permanent(retry.ClientError, err)
		}
		out := Output{Query: id, File: path, Bytes: len(buf)}
		if len(rows) > 0 {
			out.Rows = len(rows) - 1
		}
		log.Info().Str("module", Name).Int("query", id).Int("rows", out.Rows).Str("file", name).Msg("saved")
		return out, nil
	}
}

func (a *Adapter) csvPath(name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	dir, err := a.dir("csv")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ParseCSV extracts the values of column from a stored CSV into parsed/<name>_parsed.txt, skipping token_address
// headers, and returns the output path and the values.
func (a *Adapter) ParseCSV(name string, column int) (string, []string, error) {
	path, err := a.csvPath(name)
	if err != nil {
		return "", nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("%w: %s", ErrNoCSV, name)
		}
		return "", nil, err
	}
	defer f.Close()

	values, err := Column(f, column)
	if err != nil {
		return "", nil, fmt.Errorf("cannot parse %s: %w", name, err)
	}

	dir, err := a.dir("parsed")
	if err != nil {
		return "", nil, err
	}
	out := filepath.Join(dir, strings.TrimSuffix(name, filepath.Ext(name))+"_parsed.txt")
	var b strings.Builder
	for _, v := range values {
		b.WriteString(v)
		b.WriteByte('\n')
	}
	if err = os.WriteFile(out, []byte(b.String()), 0o644); err != nil {
		return "", nil, err
	}
	return out, values, nil
}

// Column returns the values of column of every row of a CSV, skipping the rows too short to have it and the
// token_address header.
func Column(r io.Reader, column int) ([]string, error) {
	if column < 0 {
		return nil, fmt.Errorf("bad column %d", column)
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	var values []string
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return values, nil
		}
		if err != nil {
			return nil, err
		}
		if len(row) <= column {
			continue
		}
		v := strings.TrimSpace(row[column])
		if strings.EqualFold(v, "token_address") {
			continue
		}
		values = append(values, v)
	}
}

// CSVs lists the stored CSV files by name.
func (a *Adapter) CSVs() ([]string, error) {
	dir, err := a.dir("csv")
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names, nil
}

// DeleteCSV removes a stored CSV file.
func (a *Adapter) DeleteCSV(name string) error {
	path, err := a.csvPath(name)
	if err != nil {
		return err
	}
	if err = os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoCSV, name)
		}
		return err
	}
	return nil
}
