// Package main: one-shot bulk runs.
//
// bulk reads its targets from a file, one per line, runs the operation of the module over all of them printing a
// progress line and saves the outcome:
//
//	solana, ethereum  wallet analysis, CSV report to -o
//	gmgn              wallet statistics, JSON to -o
//	sharp             portfolio check, files saved under the module data directory
//	dune              query ids, result CSVs saved under the module data directory
//	telegram          channel scrape, CSV of the messages to -o
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/adapter/dune"
	"github.com/willx33/sol-tools/adapter/gmgn"
	"github.com/willx33/sol-tools/adapter/sharp"
	"github.com/willx33/sol-tools/adapter/telegram"
	"github.com/willx33/sol-tools/analyzer"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/engine"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/util"
	"github.com/willx33/sol-tools/modules"
)

// ErrNoTargets is returned for empty input files.
var ErrNoTargets = errors.New("no targets in input")

type options struct {
	module  string
	in, out string
	threads int
	skip    bool
	filter  string
	limit   int
}

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json or yaml file")
	monitor := flag.Bool("m", false, "flag to serve Prometheus metrics at http://localhost:9100/metrics")
	var o options
	flag.StringVar(&o.module, "module", "solana", "module to run: solana, ethereum, gmgn, sharp, dune or telegram")
	flag.StringVar(&o.in, "i", "", "input file, one target per line")
	flag.StringVar(&o.out, "o", "", "output file, stdout when empty")
	flag.IntVar(&o.threads, "t", 0, "concurrent requests, the configured concurrency when 0")
	flag.BoolVar(&o.skip, "skip", false, "gmgn: leave out inactive wallets")
	flag.StringVar(&o.filter, "filter", telegram.FilterAll, "telegram: all, tokens or links")
	flag.IntVar(&o.limit, "limit", telegram.DefaultLimit, "telegram: messages read per channel")
	flag.Parse()

	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	util.SetupLogging(conf.Verbose, true)
	if o.threads == 0 {
		o.threads = conf.Concurrency
	}

	if *monitor {
		go func() {
			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(":9100", h)
		}()
	}

	// CTRL+C stops scheduling, the jobs in flight finish and the partial outcome is saved
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, conf, o, os.Stdout, os.Stderr); err != nil {
		log.Error().Err(err).Str("module", o.module).Msg("bulk run failed")
		os.Exit(1)
	}
}

// run builds the module, initializes it and runs the bulk operation of o.module.
func run(ctx context.Context, conf config.ServiceConfig, o options, stdout, stderr io.Writer) error {
	targets, err := util.ReadLinesFile(o.in)
	if err != nil {
		return err
	}
	if targets = util.Dedupe(targets); len(targets) == 0 {
		return ErrNoTargets
	}

	popts, err := pool.OptionsFromConfig(conf)
	if err != nil {
		return err
	}
	p := pool.New(popts)
	defer p.Close()
	reg, err := modules.New(conf, p, []string{o.module})
	if err != nil {
		return err
	}
	defer reg.Cleanup()
	a, _ := reg.Get(o.module)
	if !a.Initialize(ctx) {
		return a.LastError()
	}

	pr := newProgress(stderr, o.module)
	var out interface{}
	switch m := a.(type) {
	case modules.WalletAnalyzer:
		var rep analyzer.Report
		rep, err = m.AnalyzeWallets(ctx, targets, analyzer.Options{Concurrency: o.threads, Progress: pr.update})
		pr.done()
		if err == nil {
			err = output(o.out, stdout, rep.WriteCSV)
		}
		log.Info().Int("succeeded", rep.Totals.Succeeded).Int("failed", rep.Totals.Failed).
			Int("invalid", rep.Totals.Invalid).Int("active", rep.Totals.Active).
			Str("balance", rep.Totals.Balance.String()).Msg("analysis done")
		return err
	case *gmgn.Adapter:
		var st gmgn.Stats
		st, err = m.WalletStats(ctx, targets, gmgn.StatsOptions{Concurrency: o.threads, Progress: pr.update,
			Skip: o.skip})
		out = st
	case *sharp.Adapter:
		var c sharp.Check
		cc, cerr := m.LoadCheckerConfig()
		if cerr != nil {
			return cerr
		}
		c, err = m.CheckWallets(ctx, targets, cc, engine.Options{Concurrency: o.threads, Progress: pr.update})
		out = struct {
			Wallets, CSV, FilteredCSV string
			Passed, Failed            int
		}{c.Wallets, c.CSV, c.FilteredCSV, len(c.Passed), c.Failed}
	case *dune.Adapter:
		ids := make([]int, 0, len(targets))
		for _, t := range targets {
			id, perr := strconv.Atoi(t)
			if perr != nil {
				return fmt.Errorf("bad query id %q", t)
			}
			ids = append(ids, id)
		}
		var runs dune.Runs
		runs, err = m.RunQueries(ctx, ids, pr.update)
		out = runs
	case *telegram.Adapter:
		return scrape(ctx, m, targets, o, stdout, stderr)
	default:
		return fmt.Errorf("%s has no bulk operation", a.Name())
	}
	pr.done()
	if err != nil {
		return err
	}
	return output(o.out, stdout, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	})
}

// scrape reads every channel in turn; channels that fail are logged and left out.
func scrape(ctx context.Context, a *telegram.Adapter, channels []string, o options, stdout, stderr io.Writer) error {
	pr := newProgress(stderr, a.Name())
	p := engine.Progress{Total: len(channels), Remaining: len(channels)}
	var all []telegram.Message
	for _, c := range channels {
		if ctx.Err() != nil {
			p.Skipped++
		} else if ms, err := a.Scrape(ctx, c, telegram.ScrapeOptions{Limit: o.limit, Filter: o.filter}); err != nil {
			log.Warn().Err(err).Str("channel", c).Msg("scrape failed")
			p.Failed++
		} else {
			all = append(all, ms...)
			p.Succeeded++
		}
		p.Remaining--
		pr.update(p)
	}
	pr.done()
	if p.Succeeded == 0 {
		return engine.ErrAllFailed
	}
	return output(o.out, stdout, func(w io.Writer) error { return telegram.WriteCSV(w, all) })
}

// output writes with f to the file name, or to stdout when name is empty.
func output(name string, stdout io.Writer, f func(io.Writer) error) error {
	if name == "" {
		return f(stdout)
	}
	fh, err := os.Create(name)
	if err != nil {
		return err
	}
	if err = f(fh); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}
