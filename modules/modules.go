// Package modules builds the module adapters by name and keeps them in a registry shared by the services.
package modules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/adapter"
	"github.com/willx33/sol-tools/adapter/dune"
	"github.com/willx33/sol-tools/adapter/ethereum"
	"github.com/willx33/sol-tools/adapter/gmgn"
	"github.com/willx33/sol-tools/adapter/sharp"
	"github.com/willx33/sol-tools/adapter/solana"
	"github.com/willx33/sol-tools/adapter/telegram"
	"github.com/willx33/sol-tools/analyzer"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/lifecycle"
	"github.com/willx33/sol-tools/lib/pool"
)

// Errors returned
var (
	ErrUnknown    = errors.New("unknown module")
	ErrNotWatcher = errors.New("module has no monitors")
	ErrNoAnalyzer = errors.New("module cannot analyze wallets")
)

// Factory builds an adapter sharing the pool p.
type Factory func(conf config.ServiceConfig, p *pool.Pool) adapter.Adapter

// Factories maps module names to their factory.
var Factories = map[string]Factory{
	solana.Name:   func(c config.ServiceConfig, p *pool.Pool) adapter.Adapter { return solana.New(c, p) },
	ethereum.Name: func(c config.ServiceConfig, p *pool.Pool) adapter.Adapter { return ethereum.New(c, p) },
	dune.Name:     func(c config.ServiceConfig, p *pool.Pool) adapter.Adapter { return dune.New(c, p) },
	gmgn.Name:     func(c config.ServiceConfig, p *pool.Pool) adapter.Adapter { return gmgn.New(c, p) },
	sharp.Name:    func(c config.ServiceConfig, p *pool.Pool) adapter.Adapter { return sharp.New(c, p) },
	telegram.Name: func(c config.ServiceConfig, p *pool.Pool) adapter.Adapter { return telegram.New(c, p) },
}

// WalletAnalyzer is implemented by the modules with a wallet checker over the generic analyzer.
type WalletAnalyzer interface {
	adapter.Adapter
	AnalyzeWallets(ctx context.Context, addrs []string, opts analyzer.Options) (analyzer.Report, error)
}

// Status of a module.
type Status struct {
	Name      string          `json:"name"`
	State     lifecycle.State `json:"state"`
	Missing   []string        `json:"missing,omitempty"`
	LastError string          `json:"lastError,omitempty"`
	Watcher   bool            `json:"watcher"`
	Sessions  int             `json:"sessions"`
}

// Registry holds the adapters of the configured modules.
type Registry struct {
	conf     config.ServiceConfig
	mu       sync.RWMutex
	adapters map[string]adapter.Adapter
}

// New builds the adapters of names over the pool p. Unknown names are an error.
func New(conf config.ServiceConfig, p *pool.Pool, names []string) (*Registry, error) {
	r := &Registry{conf: conf, adapters: map[string]adapter.Adapter{}}
	for _, n := range names {
		f, ok := Factories[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknown, n)
		}
		r.adapters[n] = f(conf, p)
	}
	return r, nil
}

// Names returns the module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		ns = append(ns, n)
	}
	sort.Strings(ns)
	return ns
}

// Get returns the adapter of module.
func (r *Registry) Get(module string) (adapter.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[module]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, module)
	}
	return a, nil
}

// Watcher returns the adapter of module if it has monitors.
func (r *Registry) Watcher(module string) (adapter.Watcher, error) {
	a, err := r.Get(module)
	if err != nil {
		return nil, err
	}
	w, ok := a.(adapter.Watcher)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotWatcher, module)
	}
	return w, nil
}

// Analyzer returns the adapter of module if it analyzes wallets.
func (r *Registry) Analyzer(module string) (WalletAnalyzer, error) {
	a, err := r.Get(module)
	if err != nil {
		return nil, err
	}
	w, ok := a.(WalletAnalyzer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAnalyzer, module)
	}
	return w, nil
}

// Initialize initializes every module and returns those that reached READY. Modules missing credentials stay in
// ERROR without stopping the others.
func (r *Registry) Initialize(ctx context.Context) []string {
	var ready []string
	for _, n := range r.Names() {
		a, _ := r.Get(n)
		if a.Initialize(ctx) {
			ready = append(ready, n)
			continue
		}
		log.Warn().Str("module", n).Err(a.LastError()).Msg("module not ready")
	}
	return ready
}

// Status returns the status of every module.
func (r *Registry) Status() []Status {
	var ss []Status
	for _, n := range r.Names() {
		a, _ := r.Get(n)
		s := Status{Name: n, State: a.State(), Missing: r.conf.Missing(n)}
		if err := a.LastError(); err != nil {
			s.LastError = err.Error()
		}
		if w, ok := a.(adapter.Watcher); ok {
			s.Watcher = true
			s.Sessions = len(w.Sessions())
		}
		ss = append(ss, s)
	}
	return ss
}

// Cleanup cleans every module up.
func (r *Registry) Cleanup() {
	for _, n := range r.Names() {
		a, _ := r.Get(n)
		a.Cleanup()
	}
}
