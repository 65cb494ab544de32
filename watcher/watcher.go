// Package watcher implements the watcher microservice. The watcher runs a monitor session for every target in the
// watch lists of the modules and publishes the events the sessions deliver. It consumes watch requests from the
// message broker to listen to new targets or stop listening to them.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/adapter"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/msg"
	"github.com/willx33/sol-tools/lib/msg/types"
	"github.com/willx33/sol-tools/lib/store"
	"github.com/willx33/sol-tools/watcher/watchlist"
)

// DedupeSize is the number of recent event ids remembered per module.
const DedupeSize = 4096

// Errors returned
var (
	ErrNothingToWatch = errors.New("no module with monitors")
	ErrNotWatched     = errors.New("module is not watched")
	ErrBadRequest     = errors.New("bad watch request")
	ErrStopped        = errors.New("watcher stopped")
)

// Modules gives access to the adapters with monitors. *modules.Registry implements it.
type Modules interface {
	Names() []string
	Watcher(module string) (adapter.Watcher, error)
}

// Watcher implements a watcher service.
type Watcher struct {
	db     store.DB
	mb     msg.MsgBroker
	mods   Modules
	pub    msg.Publisher
	notify monitor.Sink

	mu     sync.Mutex
	wl     map[string]*watchlist.WatchList
	sinks  map[string]monitor.Sink
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New instantiates a new watcher service. Events are published to the broker mb and to pubs; notify, when not nil,
// receives them too (ie. a Telegram alert sink).
func New(db store.DB, mb msg.MsgBroker, mods Modules, notify monitor.Sink, pubs ...msg.Publisher) *Watcher {
	ps := msg.Publishers{}
	if mb != nil {
		ps = append(ps, mb)
	}
	ps = append(ps, pubs...)
	return &Watcher{
		db:     db,
		mb:     mb,
		mods:   mods,
		pub:    ps,
		notify: notify,
		wl:     map[string]*watchlist.WatchList{},
		sinks:  map[string]monitor.Sink{},
	}
}

// Watch starts a session for every target stored for the modules with monitors, then consumes the watch requests of
// each module. Pending requests in the broker queues are processed once the stored targets are running. Sessions and
// request loops run until Stop or ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	watched := 0
	for _, m := range w.mods.Names() {
		aw, err := w.mods.Watcher(m)
		if err != nil {
			continue
		}
		ls, err := w.db.GetTargets([]string{m})
		if err != nil {
			log.Error().Err(err).Str("module", m).Msg("cannot load watch list from store")
			continue
		}
		wl := watchlist.New(m, ls)
		if wl.Len() == 0 {
			log.Info().Str("module", m).Msg("no targets to watch in store")
		}
		w.mu.Lock()
		w.wl[m] = wl
		w.mu.Unlock()

		for _, t := range wl.ToStore().Targets {
			if err = w.start(ctx, aw, wl, t); err != nil {
				log.Error().Err(err).Str("module", m).Str("target", t.Addr).Msg("cannot start session")
			}
		}
		if w.mb != nil {
			if err = w.ManageRequests(ctx, m); err != nil {
				log.Error().Err(err).Str("module", m).Msg("cannot consume watch requests from broker")
			}
		}
		watched++
	}
	if watched == 0 {
		return ErrNothingToWatch
	}
	return nil
}

// Stop stops every session and request loop and waits for them to end.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	lists := make(map[string]*watchlist.WatchList, len(w.wl))
	for m, wl := range w.wl {
		lists[m] = wl
	}
	w.mu.Unlock()

	for m, wl := range lists {
		wl.Stop()
		aw, err := w.mods.Watcher(m)
		if err != nil {
			continue
		}
		for _, t := range wl.ToStore().Targets {
			if e, ok := wl.Get(t.Addr); ok && e.Session != "" {
				_ = aw.StopSession(e.Session)
			}
		}
	}
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	log.Info().Msg("watcher stopped")
}

// Lists returns the watch lists held by the watcher, by module.
func (w *Watcher) Lists() []store.WatchList {
	w.mu.Lock()
	defer w.mu.Unlock()
	ls := make([]store.WatchList, 0, len(w.wl))
	for _, wl := range w.wl {
		ls = append(ls, wl.ToStore())
	}
	return ls
}

// ManageRequests starts a go routine to receive and manage the watch requests of module.
func (w *Watcher) ManageRequests(ctx context.Context, module string) error {
	mut := new(sync.Mutex)
	mut.Lock()

	reqCh, errCh, err := w.mb.GetReqs(module, mut)
	if err != nil {
		return fmt.Errorf("watcher: cannot get requests: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		log.Info().Str("module", module).Msg("start listening to watch request channel")

		for {
			select {
			case <-ctx.Done():
				log.Info().Str("module", module).Msg("stop listening to watch request channel")
				return
			case req, ok := <-reqCh:
				if !ok {
					log.Info().Str("module", module).Msg("watch request channel closed")
					return
				}
				log.Debug().Str("module", module).Interface("req", req).Msg("received request")
				if err := w.Handle(ctx, module, req); err != nil {
					log.Warn().Err(err).Str("module", module).Str("target", req.Obj).Msg("request not processed")
				}
				mut.Unlock()
			case err, ok := <-errCh:
				if !ok {
					return
				}
				log.Error().Err(err).Str("module", module).Msg("received error")
			}
		}
	}()
	return nil
}

// Handle validates and applies a watch request for module.
func (w *Watcher) Handle(ctx context.Context, module string, req types.WatchReq) error {
	kind := types.KindName(req.Kind)
	if req.Module != module || req.Obj == "" || kind == "unknown" ||
		(req.Act != types.LISTEN && req.Act != types.UNLISTEN) {
		return fmt.Errorf("%w: module %q kind %d object %q action %d", ErrBadRequest, req.Module, req.Kind, req.Obj,
			req.Act)
	}
	if req.Act == types.LISTEN {
		return w.Listen(ctx, module, store.Target{Addr: req.Obj, Kind: kind})
	}
	return w.Unlisten(module, req.Obj)
}

// Listen starts watching t and adds it to the watch list of module. The target is only stored once its session is
// running, so targets the adapter rejects are never saved.
func (w *Watcher) Listen(ctx context.Context, module string, t store.Target) error {
	aw, wl, err := w.list(module)
	if err != nil {
		return err
	}
	if wl.Status() == watchlist.STOP {
		return ErrStopped
	}
	if e, ok := wl.Get(t.Addr); ok && e.Session != "" {
		if s := aw.Session(e.Session); s != nil && s.Status() != monitor.Stopped && s.Status() != monitor.Errored {
			log.Info().Str("module", module).Str("target", t.Addr).Msg("target was already watched")
			return nil
		}
	}
	if err = w.start(ctx, aw, wl, t); err != nil {
		return err
	}
	if _, err = w.db.AddTarget(t, module); err != nil {
		if e, ok := wl.Del(t.Addr); ok {
			_ = aw.StopSession(e.Session)
		}
		return fmt.Errorf("cannot add target to store: %w", err)
	}
	log.Info().Str("module", module).Str("kind", t.Kind).Str("target", t.Addr).Msg("added target")
	return nil
}

// Unlisten stops watching target and removes it from the watch list of module.
func (w *Watcher) Unlisten(module, target string) error {
	aw, wl, err := w.list(module)
	if err != nil {
		return err
	}
	e, ok := wl.Del(target)
	if !ok {
		log.Warn().Str("module", module).Str("target", target).Msg("target not in watch list, ignoring")
	} else if e.Session != "" {
		if err = aw.StopSession(e.Session); err != nil {
			log.Warn().Err(err).Str("session", e.Session).Msg("cannot stop session")
		}
	}
	if err = w.db.RemoveTarget(store.Target{Addr: target}, module); err != nil &&
		!errors.Is(err, store.ErrTargetNotFound) {
		return fmt.Errorf("cannot remove target from store: %w", err)
	}
	log.Info().Str("module", module).Str("target", target).Msg("removed target")
	return nil
}

func (w *Watcher) list(module string) (adapter.Watcher, *watchlist.WatchList, error) {
	w.mu.Lock()
	wl, ok := w.wl[module]
	w.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotWatched, module)
	}
	aw, err := w.mods.Watcher(module)
	if err != nil {
		return nil, nil, err
	}
	return aw, wl, nil
}

// start runs the session of t and records it until it ends.
func (w *Watcher) start(ctx context.Context, aw adapter.Watcher, wl *watchlist.WatchList, t store.Target) error {
	s, err := aw.Watch(ctx, t.Kind, t.Addr, w.sink(wl.Module), store.Cursors{DB: w.db})
	if err != nil {
		return err
	}
	wl.Add(t.Addr, watchlist.Entry{Kind: t.Kind, Name: t.Name, Session: s.ID()})
	w.record(s, t.Kind)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		<-s.Done()
		if err := s.Err(); err != nil {
			log.Error().Err(err).Str("session", s.ID()).Msg("session ended")
		}
		w.record(s, t.Kind)
	}()
	return nil
}

// record saves the status of s to store keeping the stored cursor unless s has a newer one.
func (w *Watcher) record(s *monitor.Session, kind string) {
	st, err := w.db.LoadSession(s.ID())
	if err != nil && !errors.Is(err, store.ErrDataNotFound) {
		log.Error().Err(err).Str("session", s.ID()).Msg("cannot load session from store")
		return
	}
	st.Module, st.Target, st.Kind, st.Status = s.Module(), s.Target(), kind, s.Status().String()
	if c := s.Cursor(); c != "" {
		st.Cursor = c
	}
	st.Updated = time.Now().UTC()
	if err = w.db.SaveSession(s.ID(), st); err != nil {
		log.Error().Err(err).Str("session", s.ID()).Msg("cannot save session to store")
	}
}

// sink returns the sink of the sessions of module: events are published, then sent to the notifier, and duplicated
// deliveries after a reconnect are dropped.
func (w *Watcher) sink(module string) monitor.Sink {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.sinks[module]; ok {
		return s
	}
	s := monitor.Dedupe(monitor.Fanout(msg.SinkFor(w.pub, module), w.notify), DedupeSize)
	w.sinks[module] = s
	return s
}
