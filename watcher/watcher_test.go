package watcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/willx33/sol-tools/adapter"
	"github.com/willx33/sol-tools/lib/config"
	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/msg/types"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/store"
	"github.com/willx33/sol-tools/lib/store/file"
)

// fakeAdapter watches wallets, each session polls three events.
type fakeAdapter struct {
	*adapter.Base
}

func (f *fakeAdapter) Initialize(context.Context) bool { return f.Init(nil) }
func (f *fakeAdapter) Validate(context.Context) bool   { return f.Check(nil) }
func (f *fakeAdapter) Cleanup()                        { f.Teardown(nil) }

func (f *fakeAdapter) Watch(ctx context.Context, kind, target string, sink monitor.Sink, cs monitor.CursorStore) (
	*monitor.Session, error) {
	if kind != "wallet" {
		return nil, fmt.Errorf("cannot watch %s", kind)
	}
	poll := func(_ context.Context, _ *pool.Lease, cursor string) ([]monitor.Event, error) {
		n, _ := strconv.Atoi(cursor)
		if n >= 3 {
			return nil, nil
		}
		n++
		return []monitor.Event{{ID: fmt.Sprintf("%s:%d", target, n), Cursor: strconv.Itoa(n), Module: "fake",
			Target: target, Kind: "tx"}}, nil
	}
	s := monitor.NewPoll(f.Pool, monitor.PollFunc(poll), f.SessionOptions(kind, target, "fake", cs))
	return f.StartSession(ctx, s, sink)
}

type fakeModules map[string]adapter.Adapter

func (m fakeModules) Names() []string { return []string{"fake", "plain"} }

func (m fakeModules) Watcher(module string) (adapter.Watcher, error) {
	w, ok := m[module].(adapter.Watcher)
	if !ok {
		return nil, errors.New("not a watcher")
	}
	return w, nil
}

// broker keeps requests in memory and follows the ack protocol of the amqp broker.
type broker struct {
	queue chan types.WatchReq
	acked chan types.WatchReq
	mu    sync.Mutex
	evs   map[string]int
}

func newBroker() *broker {
	return &broker{queue: make(chan types.WatchReq, 8), acked: make(chan types.WatchReq, 8), evs: map[string]int{}}
}

func (b *broker) Setup(interface{}) error { return nil }
func (b *broker) Close() error            { return nil }

func (b *broker) SendRequest(_ string, r types.WatchReq) error {
	b.queue <- r
	return nil
}

func (b *broker) GetEvents(string, *sync.Mutex) (<-chan monitor.Event, <-chan error, error) {
	return nil, nil, errors.New("not supported")
}

func (b *broker) GetReqs(_ string, mut *sync.Mutex) (<-chan types.WatchReq, <-chan error, error) {
	reqs := make(chan types.WatchReq)
	go func() {
		for r := range b.queue {
			reqs <- r
			mut.Lock()
			b.acked <- r
		}
	}()
	return reqs, make(chan error), nil
}

func (b *broker) SendEvents(_ string, evs []monitor.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range evs {
		b.evs[ev.Target]++
	}
	return nil
}

func (b *broker) count(target string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evs[target]
}

func (b *broker) send(t *testing.T, r types.WatchReq) {
	t.Helper()
	_ = b.SendRequest(r.Module, r)
	select {
	case <-b.acked:
	case <-time.After(5 * time.Second):
		t.Fatalf("request %+v not acknowledged", r)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func addrs(t *testing.T, db store.DB) []string {
	t.Helper()
	ls, err := db.GetTargets([]string{"fake"})
	if err != nil {
		t.Fatal(err)
	}
	var as []string
	for _, l := range ls {
		for _, tg := range l.Targets {
			as = append(as, tg.Addr)
		}
	}
	return as
}

func TestWatcher(t *testing.T) {
	conf := config.Default()
	conf.DataDir = t.TempDir()
	conf.PollIntervalMs = 10

	db, err := file.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err = db.AddTarget(store.Target{Addr: "w1", Kind: "wallet"}, "fake"); err != nil {
		t.Fatal(err)
	}

	fa := &fakeAdapter{Base: adapter.NewBase("fake", conf, nil)}
	if !fa.Initialize(context.Background()) {
		t.Fatalf("fake adapter not ready: %v", fa.LastError())
	}
	defer fa.Cleanup()

	var mu sync.Mutex
	notified := 0
	notify := monitor.SinkFunc(func(context.Context, monitor.Event) error {
		mu.Lock()
		notified++
		mu.Unlock()
		return nil
	})

	b := newBroker()
	w := New(db, b, fakeModules{"fake": fa}, notify)
	if err = w.Watch(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "events of w1", func() bool { return b.count("w1") == 3 })

	b.send(t, types.WatchReq{Module: "fake", Kind: types.WALLET, Obj: "w2", Act: types.LISTEN})
	if as := addrs(t, db); len(as) != 2 {
		t.Errorf("w2 not stored: %v", as)
	}
	waitFor(t, "events of w2", func() bool { return b.count("w2") == 3 })

	// rejected by the adapter, by kind and by module
	b.send(t, types.WatchReq{Module: "fake", Kind: types.TOKEN, Obj: "t1", Act: types.LISTEN})
	b.send(t, types.WatchReq{Module: "fake", Kind: 7, Obj: "w3", Act: types.LISTEN})
	b.send(t, types.WatchReq{Module: "other", Kind: types.WALLET, Obj: "w4", Act: types.LISTEN})
	if as := addrs(t, db); len(as) != 2 {
		t.Errorf("rejected targets stored: %v", as)
	}

	b.send(t, types.WatchReq{Module: "fake", Kind: types.WALLET, Obj: "w1", Act: types.UNLISTEN})
	if as := addrs(t, db); len(as) != 1 || as[0] != "w2" {
		t.Errorf("w1 not removed: %v", as)
	}
	if fa.Session(adapter.SessionID("fake", "wallet", "w1")) != nil {
		t.Errorf("session of w1 still owned by the adapter")
	}
	// listening twice keeps the running session
	b.send(t, types.WatchReq{Module: "fake", Kind: types.WALLET, Obj: "w2", Act: types.LISTEN})

	ls := w.Lists()
	if len(ls) != 1 || len(ls[0].Targets) != 1 || ls[0].Targets[0].Addr != "w2" {
		t.Errorf("unexpected watch lists %+v", ls)
	}

	w.Stop()
	st, err := db.LoadSession(adapter.SessionID("fake", "wallet", "w2"))
	if err != nil || st.Status != "STOPPED" || st.Cursor != "3" || st.Module != "fake" || st.Kind != "wallet" {
		t.Errorf("unexpected session state %+v %v", st, err)
	}
	if b.count("w2") != 3 {
		t.Errorf("w2 events duplicated: %d", b.count("w2"))
	}
	mu.Lock()
	defer mu.Unlock()
	if notified != 6 {
		t.Errorf("expected 6 notifications, got %d", notified)
	}
}

func TestWatchNothing(t *testing.T) {
	db, err := file.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	w := New(db, nil, fakeModules{}, nil)
	if err = w.Watch(context.Background()); !errors.Is(err, ErrNothingToWatch) {
		t.Errorf("expected ErrNothingToWatch, got %v", err)
	}
	w.Stop()

	if err = w.Listen(context.Background(), "fake", store.Target{Addr: "w1", Kind: "wallet"}); !errors.Is(err,
		ErrNotWatched) {
		t.Errorf("expected ErrNotWatched, got %v", err)
	}
}

func TestSinkSharedTransaction(t *testing.T) {
	db, err := file.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var notified []string
	notify := monitor.SinkFunc(func(_ context.Context, ev monitor.Event) error {
		mu.Lock()
		notified = append(notified, ev.Target)
		mu.Unlock()
		return nil
	})
	b := newBroker()
	w := New(db, b, fakeModules{}, notify)

	// one transaction touching two watched wallets, then replayed for the first one after a reconnect
	sig := "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
	s := w.sink("solana")
	for _, target := range []string{"walletA", "walletB", "walletA"} {
		if err = s.Deliver(context.Background(), monitor.Event{ID: sig, Module: "solana", Target: target}); err != nil {
			t.Fatal(err)
		}
	}
	if b.count("walletA") != 1 || b.count("walletB") != 1 {
		t.Errorf("unexpected published events walletA=%d walletB=%d", b.count("walletA"), b.count("walletB"))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 2 || notified[0] != "walletA" || notified[1] != "walletB" {
		t.Errorf("unexpected notified targets %v", notified)
	}
	if w.sink("solana") != s {
		t.Error("sink not shared by the sessions of a module")
	}
}
