package monitor

import (
	"context"
	"sync"
)

type dedupe struct {
	mu   sync.Mutex
	next Sink
	seen map[string]struct{}
	ring []string
	pos  int
}

// Dedupe wraps next so that events whose target and id were among the last size delivered ones are acknowledged
// without being delivered again. One transaction seen by two targets is delivered for each of them.
func Dedupe(next Sink, size int) Sink {
	if size <= 0 {
		size = 1024
	}
	return &dedupe{next: next, seen: make(map[string]struct{}, size), ring: make([]string, size)}
}

func (d *dedupe) Deliver(ctx context.Context, ev Event) error {
	key := ev.Target + "/" + ev.ID
	d.mu.Lock()
	_, dup := d.seen[key]
	d.mu.Unlock()
	if dup {
		return nil
	}
	if err := d.next.Deliver(ctx, ev); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup = d.seen[key]; dup {
		return nil
	}
	if old := d.ring[d.pos]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.pos] = key
	d.seen[key] = struct{}{}
	d.pos = (d.pos + 1) % len(d.ring)
	return nil
}

// Fanout delivers every event to all sinks in order. The first error stops the delivery and is returned, so the
// event is not acknowledged and comes again.
func Fanout(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Deliver(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}
