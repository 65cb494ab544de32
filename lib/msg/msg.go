// Package msg defines the interface for different message brokers.
package msg

import (
	"context"
	"sync"

	"github.com/willx33/sol-tools/lib/monitor"
	"github.com/willx33/sol-tools/lib/msg/types"
)

// Publisher publishes monitor events of a module.
type Publisher interface {
	SendEvents(module string, ev []monitor.Event) error
}

type MsgBroker interface {
	Setup(interface{}) error
	Close() error

	// methods for api service
	SendRequest(module string, r types.WatchReq) error
	GetEvents(module string, mut *sync.Mutex) (<-chan monitor.Event, <-chan error, error)

	// methods for watcher service
	GetReqs(module string, mut *sync.Mutex) (<-chan types.WatchReq, <-chan error, error)
	Publisher
}

// SinkFor returns a monitor sink that acknowledges an event once pub has published it.
func SinkFor(pub Publisher, module string) monitor.Sink {
	return monitor.SinkFunc(func(_ context.Context, ev monitor.Event) error {
		return pub.SendEvents(module, []monitor.Event{ev})
	})
}

// Publishers fans events out to several publishers, stopping at the first error.
type Publishers []Publisher

// SendEvents implements Publisher.
func (ps Publishers) SendEvents(module string, ev []monitor.Event) error {
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.SendEvents(module, ev); err != nil {
			return err
		}
	}
	return nil
}
