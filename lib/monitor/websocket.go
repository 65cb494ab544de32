package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

// WSStream is a Stream over a websocket, ie. a JSON-RPC subscription.
type WSStream struct {
	URL    string
	Header http.Header
	// Subscribe returns the messages written right after connecting.
	Subscribe func(cursor string) []interface{}
	// Decode turns a message into events. Acks and keepalives decode to none.
	Decode func(msg []byte) ([]Event, error)
	// Backfill returns the events after cursor that were missed while disconnected. It runs after subscribing so
	// that nothing falls between the two, at the price of some duplicates.
	Backfill func(ctx context.Context, lease *pool.Lease, cursor string) ([]Event, error)
	// ReadTimeout bounds the silence on the socket, 60s when unset.
	ReadTimeout time.Duration
}

// Open dials the websocket through the lease dialer.
func (w *WSStream) Open(ctx context.Context, lease *pool.Lease, cursor string) (Conn, error) {
	c, resp, err := lease.Dialer().DialContext(ctx, w.URL, w.Header)
	if err != nil {
		if resp != nil {
			if serr := retry.FromStatus(resp.StatusCode, resp.Header); serr != nil {
				return nil, serr
			}
		}
		return nil, retry.Transient(fmt.Errorf("dial: %w", err))
	}
	timeout := w.ReadTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	wc := &wsConn{c: c, decode: w.Decode, timeout: timeout, closed: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = wc.Close()
		case <-wc.closed:
		}
	}()

	if w.Subscribe != nil {
		for _, m := range w.Subscribe(cursor) {
			_ = c.SetWriteDeadline(time.Now().Add(timeout))
			if err = c.WriteJSON(m); err != nil {
				_ = wc.Close()
				return nil, retry.Transient(fmt.Errorf("subscribe: %w", err))
			}
		}
	}
	if w.Backfill != nil && cursor != "" {
		evs, err := w.Backfill(ctx, lease, cursor)
		if err != nil {
			_ = wc.Close()
			return nil, err
		}
		wc.pending = evs
	}
	return wc, nil
}

type wsConn struct {
	c       *websocket.Conn
	decode  func([]byte) ([]Event, error)
	timeout time.Duration
	pending []Event
	once    sync.Once
	closed  chan struct{}
}

func (w *wsConn) Next(ctx context.Context) (Event, error) {
	for len(w.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		_ = w.c.SetReadDeadline(time.Now().Add(w.timeout))
		_, msg, err := w.c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return Event{}, retry.Transient(errors.New("stream closed by server"))
			}
			return Event{}, retry.Transient(fmt.Errorf("read: %w", err))
		}
		evs, err := w.decode(msg)
		if err != nil {
			return Event{}, retry.Transient(fmt.Errorf("decode: %w", err))
		}
		w.pending = evs
	}
	ev := w.pending[0]
	w.pending = w.pending[1:]
	return ev, nil
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closed)
		_ = w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = w.c.Close()
	})
	return err
}
