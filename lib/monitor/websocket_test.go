package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/willx33/sol-tools/lib/pool"
)

func TestWSStreamBackfillsAfterReconnect(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	var subs []map[string]string

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var sub map[string]string
		if err = c.ReadJSON(&sub); err != nil {
			return
		}
		mu.Lock()
		conns++
		n := conns
		subs = append(subs, sub)
		mu.Unlock()

		_ = c.WriteJSON(map[string]string{"result": "subscribed"})
		var ids []string
		if n == 1 {
			ids = []string{"1", "2"}
		} else {
			ids = []string{"4", "5"}
		}
		for _, id := range ids {
			_ = c.WriteJSON(Event{ID: "ev-" + id, Cursor: id})
		}
		if n == 1 {
			// drop without a close frame
			return
		}
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	var backfilled []string
	stream := &WSStream{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Subscribe: func(cursor string) []interface{} {
			return []interface{}{map[string]string{"method": "subscribe", "cursor": cursor}}
		},
		Decode: func(msg []byte) ([]Event, error) {
			var ev Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				return nil, err
			}
			if ev.ID == "" {
				return nil, nil
			}
			return []Event{ev}, nil
		},
		Backfill: func(_ context.Context, _ *pool.Lease, cursor string) ([]Event, error) {
			mu.Lock()
			backfilled = append(backfilled, cursor)
			mu.Unlock()
			// ev-3 happened while disconnected, ev-2 is a harmless duplicate
			return []Event{{ID: "ev-2", Cursor: "2"}, {ID: "ev-3", Cursor: "3"}}, nil
		},
		ReadTimeout: 2 * time.Second,
	}

	rec := &recorder{}
	s := NewStream(pool.New(pool.Options{}), stream, Options{Module: "solana", Policy: fastPolicy, MaxReconnects: 3})
	if err := s.Start(context.Background(), Dedupe(rec, 16)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "five events", func() bool { return len(rec.got()) >= 5 })
	s.Stop()

	noGaps(t, rec.got(), 5)
	if len(rec.got()) != 5 {
		t.Errorf("dedupe let duplicates through: %v", rec.got())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(backfilled) != 1 || backfilled[0] != "2" {
		t.Errorf("unexpected backfill cursors %v", backfilled)
	}
	if subs[0]["cursor"] != "" || subs[1]["cursor"] != "2" {
		t.Errorf("unexpected subscriptions %v", subs)
	}
}
