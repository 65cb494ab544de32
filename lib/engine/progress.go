package engine

// Progress is a snapshot of a run.
type Progress struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Remaining int `json:"remaining"`
}

// reporter delivers progress snapshots from its own goroutine. A slow callback only makes it drop intermediate
// snapshots.
type reporter struct {
	ch   chan Progress
	done chan struct{}
}

func newReporter(f func(Progress)) *reporter {
	if f == nil {
		return nil
	}
	r := &reporter{ch: make(chan Progress, 1), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for p := range r.ch {
			f(p)
		}
	}()
	return r
}

func (r *reporter) send(p Progress) {
	if r == nil {
		return
	}
	for {
		select {
		case r.ch <- p:
			return
		default:
		}
		// replace the pending snapshot with the newer one
		select {
		case <-r.ch:
		default:
		}
	}
}

// close flushes the last snapshot and waits for the callback to return.
func (r *reporter) close() {
	if r == nil {
		return
	}
	close(r.ch)
	<-r.done
}
