package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/willx33/sol-tools/lib/engine"
)

// progress redraws a single status line for the snapshots of a run.
type progress struct {
	mu    sync.Mutex
	w     io.Writer
	label string
	start time.Time
	last  engine.Progress
	now   func() time.Time
}

func newProgress(w io.Writer, label string) *progress {
	return &progress{w: w, label: label, start: time.Now(), now: time.Now}
}

// line renders p.
func (pr *progress) line(p engine.Progress) string {
	done := p.Succeeded + p.Failed + p.Skipped
	pct := 0.0
	if p.Total > 0 {
		pct = float64(done) * 100 / float64(p.Total)
	}
	el := pr.now().Sub(pr.start).Round(time.Second)
	rate := ""
	if s := el.Seconds(); s >= 1 && done > 0 {
		rate = fmt.Sprintf(" %s/s", humanize.FormatFloat("#,###.#", float64(done)/s))
	}
	return fmt.Sprintf("[%s] %s/%s %5.1f%% ok %s failed %s skipped %s %s%s", pr.label,
		humanize.Comma(int64(done)), humanize.Comma(int64(p.Total)), pct, humanize.Comma(int64(p.Succeeded)),
		humanize.Comma(int64(p.Failed)), humanize.Comma(int64(p.Skipped)), el, rate)
}

// update is an engine progress callback.
func (pr *progress) update(p engine.Progress) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.last = p
	fmt.Fprintf(pr.w, "\r\033[K%s", pr.line(p))
}

// done ends the line.
func (pr *progress) done() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	fmt.Fprintf(pr.w, "\r\033[K%s\n", pr.line(pr.last))
}
