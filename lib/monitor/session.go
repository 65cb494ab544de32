// Package monitor runs long-lived sessions that push events to a sink. A session reads a persistent stream or polls
// on an interval and records the cursor of the last event its sink acknowledged, so that reconnects and restarts
// resume from there. Delivery is at-least-once: sinks see every event, some of them twice.
//
// Session states:
//
//	STARTING -> RUNNING <-> PAUSED -> STOPPED
//	any state -> ERROR on an unrecoverable fault
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/metrics"
	"github.com/willx33/sol-tools/lib/pool"
	"github.com/willx33/sol-tools/lib/retry"
)

// Status of a session.
type Status int

// Session statuses.
const (
	Starting Status = iota
	Running
	Paused
	Stopped
	Errored
)

var statusNames = [...]string{"STARTING", "RUNNING", "PAUSED", "STOPPED", "ERROR"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// MarshalText renders statuses by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for i, n := range statusNames {
		if n == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", text)
}

// Errors returned
var (
	ErrState = errors.New("invalid session state")
	ErrFatal = errors.New("monitor session failed")
)

// MonitorFatalError is the error of a session that moved to ERROR.
type MonitorFatalError struct {
	Session  string
	Attempts int
	Err      error
}

func (e *MonitorFatalError) Error() string {
	return fmt.Sprintf("session %s failed after %d attempts: %v", e.Session, e.Attempts, e.Err)
}

func (e *MonitorFatalError) Unwrap() error { return e.Err }

// Is reports ErrFatal as a match.
func (e *MonitorFatalError) Is(target error) bool { return target == ErrFatal }

// Event is one matched occurrence: a transaction touching a wallet, a token trade, a channel message. An event
// without ID is a marker: it moves the cursor and is never delivered.
type Event struct {
	ID     string                 `json:"id"`
	Cursor string                 `json:"cursor"`
	Module string                 `json:"module"`
	Target string                 `json:"target"`
	Kind   string                 `json:"kind"`
	Time   time.Time              `json:"time"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Sink receives events. A nil error acknowledges the event.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Conn is an open stream.
type Conn interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Stream opens connections that replay events after cursor and then follow new ones.
type Stream interface {
	Open(ctx context.Context, lease *pool.Lease, cursor string) (Conn, error)
}

// Poller returns the events after cursor, oldest first.
type Poller interface {
	Poll(ctx context.Context, lease *pool.Lease, cursor string) ([]Event, error)
}

// PollFunc adapts a function to a Poller.
type PollFunc func(ctx context.Context, lease *pool.Lease, cursor string) ([]Event, error)

// Poll calls f.
func (f PollFunc) Poll(ctx context.Context, lease *pool.Lease, cursor string) ([]Event, error) {
	return f(ctx, lease, cursor)
}

// CursorStore persists the cursor of sessions by id.
type CursorStore interface {
	LoadCursor(id string) (string, error)
	SaveCursor(id, cursor string) error
}

// Leaser hands out leases. *pool.Pool implements it.
type Leaser interface {
	Acquire(ctx context.Context, endpoint string) (*pool.Lease, error)
}

// Options of a session.
type Options struct {
	// ID identifies the session in the cursor store. A random id is used when empty.
	ID       string
	Module   string
	Target   string
	Endpoint string
	// Interval between polls, 10s when unset.
	Interval time.Duration
	// Policy shapes the reconnect backoff and the retries of every poll.
	Policy retry.Policy
	// MaxReconnects is the number of consecutive failed connections or poll cycles tolerated before ERROR.
	MaxReconnects int
	// Cursor to start from when the store has none.
	Cursor string
	Store  CursorStore
}

// Session is a monitor session. It is safe for concurrent use.
type Session struct {
	mu     sync.Mutex
	opts   Options
	pool   Leaser
	stream Stream
	poller Poller
	status Status
	cursor string
	err    error
	conn   Conn
	// dropped is set when Pause or Stop closed conn
	dropped bool
	cancel  context.CancelFunc
	wake    chan struct{}
	done    chan struct{}
	ended   bool
}

// NewStream returns a session reading s.
func NewStream(p Leaser, s Stream, opts Options) *Session {
	ss := newSession(p, opts)
	ss.stream = s
	return ss
}

// NewPoll returns a session polling pl every opts.Interval.
func NewPoll(p Leaser, pl Poller, opts Options) *Session {
	ss := newSession(p, opts)
	ss.poller = pl
	return ss
}

func newSession(p Leaser, opts Options) *Session {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Default()
	}
	s := &Session{
		opts:   opts,
		pool:   p,
		cursor: opts.Cursor,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	metrics.SessionStatus.WithLabelValues(opts.Module, Starting.String()).Inc()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.opts.ID }

// Module returns the module owning the session.
func (s *Session) Module() string { return s.opts.Module }

// Target returns the watched target.
func (s *Session) Target() string { return s.opts.Target }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Cursor returns the cursor of the last acknowledged event.
func (s *Session) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Err returns the *MonitorFatalError of a session in ERROR.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session loop has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// setStatus must be called with the lock held.
func (s *Session) setStatus(to Status) {
	from := s.status
	if from == to {
		return
	}
	s.status = to
	metrics.SessionStatus.WithLabelValues(s.opts.Module, from.String()).Dec()
	metrics.SessionStatus.WithLabelValues(s.opts.Module, to.String()).Inc()
	log.Info().Str("session", s.opts.ID).Str("module", s.opts.Module).Str("target", s.opts.Target).
		Stringer("from", from).Stringer("to", to).Msg("session status changed")
}

// Start moves the session to RUNNING and starts pushing events to sink. The session runs until Stop, ctx is done
// or an unrecoverable fault.
func (s *Session) Start(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != Starting || s.cancel != nil {
		return fmt.Errorf("%w: cannot start a %s session", ErrState, s.status)
	}
	if s.opts.Store != nil {
		c, err := s.opts.Store.LoadCursor(s.opts.ID)
		if err != nil {
			log.Debug().Err(err).Str("session", s.opts.ID).Msg("no stored cursor")
		} else if c != "" {
			s.cursor = c
		}
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.setStatus(Running)

	go func() {
		defer s.end()
		if s.stream != nil {
			s.runStream(ctx, sink)
		} else {
			s.runPoll(ctx, sink)
		}
	}()
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Errored {
		s.setStatus(Stopped)
	}
	if !s.ended {
		s.ended = true
		close(s.done)
	}
}

// Pause stops delivering events until Resume. A stream connection is closed and reopened from the cursor on resume.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Running {
		return fmt.Errorf("%w: cannot pause a %s session", ErrState, s.status)
	}
	s.setStatus(Paused)
	if s.conn != nil {
		s.dropped = true
		_ = s.conn.Close()
	}
	return nil
}

// Resume moves a paused session back to RUNNING.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Paused {
		return fmt.Errorf("%w: cannot resume a %s session", ErrState, s.status)
	}
	s.setStatus(Running)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop ends the session and waits for its loop to release its lease. It is idempotent and always ends in STOPPED.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	if cancel == nil {
		// never started
		if !s.ended {
			s.ended = true
			close(s.done)
		}
		s.setStatus(Stopped)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// cancel first so that the closed connection is seen as a stop
	cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.dropped = true
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done

	s.mu.Lock()
	s.setStatus(Stopped)
	s.mu.Unlock()
}

func (s *Session) fail(attempts int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = &MonitorFatalError{Session: s.opts.ID, Attempts: attempts, Err: err}
	log.Error().Err(err).Str("session", s.opts.ID).Str("module", s.opts.Module).Int("attempts", attempts).
		Msg("session failed")
	s.setStatus(Errored)
}

// waitRunning blocks while the session is paused.
func (s *Session) waitRunning(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Status() == Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// ack records ev as delivered.
func (s *Session) ack(ev Event) {
	if ev.ID != "" {
		metrics.MonitorEvents.WithLabelValues(s.opts.Module).Inc()
	}
	if ev.Cursor == "" {
		return
	}
	s.mu.Lock()
	s.cursor = ev.Cursor
	s.mu.Unlock()
	if s.opts.Store != nil {
		if err := s.opts.Store.SaveCursor(s.opts.ID, ev.Cursor); err != nil {
			log.Warn().Err(err).Str("session", s.opts.ID).Msg("cannot save cursor")
		}
	}
}

func (s *Session) acquire(ctx context.Context) (*pool.Lease, error) {
	l, err := s.pool.Acquire(ctx, s.opts.Endpoint)
	if err != nil && ctx.Err() == nil && errors.Is(err, pool.ErrExhausted) {
		// the pool may recover once cooldowns expire
		return nil, retry.Transient(err)
	}
	return l, err
}

// release gives lease back. A connection ended by Pause, Stop or ctx says nothing about the proxy health.
func (s *Session) release(ctx context.Context, lease *pool.Lease, err error) {
	if err != nil && (ctx.Err() != nil || s.Status() == Paused) {
		err = nil
	}
	_ = lease.Done(err)
}

func (s *Session) runStream(ctx context.Context, sink Sink) {
	attempts := 0
	for {
		if s.waitRunning(ctx) != nil {
			return
		}
		err := s.connect(ctx, sink, &attempts)
		if ctx.Err() != nil {
			return
		}
		if s.Status() == Paused {
			continue
		}
		if k, _ := retry.Classify(err); k == retry.ClientError || k == retry.AuthError {
			s.fail(attempts+1, err)
			return
		}
		attempts++
		if attempts > s.opts.MaxReconnects {
			s.fail(attempts, err)
			return
		}
		wait := s.opts.Policy.Backoff(attempts)
		metrics.MonitorReconnects.WithLabelValues(s.opts.Module).Inc()
		log.Warn().Err(err).Str("session", s.opts.ID).Int("attempt", attempts).Dur("wait", wait).
			Msg("stream lost, reconnecting")
		if retry.Wait(ctx, wait) != nil {
			return
		}
	}
}

// connect runs one connection until it fails. It resets attempts once events flow.
func (s *Session) connect(ctx context.Context, sink Sink, attempts *int) (err error) {
	lease, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	dropped := false
	defer func() {
		if dropped {
			_ = lease.Done(nil)
			return
		}
		s.release(ctx, lease, err)
	}()

	conn, err := s.stream.Open(ctx, lease, s.Cursor())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.dropped = false
	paused := s.status != Running
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		dropped = s.dropped
		s.dropped = false
		s.mu.Unlock()
		_ = conn.Close()
	}()
	if paused {
		return nil
	}

	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		if ev.ID != "" {
			if err = sink.Deliver(ctx, ev); err != nil {
				// not acknowledged, the reconnect replays it
				return retry.Transient(fmt.Errorf("sink: %w", err))
			}
		}
		s.ack(ev)
		*attempts = 0
	}
}

func (s *Session) runPoll(ctx context.Context, sink Sink) {
	failures := 0
	for {
		if s.waitRunning(ctx) != nil {
			return
		}
		err := s.cycle(ctx, sink)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if k, _ := retry.Classify(err); k == retry.ClientError || k == retry.AuthError {
				s.fail(failures+1, err)
				return
			}
			failures++
			if failures > s.opts.MaxReconnects {
				s.fail(failures, err)
				return
			}
			metrics.MonitorReconnects.WithLabelValues(s.opts.Module).Inc()
			log.Warn().Err(err).Str("session", s.opts.ID).Int("failures", failures).Msg("poll failed")
		} else {
			failures = 0
		}
		if retry.Wait(ctx, s.opts.Interval) != nil {
			return
		}
	}
}

// cycle is one poll under the retry policy followed by the delivery of its events.
func (s *Session) cycle(ctx context.Context, sink Sink) error {
	var evs []Event
	_, err := retry.Do(ctx, s.opts.Policy, func(ctx context.Context) (err error) {
		lease, err := s.acquire(ctx)
		if err != nil {
			return err
		}
		defer func() { s.release(ctx, lease, err) }()
		evs, err = s.poller.Poll(ctx, lease, s.Cursor())
		return err
	})
	if err != nil {
		return err
	}
	for _, ev := range evs {
		if s.Status() != Running {
			return nil
		}
		if ev.ID != "" {
			if err = sink.Deliver(ctx, ev); err != nil {
				// the next cycle polls again from the last acknowledged cursor
				log.Warn().Err(err).Str("session", s.opts.ID).Str("event", ev.ID).Msg("sink refused event")
				return nil
			}
		}
		s.ack(ev)
	}
	return nil
}
