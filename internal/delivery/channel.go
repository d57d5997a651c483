// Package delivery owns the link to the actuator bus. A [Channel] wraps a
// [Transport] with an explicit connection state machine, a connect-with-retry
// helper, and a liveness monitor that re-establishes the link when it drops
// or goes idle.
//
// Publishing is at-most-once: a payload is sent once to the configured topic
// or rejected with [ErrNotConnected]. Nothing is queued or retried.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/millwright/internal/observe"
)

// Default timings.
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultMonitorInterval = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultErrorBackoff    = 30 * time.Second
	DefaultMaxAttempts     = 5
)

var (
	// ErrNotConnected is returned by Publish while the link is down.
	ErrNotConnected = errors.New("delivery: not connected")

	// ErrRetriesExhausted is returned by ConnectWithRetry after the last
	// failed attempt.
	ErrRetriesExhausted = errors.New("delivery: connect retries exhausted")

	// ErrClosed is returned by operations on a closed Channel.
	ErrClosed = errors.New("delivery: channel closed")
)

// Transport is a single bus connection that can be re-established.
//
// Connect must return once the broker acknowledged the connection or ctx is
// done. Lost delivers one value per unexpected drop of an established
// connection; explicit Disconnect calls must not be reported there.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	Disconnect() error
	Lost() <-chan error
}

// State is the link state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Channel is a reconnecting publish link. All methods are safe for
// concurrent use.
type Channel struct {
	t    Transport
	name string

	connectTimeout  time.Duration
	monitorInterval time.Duration
	idleTimeout     time.Duration
	errorBackoff    time.Duration
	sleep           Sleeper
	now             func() time.Time
	metrics         *observe.Metrics

	state         atomic.Int32
	everConnected atomic.Bool
	lastPublish   atomic.Int64 // unix nanos, 0 until the first publish

	connMu sync.Mutex

	subMu sync.Mutex
	subs  []chan State

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Channel.
type Option func(*Channel)

// WithName labels log lines, e.g. with the topic.
func WithName(name string) Option {
	return func(c *Channel) { c.name = name }
}

// WithConnectTimeout bounds a single connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Channel) { c.connectTimeout = d }
}

// WithMonitor overrides the liveness monitor timings.
func WithMonitor(interval, idle, errBackoff time.Duration) Option {
	return func(c *Channel) {
		c.monitorInterval = interval
		c.idleTimeout = idle
		c.errorBackoff = errBackoff
	}
}

// WithSleeper replaces the timer-based wait used between retries and checks.
func WithSleeper(s Sleeper) Option {
	return func(c *Channel) { c.sleep = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithMetrics replaces observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// New returns a disconnected Channel over t. Call Close to release it.
func New(t Transport, opts ...Option) *Channel {
	c := &Channel{
		t:               t,
		name:            "bus",
		connectTimeout:  DefaultConnectTimeout,
		monitorInterval: DefaultMonitorInterval,
		idleTimeout:     DefaultIdleTimeout,
		errorBackoff:    DefaultErrorBackoff,
		sleep:           sleep,
		now:             time.Now,
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	go c.watchLoss()
	return c
}

// State returns the current link state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Connected reports whether the link is up.
func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Ready implements health.Checker semantics: nil when connected.
func (c *Channel) Ready(context.Context) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return nil
}

// Subscribe returns a channel receiving every state change. Slow readers
// miss intermediate states. The channel is closed by Close.
func (c *Channel) Subscribe() <-chan State {
	ch := make(chan State, 8)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.isClosed() {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// Connect establishes the link, waiting at most the connect timeout for the
// broker's acknowledgement. It is a no-op when already connected.
func (c *Channel) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if c.Connected() {
		return nil
	}
	return c.connectLocked(ctx)
}

func (c *Channel) connectLocked(ctx context.Context) error {
	c.setState(StateConnecting)

	cctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := c.t.Connect(cctx); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("delivery: connect %s: %w", c.name, err)
	}

	c.everConnected.Store(true)
	c.setState(StateConnected)
	slog.Info("delivery: connected", "name", c.name)
	return nil
}

// ConnectWithRetry calls Connect up to maxAttempts times, waiting 2^attempt
// seconds after each failed attempt that is followed by another one.
func (c *Channel) ConnectWithRetry(ctx context.Context, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		wait := time.Duration(1<<attempt) * time.Second
		slog.Warn("delivery: connection attempt failed",
			"name", c.name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"retry_in", wait,
			"error", err,
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastErr)
}

// Publish sends payload once. It fails fast with ErrNotConnected while the
// link is down. A send error marks the link disconnected.
func (c *Channel) Publish(ctx context.Context, payload []byte) error {
	if !c.Connected() {
		c.metrics.RecordPublish(ctx, "not_connected")
		return ErrNotConnected
	}
	if err := c.t.Send(ctx, payload); err != nil {
		c.metrics.RecordPublish(ctx, "error")
		if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
			c.notify(StateDisconnected)
		}
		return fmt.Errorf("delivery: publish %s: %w", c.name, err)
	}
	c.lastPublish.Store(c.now().UnixNano())
	c.metrics.RecordPublish(ctx, "ok")
	return nil
}

// Monitor checks the link every monitor interval until ctx is done or the
// Channel is closed. It reconnects when a previously established link is
// down, or when the last publish is older than the idle timeout. After a
// failed reconnect it waits the error backoff before the next check.
func (c *Channel) Monitor(ctx context.Context) error {
	ctx, cancel := c.withDone(ctx)
	defer cancel()
	for {
		if err := c.sleep(ctx, c.monitorInterval); err != nil {
			return nil
		}
		if err := c.check(ctx); err != nil {
			slog.Warn("delivery: reconnect failed", "name", c.name, "error", err, "retry_in", c.errorBackoff)
			if err := c.sleep(ctx, c.errorBackoff); err != nil {
				return nil
			}
		}
	}
}

// check runs one monitor iteration.
func (c *Channel) check(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.isClosed() {
		return nil
	}

	last := c.lastPublish.Load()
	idle := last != 0 && c.now().Sub(time.Unix(0, last)) > c.idleTimeout
	lost := c.State() == StateDisconnected && c.everConnected.Load()
	if !idle && !lost {
		return nil
	}

	if idle {
		slog.Info("delivery: no publish recently, reconnecting", "name", c.name, "idle_timeout", c.idleTimeout)
	} else {
		slog.Info("delivery: link lost, reconnecting", "name", c.name)
	}
	if c.Connected() {
		if err := c.t.Disconnect(); err != nil {
			slog.Debug("delivery: disconnect before reconnect", "name", c.name, "error", err)
		}
		c.setState(StateDisconnected)
	}

	if err := c.connectLocked(ctx); err != nil {
		c.metrics.RecordReconnect(ctx, "error")
		return err
	}
	if last != 0 {
		c.lastPublish.Store(c.now().UnixNano())
	}
	c.metrics.RecordReconnect(ctx, "ok")
	return nil
}

// Close disconnects and stops the monitor. It is idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		if c.State() != StateDisconnected {
			err = c.t.Disconnect()
		}
		c.setState(StateDisconnected)
		c.connMu.Unlock()

		c.subMu.Lock()
		for _, ch := range c.subs {
			close(ch)
		}
		c.subs = nil
		c.subMu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("delivery: close %s: %w", c.name, err)
	}
	return nil
}

func (c *Channel) watchLoss() {
	lost := c.t.Lost()
	for {
		select {
		case <-c.done:
			return
		case err, ok := <-lost:
			if !ok {
				return
			}
			if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
				slog.Warn("delivery: connection lost", "name", c.name, "error", err)
				c.notify(StateDisconnected)
			}
		}
	}
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.notify(s)
}

func (c *Channel) notify(s State) {
	c.metrics.SetDeliveryConnected(context.Background(), s == StateConnected)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// withDone derives a context that is also cancelled by Close.
func (c *Channel) withDone(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
