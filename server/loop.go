package server

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"locate-go/fusion"
	"locate-go/timeutil"
)

const defaultQueueSize = 1024

var ErrLoopStopped = errors.New("event loop stopped")

// Update is published after every accepted sample and every sweep.
type Update struct {
	Time time.Time
	// Entity is the changed entity. Entities then holds every entity on its floor.
	Entity *fusion.EntityState
	// Expired is set on sweep ticks, when Entities holds every remaining entity.
	Expired  []string
	Entities []fusion.EntityState
}

// Sweep reports whether u comes from a sweep tick.
func (u Update) Sweep() bool { return u.Entity == nil }

// Sink receives updates on the loop goroutine and must not block.
type Sink interface {
	Publish(Update)
}

// Recorder captures inbound messages before they are queued.
type Recorder interface {
	WriteMessage(ts time.Time, topic string, payload []byte) error
}

type Message struct {
	At      time.Time
	Topic   string
	Payload []byte
}

type LoopOptions struct {
	Scheme        TopicScheme
	Clock         timeutil.Clock
	SweepInterval time.Duration
	QueueSize     int
	Recorder      Recorder
	Logger        *slog.Logger
}

// Loop is the only goroutine that touches the engine. Transports call Deliver,
// everything else goes through Do.
type Loop struct {
	engine   *fusion.Engine
	scheme   TopicScheme
	clock    timeutil.Clock
	interval time.Duration
	recorder Recorder
	log      *slog.Logger
	sinks    []Sink

	msgs  chan Message
	calls chan call
	done  chan struct{}

	ticker  timeutil.Ticker
	dropped atomic.Int64
}

type call struct {
	fn   func(*fusion.Engine)
	done chan struct{}
}

func NewLoop(engine *fusion.Engine, opts LoopOptions) *Loop {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = fusion.SweepInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Scheme.Sep == "" {
		opts.Scheme = DefaultScheme
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		engine:   engine,
		scheme:   opts.Scheme,
		clock:    opts.Clock,
		interval: opts.SweepInterval,
		recorder: opts.Recorder,
		log:      opts.Logger,
		msgs:     make(chan Message, opts.QueueSize),
		calls:    make(chan call),
		done:     make(chan struct{}),
	}
}

// AddSink registers s. It must be called before Run.
func (l *Loop) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

func (l *Loop) Scheme() TopicScheme { return l.scheme }

// Dropped counts messages discarded because the queue was full.
func (l *Loop) Dropped() int64 { return l.dropped.Load() }

// Deliver queues a message received now. Safe for concurrent use.
func (l *Loop) Deliver(topic string, payload []byte) {
	l.DeliverAt(l.clock.Now(), topic, payload)
}

// DeliverAt queues a message with an explicit receive time. The message is dropped
// with a warning if the queue is full.
func (l *Loop) DeliverAt(at time.Time, topic string, payload []byte) {
	if l.recorder != nil {
		if err := l.recorder.WriteMessage(at, topic, payload); err != nil {
			l.log.Warn("capture write failed", "error", err)
		}
	}
	select {
	case l.msgs <- Message{At: at, Topic: topic, Payload: payload}:
	case <-l.done:
	default:
		if n := l.dropped.Add(1); n == 1 || n%1000 == 0 {
			l.log.Warn("event queue full, dropping message", "topic", topic, "dropped", n)
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func(*fusion.Engine)) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case l.calls <- c:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enable starts the sweep ticker. Calling it while enabled has no effect.
func (l *Loop) Enable(ctx context.Context) error {
	return l.Do(ctx, func(*fusion.Engine) {
		if l.ticker == nil {
			l.ticker = l.clock.NewTicker(l.interval)
			l.log.Debug("sweep enabled", "interval", l.interval)
		}
	})
}

// Disable stops the sweep ticker without discarding entities.
func (l *Loop) Disable(ctx context.Context) error {
	return l.Do(ctx, func(*fusion.Engine) { l.stopTicker() })
}

func (l *Loop) stopTicker() {
	if l.ticker != nil {
		l.ticker.Stop()
		l.ticker = nil
		l.log.Debug("sweep disabled")
	}
}

// Run processes messages, calls and sweep ticks until ctx is cancelled.
// Queued messages are drained before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.stopTicker()
	for {
		var tick <-chan time.Time
		if l.ticker != nil {
			tick = l.ticker.C()
		}
		select {
		case <-ctx.Done():
			l.drain()
			return ctx.Err()
		case m := <-l.msgs:
			l.handle(m)
		case c := <-l.calls:
			c.fn(l.engine)
			close(c.done)
		case now := <-tick:
			l.sweep(now)
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case m := <-l.msgs:
			l.handle(m)
		default:
			return
		}
	}
}

func (l *Loop) handle(m Message) {
	anchorID, entityID, err := l.scheme.Parse(m.Topic)
	if err != nil {
		l.log.Warn("dropping message", "error", err)
		return
	}
	rssi, err := ParseStrength(m.Payload)
	if err != nil {
		l.log.Warn("dropping message", "topic", m.Topic, "error", err)
		return
	}
	state, err := l.engine.Ingest(anchorID, entityID, float64(rssi), m.At)
	if err != nil {
		return
	}
	l.publish(Update{Time: m.At, Entity: &state, Entities: l.engine.EntitiesOn(state.Floor)})
}

func (l *Loop) sweep(now time.Time) {
	expired := l.engine.SweepExpired(now)
	l.publish(Update{Time: now, Expired: expired, Entities: l.engine.Entities("")})
}

func (l *Loop) publish(u Update) {
	for _, s := range l.sinks {
		s.Publish(u)
	}
}
