package server

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locate-go/fusion"
	"locate-go/logging"
	"locate-go/timeutil"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

var triangle = map[string]fusion.Point{
	"AA:BB:CC:DD:EE:01": {X: 0, Y: 0},
	"AA:BB:CC:DD:EE:02": {X: 10, Y: 0},
	"AA:BB:CC:DD:EE:03": {X: 0, Y: 10},
}

// rssiFor3x4 are the strengths a device at (3,4) reports to the triangle anchors.
var rssiFor3x4 = map[string]string{}

func init() {
	p := fusion.DefaultPathLossModel()
	for id, a := range triangle {
		// Payloads are integers, so the solved position is only approximately (3,4).
		rssi := p.RSSI(math.Hypot(3-a.X, 4-a.Y))
		rssiFor3x4[id] = strconv.Itoa(int(math.Round(rssi)))
	}
}

type chanSink chan Update

func (s chanSink) Publish(u Update) { s <- u }

type memRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *memRecorder) WriteMessage(_ time.Time, topic string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return nil
}

func newTestEngine(t *testing.T, clock timeutil.Clock) *fusion.Engine {
	t.Helper()
	opts := fusion.DefaultOptions()
	opts.Logger = logging.Discard()
	opts.Now = clock.Now
	e := fusion.NewEngine(opts)
	for id, p := range triangle {
		_, err := e.AddAnchor(id, 0)
		require.NoError(t, err)
		_, err = e.SetAnchorPosition(id, p.X, p.Y, 0)
		require.NoError(t, err)
	}
	return e
}

func startLoop(t *testing.T, l *Loop) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func next(t *testing.T, sink chanSink) Update {
	t.Helper()
	select {
	case u := <-sink:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
		return Update{}
	}
}

func TestLoop_IngestPublishesPositions(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	rec := &memRecorder{}
	l := NewLoop(newTestEngine(t, clock), LoopOptions{Clock: clock, Recorder: rec, Logger: logging.Discard()})
	sink := make(chanSink, 16)
	l.AddSink(sink)
	startLoop(t, l)

	l.Deliver("esp/AA:BB:CC:DD:EE:01/ble/phone", []byte("-60"))
	l.Deliver("esp/AA:BB:CC:DD:EE:01/ble/phone/rssi", []byte("strong"))

	var last Update
	for _, id := range []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02", "AA:BB:CC:DD:EE:03"} {
		l.Deliver(DefaultScheme.Format(id, "phone"), []byte(rssiFor3x4[id]))
		last = next(t, sink)
		require.NotNil(t, last.Entity, "malformed messages publish nothing")
	}
	assert.Equal(t, "phone", last.Entity.ID)
	assert.Equal(t, t0, last.Time)
	pt, ok := last.Entity.Position.Point()
	require.True(t, ok)
	assert.InDelta(t, 3, pt.X, 0.5)
	assert.InDelta(t, 4, pt.Y, 0.5)

	rec.mu.Lock()
	assert.Len(t, rec.topics, 5, "every inbound message is captured, valid or not")
	rec.mu.Unlock()
}

func TestLoop_SweepTicker(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := NewLoop(newTestEngine(t, clock), LoopOptions{Clock: clock, Logger: logging.Discard()})
	sink := make(chanSink, 16)
	l.AddSink(sink)
	cancel, errc := startLoop(t, l)
	ctx := context.Background()

	l.DeliverAt(t0, DefaultScheme.Format("AA:BB:CC:DD:EE:01", "tag"), []byte("-60"))
	next(t, sink)

	require.NoError(t, l.Enable(ctx))
	require.NoError(t, l.Enable(ctx))
	assert.Equal(t, 1, clock.ActiveTickers())

	clock.Advance(time.Second)
	u := next(t, sink)
	assert.Nil(t, u.Entity)
	assert.Empty(t, u.Expired)
	require.Len(t, u.Entities, 1)

	clock.Advance(30 * time.Second)
	u = next(t, sink)
	assert.Equal(t, []string{"tag"}, u.Expired)
	assert.Empty(t, u.Entities)

	require.NoError(t, l.Disable(ctx))
	assert.Equal(t, 0, clock.ActiveTickers())

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.ErrorIs(t, l.Do(ctx, func(*fusion.Engine) {}), ErrLoopStopped)
}

func TestLoop_SweepRestartsAfterDisable(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := NewLoop(newTestEngine(t, clock), LoopOptions{Clock: clock, Logger: logging.Discard()})
	sink := make(chanSink, 16)
	l.AddSink(sink)
	startLoop(t, l)
	ctx := context.Background()

	l.DeliverAt(t0, DefaultScheme.Format("AA:BB:CC:DD:EE:01", "tag"), []byte("-60"))
	next(t, sink)

	require.NoError(t, l.Enable(ctx))
	require.NoError(t, l.Disable(ctx))
	assert.Equal(t, 0, clock.ActiveTickers())

	clock.Advance(2 * time.Second)
	// Do round-trips through the loop, so any tick would have been handled by now.
	require.NoError(t, l.Do(ctx, func(*fusion.Engine) {}))
	assert.Empty(t, sink, "no sweep while disabled")

	require.NoError(t, l.Enable(ctx))
	assert.Equal(t, 1, clock.ActiveTickers())

	clock.Advance(time.Second)
	u := next(t, sink)
	assert.True(t, u.Sweep())
	assert.Empty(t, u.Expired)
	require.Len(t, u.Entities, 1, "entities survive a disable and enable")
	assert.Equal(t, "tag", u.Entities[0].ID)
}

func TestLoop_DoRunsOnLoop(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := NewLoop(newTestEngine(t, clock), LoopOptions{Clock: clock, Logger: logging.Discard()})
	startLoop(t, l)

	var anchors int
	require.NoError(t, l.Do(context.Background(), func(e *fusion.Engine) {
		anchors = len(e.Anchors())
	}))
	assert.Equal(t, 3, anchors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Do(ctx, func(*fusion.Engine) {})
	assert.True(t, errors.Is(err, context.Canceled) || err == nil)
}

func TestLoop_QueueFullDrops(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	l := NewLoop(newTestEngine(t, clock), LoopOptions{Clock: clock, QueueSize: 1, Logger: logging.Discard()})

	l.Deliver("a", nil)
	l.Deliver("b", nil)
	l.Deliver("c", nil)
	assert.Equal(t, int64(2), l.Dropped())
}
