package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"locate-go/binlog"
	"locate-go/fusion"
	"locate-go/timeutil"
)

// TimedDeliverer accepts messages with an explicit receive time. Loop implements it.
type TimedDeliverer interface {
	DeliverAt(at time.Time, topic string, payload []byte)
}

type ReplayOptions struct {
	// Speed multiplies capture time. Zero or less replays as fast as possible.
	Speed float64
	Clock timeutil.Clock
	// OnRecord is called for every configuration block in the capture.
	OnRecord func(fusion.Record)
	Logger   *slog.Logger
}

// Replay feeds a capture into out and returns the number of messages delivered.
// Receive times are rebased onto the clock and scaled by Speed. At Speed 1 staleness
// and expiry behave as they did when the capture was recorded; at Speed s the 5s and
// 30s windows cover s times as much capture time.
func Replay(ctx context.Context, r io.Reader, out TimedDeliverer, opts ReplayOptions) (int, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cr, err := binlog.NewReader(r)
	if err != nil {
		return 0, err
	}

	var first time.Time
	start := opts.Clock.Now()
	n := 0
	for {
		e, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}

		if e.Flag == binlog.FlagConfig {
			rec, err := fusion.DecodeRecord(bytes.NewReader(e.Payload))
			if err != nil {
				opts.Logger.Warn("skipping config block", "error", err)
				continue
			}
			if opts.OnRecord != nil {
				opts.OnRecord(rec)
			}
			continue
		}
		if e.Flag != binlog.FlagMessage {
			continue
		}

		at := opts.Clock.Now()
		if opts.Speed > 0 {
			if first.IsZero() {
				first = e.Time
			}
			at = start.Add(time.Duration(float64(e.Time.Sub(first)) / opts.Speed))
			if wait := at.Sub(opts.Clock.Now()); wait > 0 {
				select {
				case <-opts.Clock.After(wait):
				case <-ctx.Done():
					return n, ctx.Err()
				}
			}
		} else if err := ctx.Err(); err != nil {
			return n, err
		}

		out.DeliverAt(at, e.Topic, e.Payload)
		n++
		if n <= 10 {
			opts.Logger.Debug("replayed message", "n", n, "captured", e.Time, "topic", e.Topic)
		}
	}
	opts.Logger.Info("replay finished", "messages", n)
	return n, nil
}
