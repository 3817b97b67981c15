package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/asclepius/streamrelay/internal/observe"
	"github.com/asclepius/streamrelay/pkg/provider/scribe"
)

// generator produces a session's outbound event sequence: one configuration
// event, the queued audio in order, and exactly one end-of-session marker.
// It runs once; a finished generator is never restarted.
type generator struct {
	ingest  *ingestBuffer
	stream  scribe.Stream
	cfg     Config
	ending  <-chan struct{}
	metrics *observe.Metrics
	log     *slog.Logger

	// endSent is set immediately before the end marker is sent, on both the
	// success and the failure path, so the marker goes out at most once.
	endSent atomic.Bool

	// endAcknowledged is set when the end-marker send returned nil.
	endAcknowledged atomic.Bool
}

// run drives the stream until the end marker is sent or an error occurs. On
// error it still attempts the end marker so the remote side is never left
// waiting for audio.
func (g *generator) run(ctx context.Context) (err error) {
	defer func() {
		if err == nil || g.endSent.Load() {
			return
		}
		g.log.Warn("generator failed, sending end-of-session marker", "err", err)
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.EndMarkerTimeout)
		defer cancel()
		if endErr := g.sendEnd(ectx); endErr != nil {
			g.log.Debug("end-of-session marker after failure not delivered", "err", endErr)
		}
	}()

	if err := g.stream.Send(ctx, scribe.ConfigurationEvent(g.cfg.Session)); err != nil {
		return err
	}

	timer := time.NewTimer(g.cfg.PollInterval)
	defer timer.Stop()

	for {
		if err := g.drain(ctx); err != nil {
			return err
		}
		timer.Reset(g.cfg.PollInterval)

		select {
		case <-g.ending:
			return g.finish(ctx)
		case <-g.ingest.Ready():
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finish flushes the queue, waits for last-moment audio, seals the ingest
// buffer and sends the end marker.
func (g *generator) finish(ctx context.Context) error {
	if err := g.drain(ctx); err != nil {
		return err
	}

	if g.cfg.SettleDelay > 0 {
		settle := time.NewTimer(g.cfg.SettleDelay)
		select {
		case <-settle.C:
		case <-ctx.Done():
			settle.Stop()
			return ctx.Err()
		}
	}

	for _, p := range g.ingest.Seal() {
		if err := g.sendAudio(ctx, p); err != nil {
			return err
		}
	}
	return g.sendEnd(ctx)
}

// drain sends every queued piece.
func (g *generator) drain(ctx context.Context) error {
	for {
		p, ok := g.ingest.Next()
		if !ok {
			return nil
		}
		if err := g.sendAudio(ctx, p); err != nil {
			return err
		}
	}
}

func (g *generator) sendAudio(ctx context.Context, p []byte) error {
	if err := g.stream.Send(ctx, scribe.AudioEvent(p)); err != nil {
		return err
	}
	g.metrics.AudioEvents.Add(ctx, 1)
	return nil
}

// sendEnd sends the end marker unless it was already attempted.
func (g *generator) sendEnd(ctx context.Context) error {
	if !g.endSent.CompareAndSwap(false, true) {
		return nil
	}
	if err := g.stream.Send(ctx, scribe.EndOfSessionEvent()); err != nil {
		return err
	}
	g.endAcknowledged.Store(true)
	g.log.Debug("end-of-session marker sent")
	return nil
}
