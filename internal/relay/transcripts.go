package relay

import (
	"context"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
)

// relayTranscripts forwards transcript segments to the browser until the
// remote result stream ends. Final segments are recorded in the session log
// even after teardown began; nothing is forwarded once the session is closing.
func (s *Session) relayTranscripts(ctx context.Context) error {
	for seg := range s.stream.Events() {
		s.metrics.RecordSegment(ctx, seg.IsPartial)
		if !seg.IsPartial {
			s.recordHistory(func(ctx context.Context) error {
				return s.history.SegmentFinalized(ctx, s.id, seg)
			})
		}

		if s.closing.Load() || !s.browser.open() {
			s.log.Debug("dropping transcript segment", "segment_id", seg.SegmentID, "partial", seg.IsPartial)
			continue
		}
		if err := s.browser.send(ctx, toTranscriptMessage(seg)); err != nil {
			s.log.Debug("transcript not delivered", "err", err)
		}
	}

	err := s.stream.Err()
	switch {
	case err == nil:
		s.log.Debug("transcript stream ended")
		return nil
	case s.closing.Load():
		s.log.Debug("transcript stream closed during teardown", "err", err)
		return nil
	}

	s.log.Warn("transcript stream failed", "err", err)
	s.metrics.RecordProviderError(ctx, "scribe", "stream")
	s.span.RecordError(err)
	if s.browser.open() {
		if sendErr := s.browser.send(ctx, errorMessage{Error: "Transcription error: " + err.Error()}); sendErr != nil {
			s.log.Debug("error message not delivered", "err", sendErr)
		}
	}
	go s.End(ReasonRemoteFailure)
	return err
}

func toTranscriptMessage(seg scribe.Segment) transcriptMessage {
	return transcriptMessage{
		Channel:       seg.ChannelID,
		Transcription: seg.Content,
		IsPartial:     seg.IsPartial,
	}
}
