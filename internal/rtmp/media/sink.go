package media

import "log/slog"

// Kind distinguishes the two media message types the core forwards to a sink.
type Kind uint8

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Sink is the single cross-connection collaborator the core depends on. It
// receives decoded audio/video payloads and lifecycle notifications for a
// publish; the core makes no assumption about what the sink does with them
// (write to disk, forward to a transcoder, push to subscribers) and never
// holds a lock across a call into it — a suspending sink suspends the
// connection that called it, which is the server's only backpressure
// mechanism on publishers.
//
// Ordering within a single stream id is preserved by the caller; the sink
// MUST NOT assume thread affinity across different stream ids, since two
// connections' messages may interleave arbitrary calls from different
// goroutines.
type Sink interface {
	OnPublishBegin(streamID uint32, app, streamName string, metadata Object) error
	OnMedia(streamID uint32, kind Kind, timestamp uint32, payload []byte) error
	OnPublishEnd(streamID uint32, reason error)
}

// Object is the subset of AMF0 Object fields relevant to a sink: the
// @setDataFrame/onMetaData properties, if any, that accompanied the publish.
// Kept local (rather than importing the amf package) so media stays free of
// a dependency on the command/codec layer.
type Object map[string]interface{}

// LoggingSink is the default Sink used when no application-specific sink is
// configured. It logs lifecycle transitions and per-message metadata through
// the structured logger rather than persisting or forwarding payloads —
// wiring a real sink (file, queue, transcoder) is left to the embedding
// application.
type LoggingSink struct {
	Log *slog.Logger
}

func (s *LoggingSink) OnPublishBegin(streamID uint32, app, streamName string, metadata Object) error {
	s.logger().Info("publish begin", "stream_id", streamID, "app", app, "stream_name", streamName, "metadata_fields", len(metadata))
	return nil
}

func (s *LoggingSink) OnMedia(streamID uint32, kind Kind, timestamp uint32, payload []byte) error {
	s.logger().Debug("media", "stream_id", streamID, "kind", kind.String(), "timestamp", timestamp, "bytes", len(payload))
	return nil
}

func (s *LoggingSink) OnPublishEnd(streamID uint32, reason error) {
	s.logger().Info("publish end", "stream_id", streamID, "reason", reason)
}

func (s *LoggingSink) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
