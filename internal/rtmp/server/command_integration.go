package server

// Command Integration
// --------------------
// Bridges the lower-level connection (handshake + control + chunking
// read/write loops) with the RPC command parsing/handlers so real RTMP
// clients (OBS / ffmpeg / similar) can complete the
// connect -> createStream -> publish sequence and stream media to a Sink.
//
// Scope:
//   * Per-connection state lives in a Session, advanced through its phases
//     as connect/createStream/publish complete.
//   * Dispatch handling for: connect, createStream, publish.
//   * There is no play path: a "play" command falls through the dispatcher's
//     unknown-command branch (logged, connection stays open).
//   * Audio/video messages after a successful publish are handed to the
//     configured media.Sink instead of being fanned out to subscribers.

import (
	"log/slog"
	"time"

	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	iconn "github.com/alxayo/go-rtmp/internal/rtmp/conn"
	"github.com/alxayo/go-rtmp/internal/rtmp/control"
	"github.com/alxayo/go-rtmp/internal/rtmp/media"
	"github.com/alxayo/go-rtmp/internal/rtmp/rpc"
)

// commandState holds mutable per-connection fields needed by handlers.
type commandState struct {
	session       *iconn.Session
	allocator     *rpc.StreamIDAllocator
	mediaLogger   *MediaLogger
	codecDetector *media.CodecDetector
}

// attachCommandHandling installs a dispatcher-backed message handler on the
// provided connection. Safe to call immediately after Accept returns.
func attachCommandHandling(c *iconn.Connection, reg *Registry, cfg *Config, log *slog.Logger) {
	if c == nil || reg == nil || cfg == nil {
		return
	}
	st := &commandState{
		session:       iconn.NewSession(),
		allocator:     rpc.NewStreamIDAllocator(),
		mediaLogger:   NewMediaLogger(c.ID(), log, 30*time.Second),
		codecDetector: &media.CodecDetector{},
	}
	st.mediaLogger.SetMetrics(cfg.Metrics)
	sink := cfg.Sink
	if sink == nil {
		sink = &media.LoggingSink{Log: log}
	}

	d := rpc.NewDispatcher(func() string { return st.session.App() })

	d.OnConnect = func(cc *rpc.ConnectCommand, msg *chunk.Message) error {
		st.session.SetConnectInfo(cc.App, cc.TcURL, cc.FlashVer, uint8(cc.ObjectEncoding))
		// The control burst fires once, here, on receipt of connect — not
		// immediately after the handshake — and precedes the _result reply.
		if err := c.SendControlBurst(); err != nil {
			log.Error("control burst failed", "error", err)
			return nil
		}
		resp, err := rpc.BuildConnectResponse(cc.TransactionID, "Connection succeeded.")
		if err != nil {
			log.Error("connect response build failed", "error", err)
			return nil
		}
		if err := c.SendMessage(resp); err != nil {
			log.Error("connect response send failed", "error", err)
		} else {
			log.Info("connect response sent", "app", cc.App)
		}
		return nil
	}

	d.OnCreateStream = func(cs *rpc.CreateStreamCommand, msg *chunk.Message) error {
		resp, streamID, err := rpc.BuildCreateStreamResponse(cs.TransactionID, st.allocator)
		if err != nil {
			log.Error("createStream response build failed", "error", err)
			return nil
		}
		st.session.AllocateStreamID() // advances session phase; wire id above is authoritative
		if err := c.SendMessage(resp); err != nil {
			log.Error("createStream response send failed", "error", err)
		} else {
			log.Info("createStream response sent", "stream_id", streamID, "txn_id", cs.TransactionID)
		}

		// Send UserControl StreamBegin to signal the stream is ready.
		streamBegin := control.EncodeUserControlStreamBegin(streamID)
		if err := c.SendMessage(streamBegin); err != nil {
			log.Error("StreamBegin send failed", "error", err, "stream_id", streamID)
		}
		return nil
	}

	d.OnPublish = func(pc *rpc.PublishCommand, msg *chunk.Message) error {
		if !ValidateStreamKey(cfg, pc.PublishingName) {
			if cfg.Metrics != nil {
				cfg.Metrics.PublishErrors.WithLabelValues("bad_name").Inc()
			}
			badName, err := BuildPublishBadName(msg.MessageStreamID, pc.PublishingName)
			if err != nil {
				log.Error("publish badname build failed", "error", err)
			} else if err := c.SendMessage(badName); err != nil {
				log.Error("publish badname send failed", "error", err)
			}
			log.Warn("rejecting publish: stream key mismatch", "stream_key", pc.PublishingName)
			c.Close()
			return nil
		}

		// Delegate to the publish handler (sends onStatus internally).
		app := st.session.App()
		if _, err := HandlePublish(reg, c, app, msg); err != nil {
			log.Error("publish handle", "error", err)
			return nil
		}

		stream := reg.GetStream(pc.StreamKey)
		if stream != nil {
			stream.PublishType = ParsePublishType(pc.PublishingType)
			stream.SetID(msg.MessageStreamID)
		}
		st.session.SetStreamKey(app, pc.PublishingName)

		if cfg.Metrics != nil {
			cfg.Metrics.PublishesStarted.Inc()
			cfg.Metrics.PublishesActive.Inc()
		}

		if err := sink.OnPublishBegin(msg.MessageStreamID, app, pc.PublishingName, nil); err != nil {
			log.Error("sink publish begin", "error", err, "stream_key", pc.StreamKey)
		}
		return nil
	}

	c.SetCloseHandler(func() {
		st.mediaLogger.Stop()
		if cfg.Metrics != nil {
			cfg.Metrics.ConnectionsActive.Dec()
		}
		if st.session.StreamKey() == "" {
			return
		}
		if cfg.Metrics != nil {
			cfg.Metrics.PublishesActive.Dec()
			if c.CloseReason() != nil {
				cfg.Metrics.MessagesDropped.WithLabelValues("idle_timeout").Inc()
			}
		}
		streamKey := st.session.StreamKey()
		stream := reg.GetStream(streamKey)
		var streamID uint32
		if stream != nil {
			stream.ClearPublisher(c)
			streamID = stream.ID
			reg.DeleteStream(streamKey)
		}
		sink.OnPublishEnd(streamID, c.CloseReason())
	})

	c.SetMessageHandler(func(m *chunk.Message) {
		if m == nil {
			return
		}

		// Audio/video messages bypass command dispatch entirely.
		if m.TypeID == 8 || m.TypeID == 9 {
			st.mediaLogger.ProcessMessage(m)

			if streamKey := st.session.StreamKey(); streamKey != "" {
				if stream := reg.GetStream(streamKey); stream != nil {
					st.codecDetector.Process(m.TypeID, m.Payload, stream, log)
					kind := media.KindVideo
					if m.TypeID == 8 {
						kind = media.KindAudio
					}
					if err := sink.OnMedia(stream.ID, kind, m.Timestamp, m.Payload); err != nil {
						log.Error("sink media", "error", err, "stream_key", streamKey)
					}
				}
			}
			return
		}

		if m.TypeID != rpc.CommandMessageAMF0TypeID() {
			return
		}

		// AwaitConnect phase: the only legal command is connect. Anything
		// else is UnexpectedCommand and closes the connection.
		if st.session.State() == iconn.SessionStateUninitialized {
			name, err := rpc.PeekCommandName(m)
			if err != nil || name != "connect" {
				log.Warn("unexpected command before connect", "name", name)
				c.Close()
				return
			}
		}

		if err := d.Dispatch(m); err != nil {
			log.Error("dispatch error", "error", err)
		}
	})
}
