package server

// Stream Registry
// ---------------
// Thread-safe registry that tracks active publish streams keyed by the full
// stream key ("app/stream"). A Stream here is the server's live view of the
// state machine's StreamState: one publisher, no fan-out, no subscriber
// bookkeeping — every authenticated collaborator of a stream is the sink, not
// other connections.
//
// Concurrency model: sync.RWMutex guards the registry map. Per-stream mutable
// fields are guarded by the stream's own mutex.

import (
	"errors"
	"sync"
	"time"
)

// ErrPublisherExists is returned when trying to set a second publisher.
var ErrPublisherExists = errors.New("publisher already registered for stream")

// PublishType mirrors the three publish semantics a publish command can
// request. Append and Record both land on-disk in the original protocol;
// since this server has no recording path of its own, they are tracked only
// so a sink can decide what to do with them.
type PublishType int

const (
	PublishLive PublishType = iota
	PublishRecord
	PublishAppend
)

func (p PublishType) String() string {
	switch p {
	case PublishRecord:
		return "record"
	case PublishAppend:
		return "append"
	default:
		return "live"
	}
}

// ParsePublishType maps the publish command's third argument to a PublishType,
// defaulting to Live for anything unrecognized.
func ParsePublishType(s string) PublishType {
	switch s {
	case "record":
		return PublishRecord
	case "append":
		return PublishAppend
	default:
		return PublishLive
	}
}

// Registry holds all active streams keyed by stream key.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{streams: make(map[string]*Stream)} }

// Stream is the server-side StreamState: the identifying stream id and name,
// the publish type requested, whether the publisher connection is still
// alive, and the codec bookkeeping a sink needs for interpreting payloads.
type Stream struct {
	Key            string
	ID             uint32
	PublishType    PublishType
	Publisher      interface{}
	PublisherAlive bool
	VideoCodec     string
	AudioCodec     string
	StartTime      time.Time

	mu sync.RWMutex
}

// CreateStream returns the existing stream if present or creates a new one.
// The boolean indicates whether a new stream was created.
func (r *Registry) CreateStream(key string) (*Stream, bool) {
	if key == "" {
		return nil, false
	}
	// Fast path read
	r.mu.RLock()
	if s, ok := r.streams[key]; ok {
		r.mu.RUnlock()
		return s, false
	}
	r.mu.RUnlock()

	// Upgrade to write lock
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[key]; ok { // double-check
		return s, false
	}
	s := &Stream{Key: key, StartTime: time.Now()}
	r.streams[key] = s
	return s, true
}

// StreamSnapshot is a point-in-time, lock-free copy of a Stream's fields,
// safe to marshal or hold onto after the registry has moved on.
type StreamSnapshot struct {
	Key            string    `json:"key"`
	ID             uint32    `json:"stream_id"`
	PublishType    string    `json:"publish_type"`
	PublisherAlive bool      `json:"publisher_alive"`
	VideoCodec     string    `json:"video_codec,omitempty"`
	AudioCodec     string    `json:"audio_codec,omitempty"`
	StartTime      time.Time `json:"start_time"`
}

// Snapshot returns a StreamSnapshot for every stream currently registered,
// used by the status endpoint to report what is live without exposing the
// registry's internal locking to callers outside the package.
func (r *Registry) Snapshot() []StreamSnapshot {
	r.mu.RLock()
	keys := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		keys = append(keys, s)
	}
	r.mu.RUnlock()

	out := make([]StreamSnapshot, 0, len(keys))
	for _, s := range keys {
		s.mu.RLock()
		out = append(out, StreamSnapshot{
			Key:            s.Key,
			ID:             s.ID,
			PublishType:    s.PublishType.String(),
			PublisherAlive: s.PublisherAlive,
			VideoCodec:     s.VideoCodec,
			AudioCodec:     s.AudioCodec,
			StartTime:      s.StartTime,
		})
		s.mu.RUnlock()
	}
	return out
}

// GetStream returns the stream for key or nil if absent.
func (r *Registry) GetStream(key string) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[key]
}

// DeleteStream removes the stream (if present) and returns true if deleted.
func (r *Registry) DeleteStream(key string) bool {
	if key == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[key]; ok {
		delete(r.streams, key)
		return true
	}
	return false
}

// SetPublisher sets the publisher if empty else returns ErrPublisherExists.
func (s *Stream) SetPublisher(pub interface{}) error {
	if s == nil || pub == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Publisher != nil {
		return ErrPublisherExists
	}
	s.Publisher = pub
	s.PublisherAlive = true
	return nil
}

// SetID records the message stream id allocated by createStream for this
// publish, so a sink can correlate OnMedia calls back to OnPublishBegin.
func (s *Stream) SetID(id uint32) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.ID = id
	s.mu.Unlock()
}

// ClearPublisher marks the publisher gone (connection closed or unpublish),
// leaving the stream entry in place only long enough for the caller to read
// its final state; callers typically DeleteStream right after.
func (s *Stream) ClearPublisher(pub interface{}) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.Publisher == pub {
		s.Publisher = nil
		s.PublisherAlive = false
	}
	s.mu.Unlock()
}

// --- CodecStore interface implementation (required for codec detection) ---

// SetAudioCodec sets the audio codec name in a thread-safe manner.
func (s *Stream) SetAudioCodec(codec string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.AudioCodec = codec
	s.mu.Unlock()
}

// SetVideoCodec sets the video codec name in a thread-safe manner.
func (s *Stream) SetVideoCodec(codec string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.VideoCodec = codec
	s.mu.Unlock()
}

// GetAudioCodec returns the current audio codec in a thread-safe manner.
func (s *Stream) GetAudioCodec() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AudioCodec
}

// GetVideoCodec returns the current video codec in a thread-safe manner.
func (s *Stream) GetVideoCodec() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.VideoCodec
}

// StreamKey returns the stream's key (required by CodecStore interface).
func (s *Stream) StreamKey() string {
	if s == nil {
		return ""
	}
	return s.Key
}
