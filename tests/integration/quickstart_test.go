package integration

// TestQuickstartScenario drives a full publisher session against a real
// server instance: handshake, connect, createStream, publish, then an AVC
// sequence header and an AAC AudioSpecificConfig frame, and asserts the
// configured media.Sink observes the publish lifecycle and both payloads.

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alxayo/go-rtmp/internal/rtmp/amf"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	"github.com/alxayo/go-rtmp/internal/rtmp/handshake"
	"github.com/alxayo/go-rtmp/internal/rtmp/media"
	srv "github.com/alxayo/go-rtmp/internal/rtmp/server"
)

// recordingSink captures every lifecycle/media call for assertions, guarded
// by a mutex since the server may invoke it from a connection goroutine.
type recordingSink struct {
	mu           sync.Mutex
	beginApp     string
	beginStream  string
	audioPayload []byte
	videoPayload []byte
	ended        bool
}

func (s *recordingSink) OnPublishBegin(streamID uint32, app, streamName string, metadata media.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginApp, s.beginStream = app, streamName
	return nil
}

func (s *recordingSink) OnMedia(streamID uint32, kind media.Kind, timestamp uint32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), payload...)
	if kind == media.KindAudio {
		s.audioPayload = cp
	} else {
		s.videoPayload = cp
	}
	return nil
}

func (s *recordingSink) OnPublishEnd(streamID uint32, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *recordingSink) snapshot() (app, stream string, audio, video []byte, ended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginApp, s.beginStream, s.audioPayload, s.videoPayload, s.ended
}

func TestQuickstartScenario(t *testing.T) {
	sink := &recordingSink{}
	s := srv.New(srv.Config{ListenAddr: "127.0.0.1:0", Sink: sink})
	if err := s.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := handshake.ClientHandshake(conn); err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	w := chunk.NewWriter(conn, 128)
	r := chunk.NewReader(conn, 128)
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	send := func(csid uint32, msid uint32, vals ...interface{}) {
		t.Helper()
		payload, err := amf.EncodeAll(vals...)
		if err != nil {
			t.Fatalf("encode %v: %v", vals[0], err)
		}
		if err := w.WriteMessage(&chunk.Message{CSID: csid, TypeID: 20, MessageStreamID: msid, MessageLength: uint32(len(payload)), Payload: payload}); err != nil {
			t.Fatalf("write %v: %v", vals[0], err)
		}
	}

	send(3, 0, "connect", 1.0, amf.NewObject("app", "live", "tcUrl", "rtmp://127.0.0.1/live", "objectEncoding", 0.0))
	// 3 control burst messages + _result.
	for i := 0; i < 4; i++ {
		if _, err := r.ReadMessage(); err != nil {
			t.Fatalf("read connect response part %d: %v", i, err)
		}
	}

	send(3, 0, "createStream", 2.0, nil)
	createStreamResult, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read createStream _result: %v", err)
	}
	vals, err := amf.DecodeAll(createStreamResult.Payload)
	if err != nil {
		t.Fatalf("decode createStream _result: %v", err)
	}
	streamID, _ := vals[3].(float64)
	if _, err := r.ReadMessage(); err != nil { // StreamBegin
		t.Fatalf("read StreamBegin: %v", err)
	}

	send(8, uint32(streamID), "publish", 0.0, nil, "test", "live")
	if _, err := r.ReadMessage(); err != nil { // onStatus
		t.Fatalf("read publish onStatus: %v", err)
	}

	// AVC sequence header: codec id 7 (AVC), frame type 1 (key frame), AVC
	// packet type 0 (sequence header). Body contents are irrelevant to the
	// server, which forwards them untouched.
	videoMsg := &chunk.Message{
		CSID: 6, TypeID: 9, MessageStreamID: uint32(streamID),
		Payload: []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x42, 0x00, 0x1E},
	}
	videoMsg.MessageLength = uint32(len(videoMsg.Payload))
	if err := w.WriteMessage(videoMsg); err != nil {
		t.Fatalf("write video: %v", err)
	}

	// AAC AudioSpecificConfig: sound format 10 (AAC), AAC packet type 0.
	audioMsg := &chunk.Message{
		CSID: 7, TypeID: 8, MessageStreamID: uint32(streamID),
		Payload: []byte{0xAF, 0x00, 0x12, 0x10},
	}
	audioMsg.MessageLength = uint32(len(audioMsg.Payload))
	if err := w.WriteMessage(audioMsg); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, audio, video, _ := sink.snapshot(); audio != nil && video != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	app, stream, audio, video, _ := sink.snapshot()
	if app != "live" || stream != "test" {
		t.Fatalf("OnPublishBegin got app=%q stream=%q", app, stream)
	}
	if len(video) == 0 {
		t.Fatalf("OnMedia never received the video payload")
	}
	if len(audio) == 0 {
		t.Fatalf("OnMedia never received the audio payload")
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, _, _, ended := sink.snapshot(); ended {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("OnPublishEnd was never called after connection close")
}
