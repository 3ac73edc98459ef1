package integration

import (
	"net"
	"testing"
	"time"

	"github.com/alxayo/go-rtmp/internal/rtmp/amf"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	"github.com/alxayo/go-rtmp/internal/rtmp/control"
	"github.com/alxayo/go-rtmp/internal/rtmp/handshake"
	srv "github.com/alxayo/go-rtmp/internal/rtmp/server"
)

// TestCommandsFlow drives a real server through the connect -> createStream
// -> publish sequence over a TCP loopback connection and asserts on the
// responses a broadcaster (OBS/ffmpeg) actually waits for.
func TestCommandsFlow(t *testing.T) {
	s := srv.New(srv.Config{ListenAddr: "127.0.0.1:0"})
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

	// 1. connect
	connectPayload, err := amf.EncodeAll("connect", 1.0, amf.NewObject(
		"app", "live",
		"tcUrl", "rtmp://127.0.0.1/live",
		"objectEncoding", 0.0,
	))
	if err != nil {
		t.Fatalf("encode connect: %v", err)
	}
	if err := w.WriteMessage(&chunk.Message{CSID: 3, TypeID: 20, MessageStreamID: 0, MessageLength: uint32(len(connectPayload)), Payload: connectPayload}); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	// The server answers connect with the control burst (3 protocol control
	// messages) followed by the _result reply, in that order.
	wantControlTypes := []uint8{control.TypeWindowAcknowledgement, control.TypeSetPeerBandwidth, control.TypeSetChunkSize}
	for i, want := range wantControlTypes {
		m, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("read control msg %d: %v", i, err)
		}
		if m.TypeID != want {
			t.Fatalf("control msg %d: got type %d want %d", i, m.TypeID, want)
		}
	}
	connectResult, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read connect _result: %v", err)
	}
	vals, err := amf.DecodeAll(connectResult.Payload)
	if err != nil {
		t.Fatalf("decode connect _result: %v", err)
	}
	if name, _ := vals[0].(string); name != "_result" {
		t.Fatalf("expected _result, got %v", vals[0])
	}
	info, ok := vals[3].(amf.Object)
	if !ok {
		t.Fatalf("connect _result info not an object: %#v", vals[3])
	}
	if code, _ := info.Get("code"); code != "NetConnection.Connect.Success" {
		t.Fatalf("unexpected connect code: %v", code)
	}

	// 2. createStream
	createStreamPayload, err := amf.EncodeAll("createStream", 2.0, nil)
	if err != nil {
		t.Fatalf("encode createStream: %v", err)
	}
	if err := w.WriteMessage(&chunk.Message{CSID: 3, TypeID: 20, MessageStreamID: 0, MessageLength: uint32(len(createStreamPayload)), Payload: createStreamPayload}); err != nil {
		t.Fatalf("write createStream: %v", err)
	}
	createStreamResult, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read createStream _result: %v", err)
	}
	vals, err = amf.DecodeAll(createStreamResult.Payload)
	if err != nil {
		t.Fatalf("decode createStream _result: %v", err)
	}
	streamID, ok := vals[3].(float64)
	if !ok || streamID < 1 {
		t.Fatalf("expected stream id >= 1, got %#v", vals[3])
	}
	// StreamBegin (User Control, type 4) follows.
	if _, err := r.ReadMessage(); err != nil {
		t.Fatalf("read StreamBegin: %v", err)
	}

	// 3. publish
	publishPayload, err := amf.EncodeAll("publish", 0.0, nil, "test", "live")
	if err != nil {
		t.Fatalf("encode publish: %v", err)
	}
	if err := w.WriteMessage(&chunk.Message{CSID: 8, TypeID: 20, MessageStreamID: uint32(streamID), MessageLength: uint32(len(publishPayload)), Payload: publishPayload}); err != nil {
		t.Fatalf("write publish: %v", err)
	}
	onStatus, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read onStatus: %v", err)
	}
	vals, err = amf.DecodeAll(onStatus.Payload)
	if err != nil {
		t.Fatalf("decode onStatus: %v", err)
	}
	if name, _ := vals[0].(string); name != "onStatus" {
		t.Fatalf("expected onStatus, got %v", vals[0])
	}
	statusInfo, ok := vals[3].(amf.Object)
	if !ok {
		t.Fatalf("onStatus info not an object: %#v", vals[3])
	}
	if code, _ := statusInfo.Get("code"); code != "NetStream.Publish.Start" {
		t.Fatalf("unexpected publish status code: %v", code)
	}
}
