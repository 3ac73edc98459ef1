package server

// Publish Handler
// ---------------------------
// Registers a publisher connection in the stream registry and sends an
// `onStatus` NetStream.Publish.Start status message back to the client. The
// handler returns the built status message so tests can assert on its
// contents without needing the full dispatcher stack.

import (
	"fmt"

	rtmperrors "github.com/alxayo/go-rtmp/internal/errors"
	"github.com/alxayo/go-rtmp/internal/rtmp/amf"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	"github.com/alxayo/go-rtmp/internal/rtmp/rpc"
)

// sender is the minimal interface required from a connection. *conn.Connection
// satisfies it; kept tiny so tests can use a stub.
type sender interface {
	SendMessage(*chunk.Message) error
}

// HandlePublish parses the publish command message, registers the publisher
// in the registry (creating the stream if necessary) and sends an onStatus
// NetStream.Publish.Start message. It returns the generated onStatus message
// (already sent) for test assertion. Errors are wrapped as protocol errors
// where appropriate.
func HandlePublish(reg *Registry, conn sender, app string, msg *chunk.Message) (*chunk.Message, error) {
	if reg == nil || conn == nil || msg == nil {
		return nil, rtmperrors.NewProtocolError("publish.handle", fmt.Errorf("nil argument"))
	}

	// Parse the incoming publish command.
	pcmd, err := rpc.ParsePublishCommand(app, msg)
	if err != nil {
		return nil, err
	}

	// Look up or create the stream in the registry.
	stream, _ := reg.CreateStream(pcmd.StreamKey)
	if stream == nil {
		return nil, rtmperrors.NewProtocolError("publish.handle", fmt.Errorf("failed to create stream"))
	}

	// Enforce single publisher per stream key.
	if err := stream.SetPublisher(conn); err != nil {
		return nil, err // ErrPublisherExists from the registry
	}

	// Build onStatus NetStream.Publish.Start inline, consistent with the
	// rpc response builders.
	info := amf.NewObject(
		"level", "status",
		"code", "NetStream.Publish.Start",
		"description", fmt.Sprintf("Publishing %s.", pcmd.StreamKey),
		"details", pcmd.StreamKey,
	)

	payload, err := amf.EncodeAll(
		"onStatus", // command name
		float64(0), // transaction ID (notification)
		nil,        // command object (null)
		info,       // info object
	)
	if err != nil {
		return nil, rtmperrors.NewProtocolError("publish.handle.encode", err)
	}

	onStatus := &chunk.Message{
		CSID:            4, // command/status chunk stream id
		TypeID:          rpc.CommandMessageAMF0TypeID(),
		MessageStreamID: msg.MessageStreamID, // same stream id as publish command
		MessageLength:   uint32(len(payload)),
		Payload:         payload,
	}

	// Send the status message. If this fails we still return it so tests can
	// inspect the structure; caller may decide follow-up action.
	_ = conn.SendMessage(onStatus)
	return onStatus, nil
}

// BuildPublishBadName constructs the onStatus NetStream.Publish.BadName
// message sent when a publisher's stream key fails validation. The caller is
// responsible for sending it and closing the connection afterward.
func BuildPublishBadName(messageStreamID uint32, streamKey string) (*chunk.Message, error) {
	info := amf.NewObject(
		"level", "error",
		"code", "NetStream.Publish.BadName",
		"description", fmt.Sprintf("Stream key %q rejected.", streamKey),
	)
	payload, err := amf.EncodeAll("onStatus", float64(0), nil, info)
	if err != nil {
		return nil, rtmperrors.NewProtocolError("publish.badname.encode", err)
	}
	return &chunk.Message{
		CSID:            4,
		TypeID:          rpc.CommandMessageAMF0TypeID(),
		MessageStreamID: messageStreamID,
		MessageLength:   uint32(len(payload)),
		Payload:         payload,
	}, nil
}

// PublisherDisconnected clears the publisher from the stream if it matches
// the provided connection. Lets tests simulate connection close without
// going through the full connection lifecycle.
func PublisherDisconnected(reg *Registry, streamKey string, pub sender) {
	if reg == nil || streamKey == "" || pub == nil {
		return
	}
	s := reg.GetStream(streamKey)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.Publisher == pub {
		s.Publisher = nil
	}
	s.mu.Unlock()
}
