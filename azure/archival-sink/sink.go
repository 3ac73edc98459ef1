// Package archivalsink is an example external collaborator: a media.Sink
// that archives every publish as an Azure append blob instead of keeping
// media inside the core ingest process. It lives in its own module so the
// core server never pulls in the Azure SDK to run.
package archivalsink

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/streaming"

	"github.com/alxayo/go-rtmp/internal/rtmp/media"
)

// recordHeader precedes every archived payload so a reader can split the
// append blob back into discrete media messages without a container format.
// Format: kind(1) | timestamp(4, big-endian) | length(4, big-endian).
const recordHeaderSize = 1 + 4 + 4

// Sink archives publishes as append blobs in a single Azure Storage
// container, one blob per publish named <app>/<streamName>/<streamID>.rtmp
// (a republish with the same key and stream id recreates that blob). Calls
// block on the network: per
// media.Sink's contract, a suspending sink suspends the publisher that
// called it, so Config.FlushBytes should be tuned to the archive's
// durability/latency tradeoff rather than left unbounded.
type Sink struct {
	client        *azblob.Client
	containerName string
	log           *slog.Logger
	flushBytes    int

	mu      sync.Mutex
	streams map[uint32]*streamBuffer
}

type streamBuffer struct {
	blobName string
	buf      bytes.Buffer
	created  bool
}

// Config configures a Sink. AccountURL is the storage account blob endpoint
// (e.g. "https://<account>.blob.core.windows.net"); authentication uses
// azidentity's default credential chain.
type Config struct {
	AccountURL    string
	ContainerName string
	// FlushBytes bounds how much is buffered per stream before an
	// AppendBlock call is issued. 0 uses a 256KiB default.
	FlushBytes int
	Log        *slog.Logger
}

// New constructs a Sink and ensures its container exists.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("archival sink: credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("archival sink: client: %w", err)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	flushBytes := cfg.FlushBytes
	if flushBytes <= 0 {
		flushBytes = 256 * 1024
	}

	if _, err := client.CreateContainer(ctx, cfg.ContainerName, nil); err != nil {
		log.Debug("container create skipped (likely already exists)", "container", cfg.ContainerName, "error", err)
	}

	return &Sink{
		client:        client,
		containerName: cfg.ContainerName,
		log:           log.With("component", "archival_sink"),
		flushBytes:    flushBytes,
		streams:       make(map[uint32]*streamBuffer),
	}, nil
}

// OnPublishBegin creates the append blob the stream's media will be written
// to. The blob name embeds app/streamName so an operator can locate archives
// without a side index.
func (s *Sink) OnPublishBegin(streamID uint32, app, streamName string, metadata media.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blobName := fmt.Sprintf("%s/%s/%d.rtmp", app, streamName, streamID)
	s.streams[streamID] = &streamBuffer{blobName: blobName}

	ctx := context.Background()
	abClient := s.appendBlobClient(blobName)
	if _, err := abClient.Create(ctx, nil); err != nil {
		s.log.Error("create append blob failed", "blob", blobName, "error", err)
		return fmt.Errorf("archival sink: create blob: %w", err)
	}
	s.log.Info("archive started", "blob", blobName, "stream_id", streamID, "metadata_fields", len(metadata))
	return nil
}

// OnMedia appends a length-prefixed record to the stream's in-memory buffer,
// flushing to the append blob once the buffer crosses FlushBytes.
func (s *Sink) OnMedia(streamID uint32, kind media.Kind, timestamp uint32, payload []byte) error {
	s.mu.Lock()
	sb, ok := s.streams[streamID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("archival sink: unknown stream id %d", streamID)
	}

	var header [recordHeaderSize]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:5], timestamp)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))
	sb.buf.Write(header[:])
	sb.buf.Write(payload)

	shouldFlush := sb.buf.Len() >= s.flushBytes
	var chunk []byte
	blobName := sb.blobName
	if shouldFlush {
		chunk = append([]byte(nil), sb.buf.Bytes()...)
		sb.buf.Reset()
	}
	s.mu.Unlock()

	if !shouldFlush {
		return nil
	}
	return s.appendChunk(blobName, chunk)
}

// OnPublishEnd flushes any buffered tail and forgets the stream.
func (s *Sink) OnPublishEnd(streamID uint32, reason error) {
	s.mu.Lock()
	sb, ok := s.streams[streamID]
	if ok {
		delete(s.streams, streamID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if sb.buf.Len() > 0 {
		if err := s.appendChunk(sb.blobName, sb.buf.Bytes()); err != nil {
			s.log.Error("final flush failed", "blob", sb.blobName, "error", err)
		}
	}
	s.log.Info("archive closed", "blob", sb.blobName, "stream_id", streamID, "reason", reason)
}

func (s *Sink) appendChunk(blobName string, data []byte) error {
	ctx := context.Background()
	abClient := s.appendBlobClient(blobName)
	body := streaming.NopCloser(bytes.NewReader(data))
	_, err := abClient.AppendBlock(ctx, body, nil)
	if err != nil {
		s.log.Error("append block failed", "blob", blobName, "bytes", len(data), "error", err)
		return fmt.Errorf("archival sink: append block: %w", err)
	}
	return nil
}

func (s *Sink) appendBlobClient(blobName string) *appendblob.Client {
	return s.client.ServiceClient().
		NewContainerClient(s.containerName).
		NewAppendBlobClient(blobName)
}
