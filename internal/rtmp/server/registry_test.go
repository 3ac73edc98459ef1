package server

import "testing"

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry()
	if s, ok := r.CreateStream("app/stream1"); !ok || s == nil {
		t.Fatalf("expected new stream to be created")
	}
	// idempotent create
	if _, ok := r.CreateStream("app/stream1"); ok {
		t.Fatalf("expected existing stream, not newly created")
	}
	if r.GetStream("missing") != nil {
		t.Fatalf("expected nil for missing stream")
	}
}

func TestRegistryPublisher(t *testing.T) {
	r := NewRegistry()
	s, _ := r.CreateStream("app/stream2")
	if err := s.SetPublisher("pub1"); err != nil {
		t.Fatalf("unexpected error setting publisher: %v", err)
	}
	if !s.PublisherAlive {
		t.Fatalf("expected PublisherAlive true after SetPublisher")
	}
	if err := s.SetPublisher("pub2"); err == nil {
		t.Fatalf("expected error on second publisher")
	}
	s.ClearPublisher("pub1")
	if s.PublisherAlive {
		t.Fatalf("expected PublisherAlive false after ClearPublisher")
	}
	// Now a new publisher can take the stream.
	if err := s.SetPublisher("pub3"); err != nil {
		t.Fatalf("unexpected error re-publishing after clear: %v", err)
	}
}

func TestRegistryPublishType(t *testing.T) {
	cases := map[string]PublishType{
		"live":      PublishLive,
		"record":    PublishRecord,
		"append":    PublishAppend,
		"unknown":   PublishLive,
		"":          PublishLive,
	}
	for in, want := range cases {
		if got := ParsePublishType(in); got != want {
			t.Fatalf("ParsePublishType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRegistryDelete(t *testing.T) {
	r := NewRegistry()
	r.CreateStream("app/stream4")
	if !r.DeleteStream("app/stream4") {
		t.Fatalf("expected delete to succeed")
	}
	if r.GetStream("app/stream4") != nil {
		t.Fatalf("expected stream to be gone")
	}
	if r.DeleteStream("app/stream4") { // second delete
		t.Fatalf("expected second delete to be false")
	}
}
