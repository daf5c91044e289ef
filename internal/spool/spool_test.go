package spool

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Pyxxilated-Studios/empath/internal/envelope"
	"github.com/Pyxxilated-Studios/empath/internal/mailaddress"
)

func sampleContext() *Context {
	sender := &mailaddress.Mailbox{LocalPart: "alice", Domain: "example.com"}
	return &Context{
		Envelope: envelope.Envelope{
			Sender: sender,
			Recipients: []mailaddress.Mailbox{
				{LocalPart: "bob", Domain: "example.org"},
			},
		},
		Data:           []byte("Subject: test\r\n\r\nhello\r\n"),
		Extended:       true,
		Banner:         "empath test",
		MaxMessageSize: 1024,
	}
}

func testSpoolRoundTrip(t *testing.T, s Spool) {
	t.Helper()

	ctx := sampleContext()
	id, err := s.Write(ctx)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if id == "" {
		t.Fatal("Write returned empty id")
	}

	got, err := s.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(ctx.Envelope, got.Envelope); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ctx.Data, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if got.TrackingID != id {
		t.Errorf("TrackingID = %q, want %q", got.TrackingID, id)
	}

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("List = %v, want [%s]", ids, id)
	}

	got.Delivery = &DeliveryState{Status: StatusCompleted}
	if err := s.Update(id, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	updated, err := s.Read(id)
	if err != nil {
		t.Fatalf("Read after Update: %v", err)
	}
	if updated.Delivery == nil || updated.Delivery.Status != StatusCompleted {
		t.Errorf("expected persisted DeliveryState to survive Update, got %+v", updated.Delivery)
	}

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read(id); err == nil {
		t.Error("expected Read after Delete to fail")
	}
	if err := s.Delete(id); err == nil {
		t.Error("expected Delete of missing id to fail")
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	testSpoolRoundTrip(t, NewMemory(0))
}

func TestMemoryCapacityExceeded(t *testing.T) {
	m := NewMemory(1)
	if _, err := m.Write(sampleContext()); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if _, err := m.Write(sampleContext()); err == nil {
		t.Error("expected second Write to exceed capacity")
	}
}

func TestMemoryReadIsolatesCallers(t *testing.T) {
	m := NewMemory(0)
	id, _ := m.Write(sampleContext())

	got, _ := m.Read(id)
	got.Data[0] = 'X'

	fresh, _ := m.Read(id)
	if fresh.Data[0] == 'X' {
		t.Error("expected Read to return an isolated copy")
	}
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	testSpoolRoundTrip(t, f)
}

func TestFileReadMissing(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if _, err := f.Read("does-not-exist"); err == nil {
		t.Error("expected Read of missing id to fail")
	}
}

func TestFileUpdateMissingFails(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := f.Update("does-not-exist", sampleContext()); err == nil {
		t.Error("expected Update of missing id to fail")
	}
}

func TestDecodeFrameRejectsBadMagic(t *testing.T) {
	if _, err := decodeFrame([]byte("not a frame at all!")); err == nil {
		t.Error("expected decodeFrame to reject a non-frame buffer")
	}
}

func TestFileListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := os.WriteFile(dir+"/stray.txt", []byte("not ours"), 0600); err != nil {
		t.Fatalf("writing stray file: %v", err)
	}

	id, _ := f.Write(sampleContext())
	ids, err := f.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("List = %v, want [%s]", ids, id)
	}
}
