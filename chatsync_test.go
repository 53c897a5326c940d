package chatsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/chatsync/config"
	"github.com/opd-ai/chatsync/delivery"
	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/storage"
)

type mockRemote struct {
	mu        sync.Mutex
	puts      int
	uploads   int
	uploadErr error
}

func (r *mockRemote) PutMessage(ctx context.Context, msg *message.OutboundMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts++
	return fmt.Sprintf("remote-%d", r.puts), nil
}

func (r *mockRemote) UpdateStatus(ctx context.Context, remoteID string, status message.DeliveryStatus) error {
	return nil
}

func (r *mockRemote) UploadBinary(ctx context.Context, localPath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploadErr != nil {
		return "", r.uploadErr
	}
	r.uploads++
	return fmt.Sprintf("https://cdn.example/%d", r.uploads), nil
}

func (r *mockRemote) putCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.puts
}

type mockReceipts struct {
	mu      sync.Mutex
	batches [][]string
}

func (w *mockReceipts) WriteReceipts(ctx context.Context, chatID string, messageIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, append([]string(nil), messageIDs...))
	return nil
}

func (w *mockReceipts) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

type mockFetcher struct{ data []byte }

func (f *mockFetcher) Fetch(ctx context.Context, sourceURL string) (interfaces.ByteStream, int64, error) {
	return &byteStream{Reader: bytes.NewReader(f.data)}, int64(len(f.data)), nil
}

type byteStream struct{ *bytes.Reader }

func (s *byteStream) Close() error { return nil }

func testClient(t *testing.T, remote *mockRemote, receipts *mockReceipts) *Client {
	t.Helper()

	cfg := config.Default(t.TempDir())
	cfg.ReadTracker.DwellTime = 20 * time.Millisecond
	cfg.ReadTracker.SweepInterval = 10 * time.Millisecond

	kv, err := storage.NewFileStore(filepath.Join(t.TempDir(), "kv"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	client, err := NewWithStore(cfg, Backend{
		Remote:   remote,
		Receipts: receipts,
		Fetcher:  &mockFetcher{data: []byte("remote bytes")},
	}, kv)
	if err != nil {
		t.Fatalf("NewWithStore failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewRequiresBackendAdapters(t *testing.T) {
	cfg := config.Default(t.TempDir())
	_, err := New(cfg, Backend{})
	if err == nil {
		t.Fatal("expected an error for a backend with missing adapters")
	}
}

func TestSendTextReachesSent(t *testing.T) {
	remote := &mockRemote{}
	client := testClient(t, remote, &mockReceipts{})

	msg, result := client.SendText(context.Background(), "chat-1", "hello")

	if result.Outcome != delivery.OutcomeSent {
		t.Fatalf("expected OutcomeSent, got %v", result.Outcome)
	}
	if msg.Status != message.StatusSent {
		t.Errorf("expected status Sent, got %v", msg.Status)
	}

	client.Delivery().MarkDelivered(msg.RemoteID, time.Now())
	client.Delivery().MarkRead(msg.RemoteID, time.Now())

	got, ok := client.Delivery().Get(msg.LocalID)
	if !ok {
		t.Fatal("message not tracked after send")
	}
	if got.Status != message.StatusRead {
		t.Errorf("expected status Read after receipts, got %v", got.Status)
	}
}

func TestSendAttachmentPreCachesBeforeUpload(t *testing.T) {
	remote := &mockRemote{}
	client := testClient(t, remote, &mockReceipts{})

	localPath := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(localPath, []byte("jpeg bytes"), 0o600); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	msg, result, err := client.SendAttachment(context.Background(), "chat-1", "photo-1", localPath)
	if err != nil {
		t.Fatalf("SendAttachment failed: %v", err)
	}
	if result.Outcome != delivery.OutcomeSent {
		t.Fatalf("expected OutcomeSent, got %v", result.Outcome)
	}
	if msg.Payload.Kind != message.PayloadAttachment {
		t.Errorf("expected attachment payload, got %v", msg.Payload.Kind)
	}
	if msg.Payload.SourceURL == "" {
		t.Error("submitted message must carry the uploaded binary URL")
	}
	if !client.Media().IsCached("photo-1") {
		t.Error("sender's own attachment must be cached before upload completes")
	}
}

func TestSendAttachmentUploadFailureQueuesNothing(t *testing.T) {
	remote := &mockRemote{uploadErr: errors.New("cdn unavailable")}
	client := testClient(t, remote, &mockReceipts{})

	localPath := filepath.Join(t.TempDir(), "clip.opus")
	if err := os.WriteFile(localPath, []byte("audio"), 0o600); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	_, _, err := client.SendAttachment(context.Background(), "chat-1", "clip-1", localPath)
	if err == nil {
		t.Fatal("expected an error when the binary upload fails")
	}
	if got := remote.putCount(); got != 0 {
		t.Errorf("no message record should be written without its binary, got %d", got)
	}
	if got := client.Delivery().PendingCount(); got != 0 {
		t.Errorf("nothing should be queued, got %d", got)
	}
}

func TestVisibilityDwellProducesReceipt(t *testing.T) {
	receipts := &mockReceipts{}
	client := testClient(t, &mockRemote{}, receipts)
	client.Start()

	client.MessageVisible("chat-1", "msg-1")

	deadline := time.Now().Add(2 * time.Second)
	for receipts.batchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no read receipt written after dwell time elapsed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHiddenBeforeDwellWritesNothing(t *testing.T) {
	receipts := &mockReceipts{}
	client := testClient(t, &mockRemote{}, receipts)
	client.Start()

	client.MessageVisible("chat-1", "msg-1")
	client.MessageHidden("msg-1")

	time.Sleep(100 * time.Millisecond)
	if got := receipts.batchCount(); got != 0 {
		t.Errorf("a glimpsed message must not produce a receipt, got %d batches", got)
	}
}
