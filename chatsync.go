// Package chatsync implements the client-side reliability core of a chat
// application: durable message delivery with retries, visibility-gated
// read receipts, and a bounded local media cache.
//
// Example:
//
//	cfg := config.Default("./chatsync-data")
//
//	client, err := chatsync.New(cfg, chatsync.Backend{
//	    Remote:   remote,
//	    Receipts: receipts,
//	    Fetcher:  fetcher,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.Start()
//	defer client.Close()
//
//	msg, result := client.SendText(ctx, "chat-42", "hello")
//	fmt.Println(msg.LocalID, result.Outcome)
//
//	// Read receipts flow from what the user actually sees.
//	client.MessageVisible("chat-42", "remote-msg-7")
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/config"
	"github.com/opd-ai/chatsync/delivery"
	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/mediacache"
	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/readtracker"
	"github.com/opd-ai/chatsync/storage"
)

// Backend bundles the server-facing adapters a Client needs. Remote,
// Receipts, and Fetcher are required; Connectivity defaults to a monitor
// that assumes a good connection until told otherwise.
type Backend struct {
	Remote       interfaces.RemoteStore
	Receipts     interfaces.ReceiptWriter
	Fetcher      interfaces.BinaryFetcher
	Connectivity interfaces.ConnectivitySignal
}

// Client wires the delivery engine, read tracker, and media cache over a
// shared durable store. Create one per account with New.
type Client struct {
	cfg    config.Config
	kv     storage.KV
	remote interfaces.RemoteStore

	delivery *delivery.Engine
	reads    *readtracker.Tracker
	media    *mediacache.Manager
}

// New builds a Client from the configuration and backend adapters. Durable
// state lives in a SQLite database under cfg.DataDir; pending messages from
// a previous run are reloaded immediately.
func New(cfg config.Config, backend Backend) (*Client, error) {
	if backend.Remote == nil || backend.Receipts == nil || backend.Fetcher == nil {
		return nil, errors.New("backend requires Remote, Receipts, and Fetcher")
	}
	if backend.Connectivity == nil {
		backend.Connectivity = interfaces.NewMonitor(interfaces.QualityGood)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	kv, err := storage.NewSQLStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	return newClient(cfg, backend, kv)
}

// NewWithStore is New with a caller-supplied KV store. The caller keeps
// ownership of the store; Close will not close it.
func NewWithStore(cfg config.Config, backend Backend, kv storage.KV) (*Client, error) {
	if backend.Remote == nil || backend.Receipts == nil || backend.Fetcher == nil {
		return nil, errors.New("backend requires Remote, Receipts, and Fetcher")
	}
	if backend.Connectivity == nil {
		backend.Connectivity = interfaces.NewMonitor(interfaces.QualityGood)
	}

	client, err := newClient(cfg, backend, kv)
	if err != nil {
		return nil, err
	}
	client.kv = nil // not owned
	return client, nil
}

func newClient(cfg config.Config, backend Backend, kv storage.KV) (*Client, error) {
	engine, err := delivery.NewEngine(cfg.Delivery, backend.Remote, kv, backend.Connectivity)
	if err != nil {
		return nil, fmt.Errorf("creating delivery engine: %w", err)
	}

	media, err := mediacache.NewManager(cfg.Cache, kv, backend.Fetcher, backend.Connectivity)
	if err != nil {
		return nil, fmt.Errorf("creating media cache: %w", err)
	}

	client := &Client{
		cfg:      cfg,
		kv:       kv,
		remote:   backend.Remote,
		delivery: engine,
		reads:    readtracker.NewTracker(cfg.ReadTracker, backend.Receipts),
		media:    media,
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"data_dir": cfg.DataDir,
	}).Info("Chatsync client created")

	return client, nil
}

// Start launches the retry scheduler and the read receipt sweeper.
func (c *Client) Start() {
	c.delivery.Start()
	c.reads.Start()
}

// Close stops background work and releases the durable store.
func (c *Client) Close() error {
	c.reads.Stop()
	c.delivery.Stop()
	if c.kv != nil {
		return c.kv.Close()
	}
	return nil
}

// Delivery exposes the delivery engine for status queries, manual retries,
// and inbound delivery/read receipts.
func (c *Client) Delivery() *delivery.Engine { return c.delivery }

// Reads exposes the visibility-gated read tracker.
func (c *Client) Reads() *readtracker.Tracker { return c.reads }

// Media exposes the media cache manager.
func (c *Client) Media() *mediacache.Manager { return c.media }

// SendText submits a text message for delivery. The returned message
// reflects the immediate outcome; later lifecycle changes are observed
// through Delivery().Get or the status subscription. The result says
// whether it went out immediately, was queued, or was rejected outright.
func (c *Client) SendText(ctx context.Context, chatID, text string) (*message.OutboundMessage, delivery.SubmitResult) {
	msg := message.NewOutbound(chatID, message.Payload{
		Kind: message.PayloadText,
		Text: text,
	})
	return msg, c.delivery.Submit(ctx, msg)
}

// SendAttachment pre-caches a locally authored file, uploads its bytes,
// and submits the referencing message. Pre-caching means the sender can
// open the attachment instantly while upload and delivery proceed. A
// failed upload returns an error without queuing a message, since a
// message record without its binary would be undeliverable.
func (c *Client) SendAttachment(ctx context.Context, chatID, attachmentID, localPath string) (*message.OutboundMessage, delivery.SubmitResult, error) {
	c.media.PreCacheLocalFile(attachmentID, localPath, "")

	sourceURL, err := c.remote.UploadBinary(ctx, localPath)
	if err != nil {
		return nil, delivery.SubmitResult{}, fmt.Errorf("uploading attachment binary: %w", err)
	}

	msg := message.NewOutbound(chatID, message.Payload{
		Kind:         message.PayloadAttachment,
		AttachmentID: attachmentID,
		SourceURL:    sourceURL,
	})
	result := c.delivery.Submit(ctx, msg)
	return msg, result, nil
}

// MessageVisible reports that an inbound message entered the viewport.
// A read receipt is written only after the message stays visible for the
// configured dwell time.
func (c *Client) MessageVisible(chatID, messageID string) {
	c.reads.OnVisible(chatID, messageID)
}

// MessageHidden reports that an inbound message left the viewport.
func (c *Client) MessageHidden(messageID string) {
	c.reads.OnHidden(messageID)
}

// NewestMessage tells the read tracker which message is the newest in a
// chat, so its receipt flushes without waiting for the sweep.
func (c *Client) NewestMessage(chatID, messageID string) {
	c.reads.NoteNewest(chatID, messageID)
}
