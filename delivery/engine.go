// Package delivery implements the outbound message lifecycle: immediate
// send attempts through the remote store, a durable retry queue with
// exponential backoff that survives process restarts, and delivery/read
// status tracking that only ever moves forward.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/config"
	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/observe"
	"github.com/opd-ai/chatsync/storage"
)

// pendingKeyPrefix namespaces the durable retry queue inside the shared KV
// store.
const pendingKeyPrefix = "pending/"

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// defaultTimeProvider uses the standard library clock.
type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// SubmitOutcome classifies the result of a Submit call.
type SubmitOutcome uint8

const (
	// OutcomeSent means the remote store accepted the message immediately.
	OutcomeSent SubmitOutcome = iota
	// OutcomeQueued means a connectivity failure occurred and the message
	// was durably queued for retry.
	OutcomeQueued
	// OutcomeRejected means the remote store rejected the message
	// permanently; it was not enqueued.
	OutcomeRejected
)

// SubmitResult reports how a submission was handled.
type SubmitResult struct {
	Outcome  SubmitOutcome
	LocalID  string
	RemoteID string
	Reason   error
}

// StatusPolicy controls which per-message statuses VisibleStatuses exposes.
// Recording is always complete; the policy only gates reporting, matching
// chat clients that decorate only the newest message in a conversation.
type StatusPolicy uint8

const (
	// PolicyNewestOnly exposes only the newest self-authored message per
	// chat. This is the default product behavior.
	PolicyNewestOnly StatusPolicy = iota
	// PolicyAllMessages exposes every tracked message.
	PolicyAllMessages
)

// StatusCallback is invoked after a message's delivery status changes.
type StatusCallback func(localID string, status message.DeliveryStatus)

// Engine owns the outbound message lifecycle.
type Engine struct {
	mu sync.Mutex

	cfg          config.Delivery
	remote       interfaces.RemoteStore
	kv           storage.KV
	connectivity interfaces.ConnectivitySignal
	timeProvider TimeProvider
	policy       StatusPolicy

	messages     map[string]*message.OutboundMessage // localID -> record
	pending      map[string]struct{}                 // localIDs awaiting retry
	byRemote     map[string]string                   // remoteID -> localID
	newestByChat map[string]string                   // chatID -> newest localID

	statuses       *observe.Map[message.DeliveryStatus]
	statusCallback StatusCallback

	running  bool
	stopChan chan struct{}
	wakeChan chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a delivery engine, reloading any persisted retry queue
// from kv. Reloaded records that already hold a remote ID are treated as
// sent and are not submitted again.
func NewEngine(cfg config.Delivery, remote interfaces.RemoteStore, kv storage.KV, connectivity interfaces.ConnectivitySignal) (*Engine, error) {
	e := &Engine{
		cfg:          cfg,
		remote:       remote,
		kv:           kv,
		connectivity: connectivity,
		timeProvider: defaultTimeProvider{},
		messages:     make(map[string]*message.OutboundMessage),
		pending:      make(map[string]struct{}),
		byRemote:     make(map[string]string),
		newestByChat: make(map[string]string),
		statuses:     observe.NewMap[message.DeliveryStatus](),
		stopChan:     make(chan struct{}),
		wakeChan:     make(chan struct{}, 1),
	}

	if err := e.reloadQueue(); err != nil {
		return nil, fmt.Errorf("reloading pending queue: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewEngine",
		"pending":      len(e.pending),
		"max_attempts": cfg.MaxAttempts,
	}).Info("Delivery engine created")

	return e, nil
}

// SetTimeProvider injects a clock for deterministic testing.
func (e *Engine) SetTimeProvider(tp TimeProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeProvider = tp
}

// SetStatusPolicy switches the reporting policy for VisibleStatuses.
func (e *Engine) SetStatusPolicy(p StatusPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

// OnStatusChange registers a callback invoked after every status change,
// including the transition to Failed that signals the manual resend
// affordance.
func (e *Engine) OnStatusChange(cb StatusCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusCallback = cb
}

// reloadQueue restores the durable retry queue after a restart. NextRetryAt
// values in the past are clamped to now so stale records become due
// immediately rather than waiting out a delay computed against a dead
// clock.
func (e *Engine) reloadQueue() error {
	keys, err := e.kv.Keys(pendingKeyPrefix)
	if err != nil {
		return err
	}

	now := e.timeProvider.Now()
	for _, key := range keys {
		data, err := e.kv.Read(key)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "reloadQueue",
				"key":      key,
				"error":    err.Error(),
			}).Warn("Skipping unreadable pending record")
			continue
		}

		var msg message.OutboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "reloadQueue",
				"key":      key,
				"error":    err.Error(),
			}).Warn("Dropping corrupt pending record")
			e.kv.Delete(key)
			continue
		}

		e.messages[msg.LocalID] = &msg
		e.trackNewest(&msg)
		if msg.RemoteID != "" {
			// Already accepted by the remote store before the process died.
			// Re-submitting would duplicate the write.
			e.byRemote[msg.RemoteID] = msg.LocalID
			e.kv.Delete(key)
			e.statuses.Set(msg.LocalID, msg.Status)
			continue
		}

		if msg.NextRetryAt.Before(now) {
			msg.NextRetryAt = now
		}
		e.pending[msg.LocalID] = struct{}{}
		e.statuses.Set(msg.LocalID, msg.Status)
	}
	return nil
}

// Start launches the background retry scheduler. The connectivity
// subscription is taken before Start returns, so a transition arriving
// right after Start cannot slip past the scheduler. Start after Stop
// launches a fresh scheduler.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})

	var transitions <-chan interfaces.NetworkQuality
	if e.connectivity != nil {
		transitions = e.connectivity.Subscribe()
	}

	e.wg.Add(1)
	go e.schedulerLoop(transitions)
}

// Stop shuts down the scheduler. In-flight attempts complete; queued
// messages stay durably persisted for the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()

	e.wg.Wait()
}

// Submit attempts an immediate write of msg to the remote store. On a
// connectivity-class failure the message is durably queued before the call
// returns, so a crash immediately after Submit cannot lose it.
//
// The engine copies msg into its own record; by the time Submit returns,
// msg reflects the immediate outcome and is not touched again. Later
// lifecycle changes driven by the scheduler are observed through Get, the
// status callback, or the observable map.
func (e *Engine) Submit(ctx context.Context, msg *message.OutboundMessage) SubmitResult {
	e.mu.Lock()
	msg.Status = message.StatusSending
	rec := *msg
	e.messages[rec.LocalID] = &rec
	e.trackNewest(&rec)
	offline := e.connectivity != nil && !e.connectivity.Current().Online()
	e.mu.Unlock()

	e.publish(rec.LocalID, message.StatusSending)

	if offline {
		// Skip the doomed network attempt; the record becomes due the
		// moment connectivity returns.
		e.mu.Lock()
		rec.NextRetryAt = e.timeProvider.Now()
		e.enqueueLocked(&rec)
		*msg = rec
		e.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Submit",
			"local_id": rec.LocalID,
			"chat_id":  rec.ChatID,
		}).Info("Offline, message queued for retry")

		return SubmitResult{Outcome: OutcomeQueued, LocalID: rec.LocalID}
	}

	result := e.attempt(ctx, &rec)

	e.mu.Lock()
	*msg = rec
	e.mu.Unlock()
	return result
}

// attempt performs one remote write and applies the outcome. The network
// call runs outside the engine lock; state is re-read afterwards since a
// concurrent receipt may already have advanced it.
func (e *Engine) attempt(ctx context.Context, msg *message.OutboundMessage) SubmitResult {
	remoteID, err := e.remote.PutMessage(ctx, msg)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err == nil {
		return e.applySentLocked(msg, remoteID)
	}

	if message.IsPermanent(err) {
		return e.applyFailedLocked(msg, err)
	}

	// Transient by default: network errors, timeouts, and anything the
	// remote client could not classify is safe to retry.
	msg.AttemptCount++
	if msg.AttemptCount >= e.cfg.MaxAttempts {
		logrus.WithFields(logrus.Fields{
			"function": "attempt",
			"local_id": msg.LocalID,
			"attempts": msg.AttemptCount,
			"error":    err.Error(),
		}).Error("Message failed after exhausting retries")
		return e.applyFailedLocked(msg, err)
	}

	delay := e.backoff(msg.AttemptCount)
	msg.NextRetryAt = e.timeProvider.Now().Add(delay)
	e.enqueueLocked(msg)

	logrus.WithFields(logrus.Fields{
		"function":   "attempt",
		"local_id":   msg.LocalID,
		"attempts":   msg.AttemptCount,
		"next_retry": msg.NextRetryAt,
		"error":      err.Error(),
	}).Warn("Send attempt failed, message queued for retry")

	return SubmitResult{Outcome: OutcomeQueued, LocalID: msg.LocalID, Reason: err}
}

// backoff computes the retry delay for the given attempt count, doubled per
// attempt and capped at the configured maximum.
func (e *Engine) backoff(attempts int) time.Duration {
	delay := e.cfg.InitialRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= e.cfg.MaxRetryDelay {
			return e.cfg.MaxRetryDelay
		}
	}
	if delay > e.cfg.MaxRetryDelay {
		delay = e.cfg.MaxRetryDelay
	}
	return delay
}

// applySentLocked records a successful remote write. The remote ID is
// immutable once assigned.
func (e *Engine) applySentLocked(msg *message.OutboundMessage, remoteID string) SubmitResult {
	if msg.RemoteID == "" {
		msg.RemoteID = remoteID
		e.byRemote[remoteID] = msg.LocalID
	}
	if message.CanTransition(msg.Status, message.StatusSent) && msg.Status != message.StatusSent {
		msg.Status = message.StatusSent
		msg.SentAt = e.timeProvider.Now()
		e.publishLocked(msg.LocalID, message.StatusSent)
	}
	delete(e.pending, msg.LocalID)
	e.kv.Delete(pendingKeyPrefix + msg.LocalID)

	logrus.WithFields(logrus.Fields{
		"function":  "applySentLocked",
		"local_id":  msg.LocalID,
		"remote_id": msg.RemoteID,
	}).Info("Message sent")

	return SubmitResult{Outcome: OutcomeSent, LocalID: msg.LocalID, RemoteID: msg.RemoteID}
}

// applyFailedLocked marks a message Failed and removes it from the active
// queue. The record is retained so the UI can show the error and offer a
// manual resend; the status callback is the notification channel for that.
func (e *Engine) applyFailedLocked(msg *message.OutboundMessage, cause error) SubmitResult {
	msg.Status = message.StatusFailed
	delete(e.pending, msg.LocalID)
	e.kv.Delete(pendingKeyPrefix + msg.LocalID)
	e.publishLocked(msg.LocalID, message.StatusFailed)

	return SubmitResult{Outcome: OutcomeRejected, LocalID: msg.LocalID, Reason: cause}
}

// enqueueLocked adds msg to the retry queue and flushes it to durable
// storage before the caller observes the queued result.
func (e *Engine) enqueueLocked(msg *message.OutboundMessage) {
	e.pending[msg.LocalID] = struct{}{}
	e.persistLocked(msg)
}

// persistLocked flushes one pending record to the KV store.
func (e *Engine) persistLocked(msg *message.OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistLocked",
			"local_id": msg.LocalID,
			"error":    err.Error(),
		}).Error("Failed to serialize pending record")
		return
	}
	if err := e.kv.Write(pendingKeyPrefix+msg.LocalID, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistLocked",
			"local_id": msg.LocalID,
			"error":    err.Error(),
		}).Error("Failed to persist pending record")
	}
}

// trackNewest keeps the newest self-authored message per chat, by queue
// time, for the status display policy.
func (e *Engine) trackNewest(msg *message.OutboundMessage) {
	current, ok := e.newestByChat[msg.ChatID]
	if !ok {
		e.newestByChat[msg.ChatID] = msg.LocalID
		return
	}
	if existing, found := e.messages[current]; !found || !existing.QueuedAt.After(msg.QueuedAt) {
		e.newestByChat[msg.ChatID] = msg.LocalID
	}
}

// MarkDelivered transitions a sent message to Delivered with the
// server-assigned timestamp and mirrors the status onto the remote
// record. Calling it twice is a no-op and it never regresses a message
// that is already Read.
func (e *Engine) MarkDelivered(remoteID string, serverTime time.Time) {
	e.transitionByRemote(remoteID, message.StatusDelivered, serverTime)
}

// MarkRead transitions a message to Read with the server-assigned
// timestamp. Receipts arriving collapsed (read without a prior delivered)
// are accepted.
func (e *Engine) MarkRead(remoteID string, serverTime time.Time) {
	e.transitionByRemote(remoteID, message.StatusRead, serverTime)
}

func (e *Engine) transitionByRemote(remoteID string, to message.DeliveryStatus, serverTime time.Time) {
	e.mu.Lock()
	localID, ok := e.byRemote[remoteID]
	if !ok {
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "transitionByRemote",
			"remote_id": remoteID,
			"status":    to.String(),
		}).Debug("Receipt for unknown remote ID ignored")
		return
	}

	msg := e.messages[localID]
	if msg.Status == to || !message.CanTransition(msg.Status, to) {
		e.mu.Unlock()
		return
	}

	msg.Status = to
	switch to {
	case message.StatusDelivered:
		msg.DeliveredAt = serverTime
	case message.StatusRead:
		msg.ReadAt = serverTime
		if msg.DeliveredAt.IsZero() {
			msg.DeliveredAt = serverTime
		}
	}
	e.mu.Unlock()

	e.publish(localID, to)

	// Mirror the acknowledged status onto the remote record, so the
	// account's other devices render the same state. Best effort: the
	// local transition already happened and receipts are re-emittable.
	if err := e.remote.UpdateStatus(context.Background(), remoteID, to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "transitionByRemote",
			"remote_id": remoteID,
			"status":    to.String(),
			"error":     err.Error(),
		}).Warn("Failed to mirror receipt status to remote store")
	}
}

// Retry re-queues a Failed message for a manual resend. The attempt counter
// restarts; the manual retry counter records how many times the user asked.
func (e *Engine) Retry(localID string) error {
	e.mu.Lock()
	msg, ok := e.messages[localID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown message %q", localID)
	}
	if msg.Status != message.StatusFailed {
		e.mu.Unlock()
		return fmt.Errorf("message %q is %s, only failed messages can be resent", localID, msg.Status)
	}

	msg.Status = message.StatusSending
	msg.AttemptCount = 0
	msg.ManualRetries++
	msg.NextRetryAt = e.timeProvider.Now()
	e.enqueueLocked(msg)
	e.mu.Unlock()

	e.publish(localID, message.StatusSending)
	e.wake()
	return nil
}

// Get returns a snapshot of the tracked record for localID. The copy is
// the caller's to keep: the scheduler keeps mutating the engine's own
// record, so handing out a live pointer would race every caller read.
func (e *Engine) Get(localID string) (*message.OutboundMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	msg, ok := e.messages[localID]
	if !ok {
		return nil, false
	}
	snapshot := *msg
	return &snapshot, true
}

// PendingCount returns the number of messages awaiting retry.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ChatStatus returns the delivery status of the newest self-authored
// message in the chat. This is the only indicator most chat UIs render.
func (e *Engine) ChatStatus(chatID string) (string, message.DeliveryStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	localID, ok := e.newestByChat[chatID]
	if !ok {
		return "", 0, false
	}
	return localID, e.messages[localID].Status, true
}

// VisibleStatuses returns the statuses the UI should display for a chat,
// gated by the configured policy.
func (e *Engine) VisibleStatuses(chatID string) map[string]message.DeliveryStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]message.DeliveryStatus)
	if e.policy == PolicyNewestOnly {
		if localID, ok := e.newestByChat[chatID]; ok {
			out[localID] = e.messages[localID].Status
		}
		return out
	}
	for id, msg := range e.messages {
		if msg.ChatID == chatID {
			out[id] = msg.Status
		}
	}
	return out
}

// NetworkQuality returns the current advisory connectivity classification.
func (e *Engine) NetworkQuality() interfaces.NetworkQuality {
	if e.connectivity == nil {
		return interfaces.QualityGood
	}
	return e.connectivity.Current()
}

// Statuses exposes the observable status map for subscription-based
// consumers.
func (e *Engine) Statuses() *observe.Map[message.DeliveryStatus] {
	return e.statuses
}

// publish records a status and notifies the callback. Must be called
// without the engine lock held; callbacks may call back into the engine.
func (e *Engine) publish(localID string, status message.DeliveryStatus) {
	e.statuses.Set(localID, status)

	e.mu.Lock()
	cb := e.statusCallback
	e.mu.Unlock()
	if cb != nil {
		cb(localID, status)
	}
}

// publishLocked defers the callback until after the lock is released.
func (e *Engine) publishLocked(localID string, status message.DeliveryStatus) {
	e.statuses.Set(localID, status)
	cb := e.statusCallback
	if cb != nil {
		go cb(localID, status)
	}
}

// wake nudges the scheduler to sweep immediately.
func (e *Engine) wake() {
	select {
	case e.wakeChan <- struct{}{}:
	default:
	}
}
