// Package readtracker decides when an incoming message is marked read.
// A message only counts as read once it has stayed visibly rendered for a
// minimum dwell time, so fast scrolling past a message never produces a
// false read receipt. Ready receipts are coalesced into one batched write
// per chat to limit write amplification on the remote store.
package readtracker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/config"
	"github.com/opd-ai/chatsync/interfaces"
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// candidate is a potential read receipt awaiting its dwell time.
type candidate struct {
	chatID    string
	messageID string
	visibleAt time.Time
}

// Tracker collects visibility events from the UI layer and promotes
// messages to read once their dwell time has elapsed.
type Tracker struct {
	mu sync.Mutex

	cfg          config.ReadTracker
	writer       interfaces.ReceiptWriter
	timeProvider TimeProvider

	candidates   map[string]*candidate // messageID -> candidate
	newestByChat map[string]string     // chatID -> newest incoming messageID

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewTracker creates a read tracker writing receipts through writer.
func NewTracker(cfg config.ReadTracker, writer interfaces.ReceiptWriter) *Tracker {
	return &Tracker{
		cfg:          cfg,
		writer:       writer,
		timeProvider: defaultTimeProvider{},
		candidates:   make(map[string]*candidate),
		newestByChat: make(map[string]string),
		stopChan:     make(chan struct{}),
	}
}

// SetTimeProvider injects a clock for deterministic testing.
func (t *Tracker) SetTimeProvider(tp TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeProvider = tp
}

// Start launches the periodic sweep loop.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.stopChan = make(chan struct{})

	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop halts the sweep loop. Unswept candidates are discarded; a message
// still on screen will be reported visible again by the UI layer.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopChan)
	t.mu.Unlock()

	t.wg.Wait()
}

// NoteNewest records the newest incoming message of a chat. Its read
// receipt is flushed as soon as its dwell elapses instead of waiting for
// the next sweep, since it backs the only status indicator the chat UI
// renders.
func (t *Tracker) NoteNewest(chatID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.newestByChat[chatID] = messageID
}

// OnVisible reports that a message became visibly rendered. A candidate
// read receipt is queued; it is only promoted after the dwell time.
func (t *Tracker) OnVisible(chatID, messageID string) {
	t.mu.Lock()
	if _, exists := t.candidates[messageID]; exists {
		t.mu.Unlock()
		return
	}
	t.candidates[messageID] = &candidate{
		chatID:    chatID,
		messageID: messageID,
		visibleAt: t.timeProvider.Now(),
	}
	isNewest := t.newestByChat[chatID] == messageID
	t.mu.Unlock()

	if isNewest {
		// High priority: flush right after the dwell elapses.
		time.AfterFunc(t.cfg.DwellTime, func() {
			t.flushMessage(messageID)
		})
	}
}

// OnHidden reports that a message left the screen. If its dwell time has
// not yet elapsed the candidate is discarded; this is the guard against
// scroll-induced false reads. A candidate whose dwell already elapsed stays
// queued for the next batch.
func (t *Tracker) OnHidden(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.candidates[messageID]
	if !ok {
		return
	}
	if t.timeProvider.Now().Sub(c.visibleAt) < t.cfg.DwellTime {
		delete(t.candidates, messageID)
		logrus.WithFields(logrus.Fields{
			"function":   "OnHidden",
			"message_id": messageID,
		}).Debug("Read candidate discarded before dwell elapsed")
	}
}

// PendingCandidates returns the number of queued read candidates.
func (t *Tracker) PendingCandidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.candidates)
}

// sweepLoop periodically promotes ready candidates.
func (t *Tracker) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep promotes every candidate whose dwell has elapsed and writes them as
// one batch per chat. Candidates whose write fails re-enter the queue for
// the next sweep.
func (t *Tracker) sweep() {
	now := t.timeProvider.Now()

	t.mu.Lock()
	ready := make(map[string][]*candidate) // chatID -> candidates
	for id, c := range t.candidates {
		if now.Sub(c.visibleAt) >= t.cfg.DwellTime {
			ready[c.chatID] = append(ready[c.chatID], c)
			delete(t.candidates, id)
		}
	}
	t.mu.Unlock()

	for chatID, batch := range ready {
		t.writeBatch(chatID, batch)
	}
}

// flushMessage immediately promotes a single candidate if it is still
// queued and its dwell has elapsed. Used for the newest message in a chat.
func (t *Tracker) flushMessage(messageID string) {
	t.mu.Lock()
	c, ok := t.candidates[messageID]
	if !ok || t.timeProvider.Now().Sub(c.visibleAt) < t.cfg.DwellTime {
		// Hidden in the meantime, already swept, or timer fired early
		// against the injected clock; the sweep will pick it up.
		t.mu.Unlock()
		return
	}
	delete(t.candidates, messageID)
	t.mu.Unlock()

	t.writeBatch(c.chatID, []*candidate{c})
}

// writeBatch persists one chat's ready receipts in a single remote write.
func (t *Tracker) writeBatch(chatID string, batch []*candidate) {
	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.messageID
	}

	if err := t.writer.WriteReceipts(context.Background(), chatID, ids); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeBatch",
			"chat_id":  chatID,
			"count":    len(ids),
			"error":    err.Error(),
		}).Warn("Receipt batch failed, re-queueing candidates")

		t.mu.Lock()
		for _, c := range batch {
			if _, exists := t.candidates[c.messageID]; !exists {
				t.candidates[c.messageID] = c
			}
		}
		t.mu.Unlock()
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "writeBatch",
		"chat_id":  chatID,
		"count":    len(ids),
	}).Debug("Read receipts written")
}
