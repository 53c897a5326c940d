package delivery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/message"
)

// schedulerLoop drives the retry queue. It wakes on a fixed tick, on an
// explicit nudge (manual retry), and immediately when connectivity returns
// after an offline period. The transitions channel is subscribed by Start
// before this goroutine exists; a flush on an online-to-online transition
// is a cheap no-op, so every online quality triggers one rather than
// tracking the previous state.
func (e *Engine) schedulerLoop(transitions <-chan interfaces.NetworkQuality) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.processDue()
		case <-e.wakeChan:
			e.processDue()
		case q, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if q.Online() {
				logrus.WithFields(logrus.Fields{
					"function": "schedulerLoop",
					"quality":  q.String(),
				}).Info("Connectivity transition, flushing retry queue")
				e.processDue()
			}
		}
	}
}

// processDue re-attempts every pending message whose retry time has
// elapsed. Attempts run sequentially; the remote store client owns its own
// concurrency.
func (e *Engine) processDue() {
	now := e.timeProvider.Now()

	e.mu.Lock()
	due := make([]*message.OutboundMessage, 0, len(e.pending))
	for localID := range e.pending {
		msg := e.messages[localID]
		if msg.Status == message.StatusSending && !msg.NextRetryAt.After(now) {
			due = append(due, msg)
		}
	}
	e.mu.Unlock()

	if len(due) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "processDue",
		"due":      len(due),
	}).Debug("Retrying due messages")

	for _, msg := range due {
		// Re-check under the lock: a concurrent Submit result or manual
		// retry may have advanced the record while earlier attempts ran.
		e.mu.Lock()
		_, stillPending := e.pending[msg.LocalID]
		e.mu.Unlock()
		if !stillPending {
			continue
		}
		e.attempt(context.Background(), msg)
	}
}
