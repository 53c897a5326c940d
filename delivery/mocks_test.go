package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/chatsync/interfaces"
	"github.com/opd-ai/chatsync/message"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

// mockRemoteStore implements interfaces.RemoteStore with scriptable
// failures and a record of every call.
type mockRemoteStore struct {
	mu          sync.Mutex
	putCalls    []string // local IDs in call order
	statusCalls []string // "remoteID:status" in call order
	putErr      error    // returned until cleared
	failCount   int      // fail this many calls, then succeed
	nextID      int
}

func newMockRemoteStore() *mockRemoteStore {
	return &mockRemoteStore{}
}

func (m *mockRemoteStore) PutMessage(_ context.Context, msg *message.OutboundMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putCalls = append(m.putCalls, msg.LocalID)
	if m.failCount > 0 {
		m.failCount--
		return "", fmt.Errorf("putMessage: %w", message.ErrTransientNetwork)
	}
	if m.putErr != nil {
		return "", m.putErr
	}
	m.nextID++
	return fmt.Sprintf("remote-%d", m.nextID), nil
}

func (m *mockRemoteStore) UpdateStatus(_ context.Context, remoteID string, status message.DeliveryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls = append(m.statusCalls, fmt.Sprintf("%s:%s", remoteID, status))
	return nil
}

func (m *mockRemoteStore) UploadBinary(context.Context, string) (string, error) {
	return "https://cdn.example/upload", nil
}

func (m *mockRemoteStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.putCalls)
}

func (m *mockRemoteStore) statusUpdates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statusCalls...)
}

func (m *mockRemoteStore) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

func (m *mockRemoteStore) failNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = n
}

// recordingSignal is a connectivity source that records when the engine
// subscribes and lets tests push transitions directly.
type recordingSignal struct {
	mu         sync.Mutex
	quality    interfaces.NetworkQuality
	subscribed bool
	ch         chan interfaces.NetworkQuality
}

func newRecordingSignal(q interfaces.NetworkQuality) *recordingSignal {
	return &recordingSignal{
		quality: q,
		ch:      make(chan interfaces.NetworkQuality, 8),
	}
}

func (s *recordingSignal) Subscribe() <-chan interfaces.NetworkQuality {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = true
	return s.ch
}

func (s *recordingSignal) Current() interfaces.NetworkQuality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

func (s *recordingSignal) set(q interfaces.NetworkQuality) {
	s.mu.Lock()
	s.quality = q
	s.mu.Unlock()
	s.ch <- q
}

func (s *recordingSignal) wasSubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}
