package mediacache

import (
	"context"
	"fmt"
	"io"
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

// mockFetcher implements interfaces.BinaryFetcher over an in-memory
// payload, with scriptable failures and an optional gate that meters out
// Read calls for cancellation and stall tests.
type mockFetcher struct {
	mu        sync.Mutex
	fetches   []string // source URLs in call order
	data      []byte
	failNext  int
	totalSize int64 // override; 0 means len(data)
	gate      chan struct{}
	readSize  int // bytes per Read, 0 means all at once
}

func newMockFetcher(data []byte) *mockFetcher {
	return &mockFetcher{data: data}
}

func (f *mockFetcher) Fetch(ctx context.Context, sourceURL string) (interfaces.ByteStream, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches = append(f.fetches, sourceURL)
	if f.failNext > 0 {
		f.failNext--
		return nil, 0, fmt.Errorf("fetch: %w", message.ErrTransientNetwork)
	}

	total := f.totalSize
	if total == 0 {
		total = int64(len(f.data))
	}
	return &mockStream{
		ctx:      ctx,
		data:     append([]byte(nil), f.data...),
		gate:     f.gate,
		readSize: f.readSize,
	}, total, nil
}

func (f *mockFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func (f *mockFetcher) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches...)
}

// mockStream reads the payload in readSize pieces, optionally consuming
// one gate token per Read.
type mockStream struct {
	ctx      context.Context
	data     []byte
	pos      int
	gate     chan struct{}
	readSize int
}

func (s *mockStream) Read(p []byte) (int, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}

	n := len(s.data) - s.pos
	if s.readSize > 0 && n > s.readSize {
		n = s.readSize
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, s.data[s.pos:s.pos+n])
	s.pos += n
	return n, nil
}

func (s *mockStream) Close() error { return nil }
