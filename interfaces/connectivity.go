package interfaces

import "sync"

// Monitor is a basic ConnectivitySignal implementation driven by the host
// application. The host calls Set whenever its platform network monitor
// reports a change; subscribers receive every transition.
type Monitor struct {
	mu      sync.Mutex
	current NetworkQuality
	subs    []chan NetworkQuality
}

// NewMonitor creates a connectivity monitor with the given starting quality.
func NewMonitor(initial NetworkQuality) *Monitor {
	return &Monitor{current: initial}
}

// Set records a new quality level and notifies subscribers. Subscribers that
// are not draining their channel miss intermediate transitions rather than
// blocking the caller.
func (m *Monitor) Set(q NetworkQuality) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q == m.current {
		return
	}
	m.current = q

	for _, ch := range m.subs {
		select {
		case ch <- q:
		default:
		}
	}
}

// Subscribe returns a channel receiving quality transitions.
func (m *Monitor) Subscribe() <-chan NetworkQuality {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan NetworkQuality, 8)
	m.subs = append(m.subs, ch)
	return ch
}

// Current returns the latest observed quality.
func (m *Monitor) Current() NetworkQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
