package client

import (
	"sync"

	"go.uber.org/zap"
)

// ChannelManager registers notification channels with the OS once.
// Creation failures are logged and retried on the next Ensure; they are
// never surfaced to the caller.
type ChannelManager struct {
	notifier Notifier
	log      *zap.SugaredLogger

	mu      sync.Mutex
	created map[string]struct{}
}

func NewChannelManager(notifier Notifier) *ChannelManager {
	return &ChannelManager{
		notifier: notifier,
		log:      zap.S().With("method", "channel"),
		created:  map[string]struct{}{},
	}
}

// Ensure creates the channel if this process has not created it yet.
// Creating an already-existing channel is a no-op.
func (m *ChannelManager) Ensure(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.created[ch.ID]; ok {
		return
	}
	if err := m.notifier.CreateChannel(ch); err != nil {
		m.log.Error("create channel:", ch.ID, err)
		return
	}
	m.created[ch.ID] = struct{}{}
}
