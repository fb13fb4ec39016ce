package client

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureChannelIdempotent(t *testing.T) {
	assert := assert.New(t)

	notifier := &fakeNotifier{}
	m := NewChannelManager(notifier)

	m.Ensure(DefaultChannel)
	m.Ensure(DefaultChannel)

	created := notifier.created()
	assert.Len(created, 1)
	assert.Equal("default", created[0].ID)
	assert.Equal(ImportanceHigh, created[0].Importance)
}

func TestEnsureChannelRetriesAfterFailure(t *testing.T) {
	assert := assert.New(t)

	notifier := &fakeNotifier{createErr: errors.New("os said no")}
	m := NewChannelManager(notifier)

	// Failure is swallowed, not surfaced.
	m.Ensure(DefaultChannel)
	assert.Empty(notifier.created())

	notifier.mu.Lock()
	notifier.createErr = nil
	notifier.mu.Unlock()

	m.Ensure(DefaultChannel)
	assert.Len(notifier.created(), 1)
}
