package client

import (
	"context"

	"go.uber.org/zap"
)

// TokenManager binds the device push token to the signed-in user record.
// Binding is best effort: push degrades to "not delivered", never to app
// failure, so nothing here returns an error to the sign-in flow.
type TokenManager struct {
	transport PushTransport
	records   UserRecords
	log       *zap.SugaredLogger
}

func NewTokenManager(transport PushTransport, records UserRecords) *TokenManager {
	return &TokenManager{
		transport: transport,
		records:   records,
		log:       zap.S().With("method", "token"),
	}
}

// Bind fetches the current device token and merges it into the user
// record. Called on every sign-in, not only first install, because
// tokens rotate between sessions.
func (t *TokenManager) Bind(ctx context.Context, userID string) {
	token, err := t.transport.Token(ctx)
	if err != nil {
		t.log.Error("fetch token:", err)
		return
	}
	if token == "" {
		return
	}
	t.merge(ctx, userID, token)
}

// WatchRotation re-binds on transport token rotation for as long as the
// returned subscription lives. Rotation events arriving while signed
// out are dropped, not queued. current reports the signed-in user.
func (t *TokenManager) WatchRotation(current func() (string, bool)) Subscription {
	return t.transport.OnTokenRefresh(func(token string) {
		userID, ok := current()
		if !ok {
			t.log.Info("token rotated while signed out, dropped")
			return
		}
		t.merge(context.Background(), userID, token)
	})
}

func (t *TokenManager) merge(ctx context.Context, userID, token string) {
	if err := t.records.Merge(ctx, userID, map[string]any{"fcmToken": token}); err != nil {
		t.log.Error("save token:", userID, err)
		return
	}
	t.log.Info("token saved:", userID)
}
