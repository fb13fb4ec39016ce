package client

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Author identifies who wrote a message.
type Author struct {
	ID     string
	Name   string
	Avatar string
}

// Message is one entry of the chat log as presented to the UI.
// Immutable once created.
type Message struct {
	ID        string
	Text      string
	CreatedAt time.Time
	Author    Author
}

// DocumentUser is the author block of a raw store document.
type DocumentUser struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Document is the raw shape the remote message store deals in. CreatedAt
// is unix milliseconds. ID is assigned by the store; empty on add.
type Document struct {
	ID        string       `json:"id,omitempty"`
	Text      string       `json:"text"`
	CreatedAt int64        `json:"ts"`
	User      DocumentUser `json:"u"`
}

// message validates a store document and maps it to the local model.
// Malformed documents are rejected rather than propagated into the view.
func (d Document) message() (Message, error) {
	switch {
	case d.ID == "":
		return Message{}, errors.New("missing id")
	case d.Text == "":
		return Message{}, errors.New("missing text")
	case d.CreatedAt <= 0:
		return Message{}, errors.New("missing timestamp")
	case d.User.ID == "":
		return Message{}, errors.New("missing author")
	}
	return Message{
		ID:        d.ID,
		Text:      d.Text,
		CreatedAt: time.UnixMilli(d.CreatedAt),
		Author: Author{
			ID:     d.User.ID,
			Name:   d.User.Name,
			Avatar: d.User.Avatar,
		},
	}, nil
}

// Importance of a notification channel.
type Importance int

const (
	ImportanceLow Importance = iota
	ImportanceDefault
	ImportanceHigh
)

// Channel is an OS-level notification channel.
type Channel struct {
	ID         string
	Name       string
	Importance Importance
}

// DefaultChannel is the single channel this app notifies on.
var DefaultChannel = Channel{
	ID:         "default",
	Name:       "Default Channel",
	Importance: ImportanceHigh,
}

// Notification is what ends up on screen.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PushEvent is an inbound message event from the push transport. The
// notification payload may be absent.
type PushEvent struct {
	Notification *Notification `json:"n,omitempty"`
}

// Subscription is an owned handle on a standing event stream. Unsubscribe
// is idempotent; the owner must call it on every exit path.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a stop function into a Subscription. The
// function runs at most once.
func SubscriptionFunc(stop func()) Subscription {
	return &subscription{stop: stop}
}

type subscription struct {
	once sync.Once
	stop func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// MessageStore is the remote append-only, server-ordered chat log.
type MessageStore interface {
	// Add appends a document. The store assigns the id.
	Add(ctx context.Context, doc Document) error
	// LiveQuery opens a standing query ordered by created-at descending.
	// Every change delivers a full snapshot to fn; a dropped stream is
	// reported once to errfn, after which no further snapshots arrive
	// on this subscription.
	LiveQuery(ctx context.Context, fn func([]Document), errfn func(error)) (Subscription, error)
}

// UserRecords is the per-user record store. Merge is a partial update
// and must not clobber unrelated fields.
type UserRecords interface {
	Merge(ctx context.Context, userID string, fields map[string]any) error
}

// PushTransport delivers messages to the device outside the app
// lifecycle and owns the device token.
type PushTransport interface {
	Token(ctx context.Context) (string, error)
	OnTokenRefresh(fn func(token string)) Subscription
	OnMessage(fn func(PushEvent)) Subscription
	SetBackgroundHandler(fn func(PushEvent))
}

// Notifier is the OS notification presentation surface.
type Notifier interface {
	CreateChannel(ch Channel) error
	Display(n Notification, channelID string) error
	RequestPermission(ctx context.Context) error
}

// Identity is the external auth provider.
type Identity interface {
	SignIn(ctx context.Context, email, password string) (string, error)
	SignUp(ctx context.Context, email, password, name string) (string, error)
	SignOut(ctx context.Context) error
	CurrentUser() (string, bool)
	// OnAuthStateChanged delivers the current state immediately and
	// again on every change.
	OnAuthStateChanged(fn func(userID string, signedIn bool)) Subscription
}
