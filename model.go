package main

import "gorm.io/gorm"

// User is one account: identity credentials plus the user record the
// clients merge into. FCMToken holds the push token of the user's most
// recent device; superseded values are overwritten, never appended.
type User struct {
	gorm.Model

	UsersID  string `json:"usersid" gorm:"column:userid;uniqueIndex"`
	Email    string `json:"email" gorm:"column:email;uniqueIndex"`
	Password string `json:"-" gorm:"column:password"`
	Name     string `json:"name" gorm:"column:name"`
	Avatar   string `json:"avatar" gorm:"column:avatar"`
	FCMToken string `json:"fcmToken" gorm:"column:fcm_token"`
}

// ChatMessage is one entry of the append-only chat log. The gorm row id
// doubles as the insertion-order tiebreak for equal timestamps.
type ChatMessage struct {
	gorm.Model

	MessagesID   string `json:"messagesid" gorm:"column:messageid;uniqueIndex"`
	Text         string `json:"text" gorm:"column:text"`
	SentAt       int64  `json:"sentat" gorm:"column:sentat;index"`
	AuthorID     string `json:"authorid" gorm:"column:authorid;index"`
	AuthorName   string `json:"authorname" gorm:"column:authorname"`
	AuthorAvatar string `json:"authoravatar" gorm:"column:authoravatar"`
}

// wireUser is the author block of a document on the wire.
type wireUser struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// wireMessage is a chat log document on the wire. Ts is unix millis.
type wireMessage struct {
	ID   string   `json:"id,omitempty"`
	Text string   `json:"text"`
	Ts   int64    `json:"ts"`
	User wireUser `json:"u"`
}

func (m ChatMessage) wire() wireMessage {
	return wireMessage{
		ID:   m.MessagesID,
		Text: m.Text,
		Ts:   m.SentAt,
		User: wireUser{
			ID:     m.AuthorID,
			Name:   m.AuthorName,
			Avatar: m.AuthorAvatar,
		},
	}
}

// snapshotMessage is a full live-query snapshot pushed to a subscriber.
type snapshotMessage struct {
	T  string        `json:"t"`
	Ms []wireMessage `json:"ms"`
}

// pushMessage is a notification event pushed to a device.
type pushMessage struct {
	T string           `json:"t"`
	N pushNotification `json:"n"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// tokenMessage tells a device its push token rotated.
type tokenMessage struct {
	T string `json:"t"`
	V string `json:"v"`
}

// AdminPushMessage is the admin HTTP endpoint's payload: a notification
// for a set of users.
type AdminPushMessage struct {
	UserIDs []string `json:"us"`

	Title string `json:"title"`
	Body  string `json:"body"`
}

// ClusterMessage rides the redis channel between nodes: one appended
// chat document, so peers can refresh their subscribers and notify
// their connected devices.
type ClusterMessage struct {
	NodeName  string
	Message   wireMessage
	Timestamp int64
}

const (
	C_OK   = "200"
	C_AUTH = "401"
	C_FAIL = "500"
)
