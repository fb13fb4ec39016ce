package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNode is a minimal in-process stand-in for the node, speaking just
// enough of the wire protocol to exercise Remote.
type testNode struct {
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed bool
	added      []Document
	merges     []map[string]any
	unsubs     int
}

type testFrame struct {
	T   string          `json:"t"`
	I   string          `json:"i"`
	E   string          `json:"e"`
	P   string          `json:"p"`
	N   string          `json:"n"`
	UID string          `json:"uid"`
	D   json.RawMessage `json:"d"`
}

func (n *testNode) writeJSON(v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return
	}
	data, _ := json.Marshal(v)
	n.conn.WriteMessage(websocket.TextMessage, data)
}

func (n *testNode) resp(rt, i, code, msg string) {
	n.writeJSON(map[string]string{"t": "r", "rt": rt, "i": i, "c": code, "m": msg})
}

func (n *testNode) snapshot() {
	n.mu.Lock()
	ms := make([]Document, len(n.added))
	copy(ms, n.added)
	n.mu.Unlock()
	n.writeJSON(map[string]any{"t": "s", "ms": ms})
}

func (n *testNode) push(title, body string) {
	n.writeJSON(map[string]any{"t": "p", "n": map[string]string{"title": title, "body": body}})
}

func (n *testNode) rotate(token string) {
	n.writeJSON(map[string]string{"t": "tkr", "v": token})
}

func (n *testNode) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f := testFrame{}
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.T {
		case "l":
			if f.E == "bad@example.com" {
				n.resp("l", f.I, "401", "invalid email or password")
				continue
			}
			n.resp("l", f.I, "200", "user-1")
		case "su":
			n.resp("su", f.I, "200", "user-2")
		case "lo":
			n.resp("lo", f.I, "200", "")
		case "tk":
			n.resp("tk", f.I, "200", "tok-1")
		case "q":
			n.mu.Lock()
			n.subscribed = true
			n.mu.Unlock()
			n.resp("q", f.I, "200", "")
			n.snapshot()
		case "q-":
			n.mu.Lock()
			n.subscribed = false
			n.unsubs++
			n.mu.Unlock()
			n.resp("q-", f.I, "200", "")
		case "m+":
			doc := Document{}
			json.Unmarshal(f.D, &doc)
			doc.ID = "m1"
			n.mu.Lock()
			n.added = append([]Document{doc}, n.added...)
			n.mu.Unlock()
			n.resp("m+", f.I, "200", doc.ID)
			n.snapshot()
		case "u":
			fields := map[string]any{}
			json.Unmarshal(f.D, &fields)
			n.mu.Lock()
			n.merges = append(n.merges, fields)
			n.mu.Unlock()
			n.resp("u", f.I, "200", "")
		}
	}
}

func startTestNode(t *testing.T) (*testNode, *Remote) {
	t.Helper()
	node := &testNode{}
	srv := httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(srv.Close)

	remote, err := Dial(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	t.Cleanup(remote.Close)
	return node, remote
}

func TestRemoteSignIn(t *testing.T) {
	assert := assert.New(t)
	_, remote := startTestNode(t)
	ctx := context.Background()

	uid, err := remote.SignIn(ctx, "a@b.c", "pw")
	require.NoError(t, err)
	assert.Equal("user-1", uid)

	current, ok := remote.CurrentUser()
	assert.True(ok)
	assert.Equal("user-1", current)

	tok, err := remote.Token(ctx)
	require.NoError(t, err)
	assert.Equal("tok-1", tok)

	require.NoError(t, remote.SignOut(ctx))
	_, ok = remote.CurrentUser()
	assert.False(ok)
}

func TestRemoteSignInRejected(t *testing.T) {
	_, remote := startTestNode(t)

	_, err := remote.SignIn(context.Background(), "bad@example.com", "pw")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	_, ok := remote.CurrentUser()
	assert.False(t, ok)
}

func TestRemoteLiveQueryAndAdd(t *testing.T) {
	node, remote := startTestNode(t)
	ctx := context.Background()

	var mu sync.Mutex
	var snapshots [][]Document
	sub, err := remote.LiveQuery(ctx, func(docs []Document) {
		mu.Lock()
		snapshots = append(snapshots, docs)
		mu.Unlock()
	}, func(error) {})
	require.NoError(t, err)

	// One live query per connection.
	_, err = remote.LiveQuery(ctx, func([]Document) {}, func(error) {})
	assert.ErrorIs(t, err, ErrSubscribed)

	require.NoError(t, remote.Add(ctx, Document{
		Text:      "hello",
		CreatedAt: 1000,
		User:      DocumentUser{ID: "u1", Name: "Alice"},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots) >= 2 && len(snapshots[len(snapshots)-1]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	last := snapshots[len(snapshots)-1]
	mu.Unlock()
	assert.Equal(t, "hello", last[0].Text)
	assert.Equal(t, "m1", last[0].ID)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Eventually(t, func() bool {
		node.mu.Lock()
		defer node.mu.Unlock()
		return node.unsubs == 1 && !node.subscribed
	}, 2*time.Second, 10*time.Millisecond)

	// A new live query is allowed after teardown.
	sub2, err := remote.LiveQuery(ctx, func([]Document) {}, func(error) {})
	require.NoError(t, err)
	sub2.Unsubscribe()
}

func TestRemoteMerge(t *testing.T) {
	node, remote := startTestNode(t)

	require.NoError(t, remote.Merge(context.Background(), "user-1", map[string]any{"fcmToken": "tok-9"}))

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.merges, 1)
	assert.Equal(t, "tok-9", node.merges[0]["fcmToken"])
}

func TestRemotePushRouting(t *testing.T) {
	node, remote := startTestNode(t)

	var mu sync.Mutex
	var foreground, background []PushEvent
	remote.SetBackgroundHandler(func(ev PushEvent) {
		mu.Lock()
		background = append(background, ev)
		mu.Unlock()
	})

	// No foreground listener: events go to the background handler.
	node.push("Alice", "hi")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(background) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.NotNil(t, background[0].Notification)
	assert.Equal(t, "Alice", background[0].Notification.Title)
	assert.Equal(t, "hi", background[0].Notification.Body)
	mu.Unlock()

	sub := remote.OnMessage(func(ev PushEvent) {
		mu.Lock()
		foreground = append(foreground, ev)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	node.push("Bob", "yo")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(foreground) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Len(t, background, 1)
	mu.Unlock()
}

func TestRemoteTokenRefresh(t *testing.T) {
	node, remote := startTestNode(t)

	var mu sync.Mutex
	var tokens []string
	sub := remote.OnTokenRefresh(func(tok string) {
		mu.Lock()
		tokens = append(tokens, tok)
		mu.Unlock()
	})

	node.rotate("tok-2")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tokens) == 1 && tokens[0] == "tok-2"
	}, 2*time.Second, 10*time.Millisecond)

	sub.Unsubscribe()
	node.rotate("tok-3")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, tokens, 1)
	mu.Unlock()
}

func TestRemoteCloseIdempotent(t *testing.T) {
	_, remote := startTestNode(t)

	var mu sync.Mutex
	var streamErr error
	_, err := remote.LiveQuery(context.Background(), func([]Document) {}, func(err error) {
		mu.Lock()
		streamErr = err
		mu.Unlock()
	})
	require.NoError(t, err)

	remote.Close()
	remote.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return streamErr != nil
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.ErrorIs(t, streamErr, ErrClosed)
	mu.Unlock()

	err = remote.Add(context.Background(), Document{Text: "late", CreatedAt: 1, User: DocumentUser{ID: "u1"}})
	assert.ErrorIs(t, err, ErrClosed)
}
