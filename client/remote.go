package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the node.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the node.
	pongWait = 60 * time.Second

	// Send pings to the node with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

const (
	codeOK   = "200"
	codeAuth = "401"
)

// nodeFrame is everything the node can send us, in one envelope.
type nodeFrame struct {
	Type         string        `json:"t"`
	RespType     string        `json:"rt,omitempty"`
	ID           string        `json:"i,omitempty"`
	Code         string        `json:"c,omitempty"`
	Msg          string        `json:"m,omitempty"`
	Messages     []Document    `json:"ms,omitempty"`
	Notification *Notification `json:"n,omitempty"`
	Value        string        `json:"v,omitempty"`
}

// Remote is a single websocket connection to a swchat node, acting as
// the remote message store, user record store, push transport and
// identity provider all at once. One Remote per device session.
type Remote struct {
	conn *websocket.Conn
	log  *zap.SugaredLogger

	send chan []byte
	done chan struct{}

	mu          sync.Mutex
	closed      bool
	nextID      uint64
	nextSub     uint64
	pending     map[string]chan nodeFrame
	snapshotFn  func([]Document)
	snapshotErr func(error)
	messageFns  map[uint64]func(PushEvent)
	refreshFns  map[uint64]func(string)
	authFns     map[uint64]func(string, bool)
	background  func(PushEvent)
	user        string
}

// Dial connects to the node at addr (host:port).
func Dial(ctx context.Context, addr string) (*Remote, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	r := &Remote{
		conn:       conn,
		log:        zap.S().With("method", "remote", "addr", addr),
		send:       make(chan []byte, 16),
		done:       make(chan struct{}),
		pending:    map[string]chan nodeFrame{},
		messageFns: map[uint64]func(PushEvent){},
		refreshFns: map[uint64]func(string){},
		authFns:    map[uint64]func(string, bool){},
	}
	go r.readPump()
	go r.writePump()
	return r, nil
}

// Close tears the connection down. Idempotent; pending requests and the
// live query fail with ErrClosed.
func (r *Remote) Close() {
	r.shutdown()
}

func (r *Remote) shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	errfn := r.snapshotErr
	r.snapshotFn = nil
	r.snapshotErr = nil
	r.mu.Unlock()

	close(r.done)
	r.conn.Close()
	if errfn != nil {
		errfn(ErrClosed)
	}
}

// readPump owns all reads on the connection and dispatches inbound
// frames. Runs in its own goroutine for the connection's lifetime.
func (r *Remote) readPump() {
	defer r.shutdown()
	r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error { r.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Error("read:", err)
			}
			return
		}
		frame := nodeFrame{}
		if err := json.Unmarshal(data, &frame); err != nil {
			r.log.Error("read json:", err)
			continue
		}
		r.dispatch(frame)
	}
}

func (r *Remote) dispatch(frame nodeFrame) {
	switch frame.Type {
	case "r":
		r.mu.Lock()
		ch, ok := r.pending[frame.ID]
		delete(r.pending, frame.ID)
		r.mu.Unlock()
		if ok {
			ch <- frame
		}
	case "s":
		r.mu.Lock()
		fn := r.snapshotFn
		r.mu.Unlock()
		if fn != nil {
			fn(frame.Messages)
		}
	case "p":
		ev := PushEvent{Notification: frame.Notification}
		r.mu.Lock()
		fns := make([]func(PushEvent), 0, len(r.messageFns))
		for _, fn := range r.messageFns {
			fns = append(fns, fn)
		}
		bg := r.background
		r.mu.Unlock()
		if len(fns) == 0 {
			// Nothing foregrounded; hand the event to the background
			// handler the way the transport would on a quiet process.
			if bg != nil {
				bg(ev)
			}
			return
		}
		for _, fn := range fns {
			fn(ev)
		}
	case "tkr":
		r.mu.Lock()
		fns := make([]func(string), 0, len(r.refreshFns))
		for _, fn := range r.refreshFns {
			fns = append(fns, fn)
		}
		r.mu.Unlock()
		for _, fn := range fns {
			fn(frame.Value)
		}
	default:
		r.log.Error("unknown frame type:", frame.Type)
	}
}

// writePump owns all writes on the connection.
func (r *Remote) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		r.conn.Close()
	}()
	for {
		select {
		case <-r.done:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-r.send:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.log.Error("write:", err)
				return
			}
		case <-ticker.C:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.log.Error("ping:", err)
				return
			}
		}
	}
}

// request sends a correlated frame and waits for the node's response.
func (r *Remote) request(ctx context.Context, frame map[string]any) (nodeFrame, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nodeFrame{}, ErrClosed
	}
	r.nextID++
	id := strconv.FormatUint(r.nextID, 10)
	ch := make(chan nodeFrame, 1)
	r.pending[id] = ch
	r.mu.Unlock()

	drop := func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}

	frame["i"] = id
	data, err := json.Marshal(frame)
	if err != nil {
		drop()
		return nodeFrame{}, err
	}
	select {
	case r.send <- data:
	case <-r.done:
		drop()
		return nodeFrame{}, ErrClosed
	case <-ctx.Done():
		drop()
		return nodeFrame{}, ctx.Err()
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-r.done:
		drop()
		return nodeFrame{}, ErrClosed
	case <-ctx.Done():
		drop()
		return nodeFrame{}, ctx.Err()
	}
}

// --- Identity ---

func (r *Remote) SignIn(ctx context.Context, email, password string) (string, error) {
	resp, err := r.request(ctx, map[string]any{"t": "l", "e": email, "p": password})
	if err != nil {
		return "", err
	}
	if resp.Code != codeOK {
		return "", authError(resp)
	}
	r.setUser(resp.Msg)
	return resp.Msg, nil
}

func (r *Remote) SignUp(ctx context.Context, email, password, name string) (string, error) {
	resp, err := r.request(ctx, map[string]any{"t": "su", "e": email, "p": password, "n": name})
	if err != nil {
		return "", err
	}
	if resp.Code != codeOK {
		return "", authError(resp)
	}
	r.setUser(resp.Msg)
	return resp.Msg, nil
}

func (r *Remote) SignOut(ctx context.Context) error {
	if _, err := r.request(ctx, map[string]any{"t": "lo"}); err != nil {
		return err
	}
	r.setUser("")
	return nil
}

func (r *Remote) CurrentUser() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user, r.user != ""
}

func (r *Remote) OnAuthStateChanged(fn func(string, bool)) Subscription {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.authFns[id] = fn
	user := r.user
	r.mu.Unlock()
	// Deliver the current state to the new listener right away, off the
	// caller's goroutine.
	go fn(user, user != "")
	return SubscriptionFunc(func() {
		r.mu.Lock()
		delete(r.authFns, id)
		r.mu.Unlock()
	})
}

func (r *Remote) setUser(user string) {
	r.mu.Lock()
	if r.user == user {
		r.mu.Unlock()
		return
	}
	r.user = user
	fns := make([]func(string, bool), 0, len(r.authFns))
	for _, fn := range r.authFns {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(user, user != "")
	}
}

func authError(resp nodeFrame) error {
	reason := resp.Msg
	if reason == "" {
		reason = "invalid email or password"
	}
	return &AuthError{Reason: reason}
}

// --- MessageStore ---

func (r *Remote) Add(ctx context.Context, doc Document) error {
	resp, err := r.request(ctx, map[string]any{"t": "m+", "d": doc})
	if err != nil {
		return err
	}
	if resp.Code != codeOK {
		return respError(resp)
	}
	return nil
}

func (r *Remote) LiveQuery(ctx context.Context, fn func([]Document), errfn func(error)) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.snapshotFn != nil {
		r.mu.Unlock()
		return nil, ErrSubscribed
	}
	r.snapshotFn = fn
	r.snapshotErr = errfn
	r.mu.Unlock()

	clear := func() {
		r.mu.Lock()
		r.snapshotFn = nil
		r.snapshotErr = nil
		r.mu.Unlock()
	}
	resp, err := r.request(ctx, map[string]any{"t": "q"})
	if err != nil {
		clear()
		return nil, err
	}
	if resp.Code != codeOK {
		clear()
		return nil, respError(resp)
	}
	return SubscriptionFunc(func() {
		clear()
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if _, err := r.request(ctx, map[string]any{"t": "q-"}); err != nil && err != ErrClosed {
			r.log.Error("unsubscribe:", err)
		}
	}), nil
}

// --- UserRecords ---

func (r *Remote) Merge(ctx context.Context, userID string, fields map[string]any) error {
	resp, err := r.request(ctx, map[string]any{"t": "u", "uid": userID, "d": fields})
	if err != nil {
		return err
	}
	if resp.Code != codeOK {
		return respError(resp)
	}
	return nil
}

// --- PushTransport ---

func (r *Remote) Token(ctx context.Context) (string, error) {
	resp, err := r.request(ctx, map[string]any{"t": "tk"})
	if err != nil {
		return "", err
	}
	if resp.Code != codeOK {
		return "", respError(resp)
	}
	return resp.Msg, nil
}

func (r *Remote) OnTokenRefresh(fn func(string)) Subscription {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.refreshFns[id] = fn
	r.mu.Unlock()
	return SubscriptionFunc(func() {
		r.mu.Lock()
		delete(r.refreshFns, id)
		r.mu.Unlock()
	})
}

func (r *Remote) OnMessage(fn func(PushEvent)) Subscription {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.messageFns[id] = fn
	r.mu.Unlock()
	return SubscriptionFunc(func() {
		r.mu.Lock()
		delete(r.messageFns, id)
		r.mu.Unlock()
	})
}

func (r *Remote) SetBackgroundHandler(fn func(PushEvent)) {
	r.mu.Lock()
	r.background = fn
	r.mu.Unlock()
}

func respError(resp nodeFrame) error {
	if resp.Code == codeAuth {
		return ErrNotSignedIn
	}
	if resp.Msg != "" {
		return errors.New("node: " + resp.Msg)
	}
	return errors.New("node: request failed")
}
