package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Conn is a middleman between one websocket connection and the node.
type Conn struct {
	node *Node

	cid int

	log *zap.SugaredLogger

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// Closed when the connection is dropped; stops the write pump.
	done     chan struct{}
	dropOnce sync.Once

	mu    sync.Mutex
	user  string
	token string
}

func (c *Conn) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Conn) setUser(user string) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}

func (c *Conn) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Conn) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// write queues data for the connection; a full queue drops the frame
// rather than blocking the node.
func (c *Conn) write(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Error("send queue full, dropped frame")
	}
}

// readPump pumps messages from the websocket connection to the node.
//
// The application runs readPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection
// by executing all reads from this goroutine.
func (c *Conn) readPump() {
	defer func() {
		c.node.Drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(DefConfig.Client.ReadMessageSizeLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error(err)
			}
			break
		}
		message = bytes.TrimSpace(bytes.ReplaceAll(message, newline, space))
		c.handle(message)
	}
}

// writePump pumps messages from the node to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection
// by executing all writes from this goroutine.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Errorf("WriteMessage:%v\n", err.Error())
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Errorf("WriteMessage PingMessage:%v\n", err.Error())
				return
			}
		}
	}
}

func resp(rt, i, c, m string) []byte {
	data, _ := json.Marshal(map[string]string{"t": "r", "rt": rt, "i": i, "c": c, "m": m})
	return data
}

// clientFrame is everything a client can send us, in one envelope.
type clientFrame struct {
	T   string          `json:"t"`
	I   string          `json:"i"`
	E   string          `json:"e"`
	P   string          `json:"p"`
	N   string          `json:"n"`
	UID string          `json:"uid"`
	D   json.RawMessage `json:"d"`
}

func (c *Conn) handle(data []byte) {
	f := clientFrame{}
	defer func() {
		if err := recover(); err != nil {
			c.log.Errorf("handler panic:%v\n", err)
			c.write(resp("e", f.I, C_FAIL, fmt.Sprint(err)))
		}
	}()
	c.log.Infof("handle:%v\n", string(data))

	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Errorf("handle:json unmarshal: %+v\n", err.Error())
		return
	}

	switch f.T {
	case "l":
		if c.User() != "" {
			c.write(resp("l", f.I, C_FAIL, "already signed in"))
			return
		}
		u, ok := c.node.Login(f.E, f.P)
		if !ok {
			c.write(resp("l", f.I, C_AUTH, "invalid email or password"))
			return
		}
		c.bind(u)
		c.write(resp("l", f.I, C_OK, u.UsersID))
	case "su":
		if c.User() != "" {
			c.write(resp("su", f.I, C_FAIL, "already signed in"))
			return
		}
		u, err := c.node.SignUp(f.E, f.P, f.N)
		if err != nil {
			c.write(resp("su", f.I, C_FAIL, err.Error()))
			return
		}
		c.bind(u)
		c.write(resp("su", f.I, C_OK, u.UsersID))
	case "lo":
		if c.User() == "" {
			c.write(resp("lo", f.I, C_AUTH, ""))
			return
		}
		c.node.UnRegister(c)
		c.setUser("")
		c.log = zap.S().With("cid", c.cid)
		c.write(resp("lo", f.I, C_OK, ""))
	case "q":
		if c.User() == "" {
			c.write(resp("q", f.I, C_AUTH, ""))
			return
		}
		c.node.subs.Store(c, nil)
		c.write(resp("q", f.I, C_OK, ""))
		c.node.sendSnapshot(c)
	case "q-":
		// Repeated teardown is a no-op.
		c.node.subs.Delete(c)
		c.write(resp("q-", f.I, C_OK, ""))
	case "m+":
		if c.User() == "" {
			c.write(resp("m+", f.I, C_AUTH, ""))
			return
		}
		m := wireMessage{}
		if err := json.Unmarshal(f.D, &m); err != nil {
			c.write(resp("m+", f.I, C_FAIL, "data format"))
			return
		}
		if m.User.ID != c.User() {
			c.write(resp("m+", f.I, C_AUTH, "author mismatch"))
			return
		}
		stored, err := c.node.Append(m)
		if err != nil {
			c.write(resp("m+", f.I, C_FAIL, err.Error()))
			return
		}
		c.write(resp("m+", f.I, C_OK, stored.ID))
		c.node.Publish(stored)
	case "u":
		if c.User() == "" {
			c.write(resp("u", f.I, C_AUTH, ""))
			return
		}
		if f.UID != c.User() {
			c.write(resp("u", f.I, C_AUTH, "user mismatch"))
			return
		}
		fields := map[string]any{}
		if err := json.Unmarshal(f.D, &fields); err != nil {
			c.write(resp("u", f.I, C_FAIL, "data format"))
			return
		}
		if err := c.node.MergeUser(f.UID, fields); err != nil {
			c.write(resp("u", f.I, C_FAIL, err.Error()))
			return
		}
		c.write(resp("u", f.I, C_OK, ""))
	case "tk":
		// Tokens are device-level; no sign-in required.
		c.write(resp("tk", f.I, C_OK, c.node.IssueToken(c)))
	default:
		c.log.Errorf("handle: unknown type:%v\n", f.T)
		c.write(resp("e", f.I, C_FAIL, "unknown type "+f.T))
	}
}

func (c *Conn) bind(u *User) {
	c.setUser(u.UsersID)
	c.log = zap.S().With(
		"cid", c.cid,
		"user", u.UsersID,
	)
	c.node.Register(c)
}

// serveWs handles websocket requests from clients.
func (n *Node) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.S().Error("upgrade:", err)
		return
	}
	n.id++
	c := &Conn{
		cid:  n.id,
		node: n,
		conn: conn,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
		log:  zap.S().With("cid", n.id),
	}
	if DefConfig.Client.Compression {
		c.conn.EnableWriteCompression(true)
		c.conn.SetCompressionLevel(DefConfig.Client.CompressionLevel)
	}
	c.conn.SetCloseHandler(func(code int, text string) error {
		c.log.Info("CloseHandler:", code, text)
		message := websocket.FormatCloseMessage(code, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		return nil
	})
	// Allow collection of memory referenced by the caller by doing all
	// work in new goroutines.
	go c.writePump()
	go c.readPump()
}
