package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Node is the hub: it owns the chat log, the user records and every
// connected device, and fans appended messages out as live-query
// snapshots and push events.
type Node struct {
	db *gorm.DB

	rdb  *redis.Client
	rpub *redis.PubSub

	// Registered connections.
	clients *sync.Map
	// Connections holding an open live query.
	subs *sync.Map

	mu    sync.Mutex
	users map[string]map[*Conn]struct{}

	id int

	upgrader websocket.Upgrader
}

func newNode() *Node {
	log := zap.S()

	loglevel := logger.Error
	if DefConfig.DBLog {
		loglevel = logger.Info
	}

	var dial gorm.Dialector
	if strings.HasPrefix(DefConfig.DB, "postgres") {
		dial = postgres.Open(DefConfig.DB)
	} else {
		// Anything else is a sqlite path, for dev and tests.
		dial = sqlite.Open(DefConfig.DB)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.New(zap.NewStdLog(zap.L()), logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      loglevel,
		}),
	})
	if err != nil {
		log.Fatal(err)
	}
	db.AutoMigrate(new(User), new(ChatMessage))

	n := &Node{
		db:      db,
		clients: &sync.Map{},
		subs:    &sync.Map{},
		users:   map[string]map[*Conn]struct{}{},
	}

	n.upgrader = websocket.Upgrader{
		ReadBufferSize:  DefConfig.Client.ReadBufferSize,
		WriteBufferSize: DefConfig.Client.WriteBufferSize,
	}
	n.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	if DefConfig.Redis.Enable {
		n.rdb = redis.NewClient(&redis.Options{
			Addr:         DefConfig.Redis.Host,
			DialTimeout:  10 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			PoolSize:     10,
			PoolTimeout:  30 * time.Second,
		})
		if DefConfig.Redis.Name == "" {
			DefConfig.Redis.Name = time.Now().Format("Node-20060102150405")
		}
		if DefConfig.Redis.Channel == "" {
			DefConfig.Redis.Channel = DefConfig.Redis.Name
		}

		if err := n.rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal("redis err:", err.Error())
		}

		go n.clusterRev()

		log.Info("Node Enable Redis Cluster:", DefConfig.Redis.Name, DefConfig.Redis.Channel)
	}

	if DefConfig.TokenRotate > 0 {
		go n.rotateTokens(DefConfig.TokenRotate)
	}

	return n
}

// clusterRev consumes appends made on other nodes against the shared
// database and refreshes local subscribers and devices.
func (n *Node) clusterRev() {
	log := zap.S().With("method", "clusterRev")
	defer func() {
		if err := recover(); err != nil {
			log.Error("ClusterRev err:", err)
		}
		go n.clusterRev()
	}()
	n.rpub = n.rdb.Subscribe(context.Background(), DefConfig.Redis.Channel)

	m := ClusterMessage{}
	for msg := range n.rpub.Channel() {
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			log.Errorf("ClusterRev Json Error:%+v,%s", msg, err)
			continue
		}
		if m.NodeName == DefConfig.Redis.Name {
			continue
		}
		log.Info("ClusterRev:", DefConfig.Redis.Name, msg.Channel, m.NodeName, m.Message.ID)

		n.broadcastSnapshot()
		n.notifyDevices(m.Message)
	}
}

func (n *Node) Close() {
	if n.rpub != nil {
		n.rpub.Close()
	}
	if n.rdb != nil {
		n.rdb.Close()
	}
}

// Register binds an authenticated connection to its user.
func (n *Node) Register(c *Conn) {
	user := c.User()
	zap.S().With("method", "register", "user", user).Info("register")
	n.clients.Store(c, nil)
	n.mu.Lock()
	if _, ok := n.users[user]; !ok {
		n.users[user] = map[*Conn]struct{}{}
	}
	n.users[user][c] = struct{}{}
	n.mu.Unlock()
}

// UnRegister drops a connection on sign-out or disconnect. Safe to call
// more than once.
func (n *Node) UnRegister(c *Conn) {
	user := c.User()
	zap.S().Info("unregister:", user)
	n.subs.Delete(c)
	if _, ok := n.clients.Load(c); !ok {
		return
	}
	n.clients.Delete(c)
	n.mu.Lock()
	if conns, ok := n.users[user]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(n.users, user)
		}
	}
	n.mu.Unlock()
}

// Drop finishes a disconnected connection: unregister plus stopping the
// write pump. Runs once per connection.
func (n *Node) Drop(c *Conn) {
	c.dropOnce.Do(func() {
		n.UnRegister(c)
		close(c.done)
	})
}

// SignUp creates an account.
func (n *Node) SignUp(email, password, name string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, errors.New("email and password required")
	}
	if name == "" {
		name = email
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &User{
		UsersID:  uuid.NewString(),
		Email:    email,
		Password: hash,
		Name:     name,
		Avatar:   "https://placekitten.com/140/140",
	}
	if err := n.db.Create(u).Error; err != nil {
		return nil, errors.New("email already registered")
	}
	return u, nil
}

// Login verifies credentials.
func (n *Node) Login(email, password string) (*User, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	u := User{}
	if err := n.db.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, false
	}
	if !CheckPassword(u.Password, password) {
		return nil, false
	}
	return &u, true
}

// MergeUser applies a partial update to a user record; unrelated
// columns keep their values. Unknown fields are ignored.
func (n *Node) MergeUser(userid string, fields map[string]any) error {
	cols := map[string]any{}
	if v, ok := fields["fcmToken"].(string); ok {
		cols["fcm_token"] = v
	}
	if v, ok := fields["name"].(string); ok && v != "" {
		cols["name"] = v
	}
	if v, ok := fields["avatar"].(string); ok && v != "" {
		cols["avatar"] = v
	}
	if len(cols) == 0 {
		return nil
	}
	return n.db.Model(new(User)).Where("userid = ?", userid).Updates(cols).Error
}

// Append stores one chat document. The node assigns the id; the row id
// keeps the insertion order for equal timestamps.
func (n *Node) Append(m wireMessage) (wireMessage, error) {
	if strings.TrimSpace(m.Text) == "" {
		return wireMessage{}, errors.New("empty text")
	}
	if m.Ts <= 0 {
		m.Ts = time.Now().UnixMilli()
	}
	dm := ChatMessage{
		MessagesID:   uuid.NewString(),
		Text:         m.Text,
		SentAt:       m.Ts,
		AuthorID:     m.User.ID,
		AuthorName:   m.User.Name,
		AuthorAvatar: m.User.Avatar,
	}
	if err := n.db.Create(&dm).Error; err != nil {
		return wireMessage{}, err
	}
	return dm.wire(), nil
}

// Snapshot reads the newest log entries, created-at descending with the
// row id as tiebreak.
func (n *Node) Snapshot() ([]wireMessage, error) {
	ms := []ChatMessage{}
	if err := n.db.Order("sentat desc, id desc").Limit(DefConfig.snapshotLimit()).Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]wireMessage, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.wire())
	}
	return out, nil
}

// Publish runs the full fanout for a fresh append: snapshots to every
// subscriber, push events to every other device, and the cluster
// channel for peer nodes.
func (n *Node) Publish(m wireMessage) {
	log := zap.S().With("method", "publish")
	n.broadcastSnapshot()
	n.notifyDevices(m)

	if n.rdb != nil {
		d, err := json.Marshal(ClusterMessage{
			NodeName:  DefConfig.Redis.Name,
			Timestamp: m.Ts,
			Message:   m,
		})
		if err != nil {
			log.Error("redis json:", err.Error())
		} else {
			r, err := n.rdb.Publish(context.Background(), DefConfig.Redis.Channel, string(d)).Result()
			log.Info("redis:", r, err)
		}
	}
}

func (n *Node) broadcastSnapshot() {
	log := zap.S().With("method", "snapshot")
	ms, err := n.Snapshot()
	if err != nil {
		log.Error("db:", err)
		return
	}
	data, err := json.Marshal(snapshotMessage{T: "s", Ms: ms})
	if err != nil {
		log.Error("json:", err)
		return
	}
	n.subs.Range(func(k, _ any) bool {
		k.(*Conn).write(data)
		return true
	})
}

// sendSnapshot delivers the current snapshot to one subscriber, used
// right after it opens its live query.
func (n *Node) sendSnapshot(c *Conn) {
	ms, err := n.Snapshot()
	if err != nil {
		c.log.Error("snapshot:", err)
		return
	}
	data, err := json.Marshal(snapshotMessage{T: "s", Ms: ms})
	if err != nil {
		c.log.Error("snapshot json:", err)
		return
	}
	c.write(data)
}

// notifyDevices emits a push event to every connected device except the
// author's own: title is the sender, body the text, the shape a push
// transport would deliver.
func (n *Node) notifyDevices(m wireMessage) {
	log := zap.S().With("method", "push")
	data, err := json.Marshal(pushMessage{
		T: "p",
		N: pushNotification{Title: m.User.Name, Body: m.Text},
	})
	if err != nil {
		log.Error("json:", err)
		return
	}
	n.clients.Range(func(k, _ any) bool {
		c := k.(*Conn)
		if c.User() != m.User.ID {
			c.write(data)
		}
		return true
	})
}

// PushTo sends an arbitrary notification to the named users' devices.
func (n *Node) PushTo(userIDs []string, title, body string) int {
	log := zap.S().With("method", "pushto")
	data, err := json.Marshal(pushMessage{
		T: "p",
		N: pushNotification{Title: title, Body: body},
	})
	if err != nil {
		log.Error("json:", err)
		return 0
	}
	sent := 0
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range userIDs {
		for c := range n.users[id] {
			c.write(data)
			sent++
		}
	}
	return sent
}

// IssueToken hands the connection its device push token, minting one on
// first ask. Tokens are device-scoped and survive sign-out.
func (n *Node) IssueToken(c *Conn) string {
	if c.Token() == "" {
		c.setToken(uuid.NewString())
	}
	return c.Token()
}

// rotateTokens periodically replaces the push token of every connected
// device and tells it so, the way a push transport rotates tokens
// underneath an app.
func (n *Node) rotateTokens(every time.Duration) {
	log := zap.S().With("method", "rotate")
	t := time.NewTicker(every)
	defer t.Stop()
	for range t.C {
		n.clients.Range(func(k, _ any) bool {
			c := k.(*Conn)
			if c.Token() == "" {
				return true
			}
			c.setToken(uuid.NewString())
			data, err := json.Marshal(tokenMessage{T: "tkr", V: c.Token()})
			if err != nil {
				log.Error("json:", err)
				return true
			}
			c.write(data)
			return true
		})
	}
}
