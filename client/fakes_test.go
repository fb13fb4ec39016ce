package client

import (
	"context"
	"sync"
)

type fakeStore struct {
	mu           sync.Mutex
	added        []Document
	addErr       error
	queryErr     error
	fn           func([]Document)
	errfn        func(error)
	subscribed   int
	unsubscribed int
}

func (s *fakeStore) Add(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.added = append(s.added, doc)
	return nil
}

func (s *fakeStore) LiveQuery(ctx context.Context, fn func([]Document), errfn func(error)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	s.subscribed++
	s.fn = fn
	s.errfn = errfn
	return SubscriptionFunc(func() {
		s.mu.Lock()
		s.unsubscribed++
		s.fn = nil
		s.errfn = nil
		s.mu.Unlock()
	}), nil
}

func (s *fakeStore) emit(docs []Document) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(docs)
	}
}

func (s *fakeStore) fail(err error) {
	s.mu.Lock()
	errfn := s.errfn
	s.mu.Unlock()
	if errfn != nil {
		errfn(err)
	}
}

func (s *fakeStore) addedDocs() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, len(s.added))
	copy(out, s.added)
	return out
}

func (s *fakeStore) subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

type merge struct {
	userID string
	fields map[string]any
}

type fakeRecords struct {
	mu       sync.Mutex
	merges   []merge
	mergeErr error
}

func (r *fakeRecords) Merge(ctx context.Context, userID string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mergeErr != nil {
		return r.mergeErr
	}
	r.merges = append(r.merges, merge{userID: userID, fields: fields})
	return nil
}

func (r *fakeRecords) all() []merge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]merge, len(r.merges))
	copy(out, r.merges)
	return out
}

type fakeTransport struct {
	mu         sync.Mutex
	token      string
	tokenErr   error
	next       int
	refreshFns map[int]func(string)
	messageFns map[int]func(PushEvent)
	background func(PushEvent)
}

func newFakeTransport(token string) *fakeTransport {
	return &fakeTransport{
		token:      token,
		refreshFns: map[int]func(string){},
		messageFns: map[int]func(PushEvent){},
	}
}

func (t *fakeTransport) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token, t.tokenErr
}

func (t *fakeTransport) OnTokenRefresh(fn func(string)) Subscription {
	t.mu.Lock()
	t.next++
	id := t.next
	t.refreshFns[id] = fn
	t.mu.Unlock()
	return SubscriptionFunc(func() {
		t.mu.Lock()
		delete(t.refreshFns, id)
		t.mu.Unlock()
	})
}

func (t *fakeTransport) OnMessage(fn func(PushEvent)) Subscription {
	t.mu.Lock()
	t.next++
	id := t.next
	t.messageFns[id] = fn
	t.mu.Unlock()
	return SubscriptionFunc(func() {
		t.mu.Lock()
		delete(t.messageFns, id)
		t.mu.Unlock()
	})
}

func (t *fakeTransport) SetBackgroundHandler(fn func(PushEvent)) {
	t.mu.Lock()
	t.background = fn
	t.mu.Unlock()
}

func (t *fakeTransport) rotate(token string) {
	t.mu.Lock()
	t.token = token
	fns := make([]func(string), 0, len(t.refreshFns))
	for _, fn := range t.refreshFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(token)
	}
}

func (t *fakeTransport) deliver(ev PushEvent) {
	t.mu.Lock()
	fns := make([]func(PushEvent), 0, len(t.messageFns))
	for _, fn := range t.messageFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type display struct {
	n         Notification
	channelID string
}

type fakeNotifier struct {
	mu        sync.Mutex
	createErr error
	channels  []Channel
	displays  []display
}

func (n *fakeNotifier) CreateChannel(ch Channel) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.createErr != nil {
		return n.createErr
	}
	n.channels = append(n.channels, ch)
	return nil
}

func (n *fakeNotifier) Display(notification Notification, channelID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.displays = append(n.displays, display{n: notification, channelID: channelID})
	return nil
}

func (n *fakeNotifier) RequestPermission(ctx context.Context) error { return nil }

func (n *fakeNotifier) created() []Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Channel, len(n.channels))
	copy(out, n.channels)
	return out
}

func (n *fakeNotifier) displayed() []display {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]display, len(n.displays))
	copy(out, n.displays)
	return out
}

type fakeIdentity struct {
	mu        sync.Mutex
	user      string
	signInErr error
	next      int
	fns       map[int]func(string, bool)
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{fns: map[int]func(string, bool){}}
}

func (f *fakeIdentity) SignIn(ctx context.Context, email, password string) (string, error) {
	f.mu.Lock()
	err := f.signInErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	f.setUser("user-" + email)
	return "user-" + email, nil
}

func (f *fakeIdentity) SignUp(ctx context.Context, email, password, name string) (string, error) {
	return f.SignIn(ctx, email, password)
}

func (f *fakeIdentity) SignOut(ctx context.Context) error {
	f.setUser("")
	return nil
}

func (f *fakeIdentity) CurrentUser() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, f.user != ""
}

func (f *fakeIdentity) OnAuthStateChanged(fn func(string, bool)) Subscription {
	f.mu.Lock()
	f.next++
	id := f.next
	f.fns[id] = fn
	user := f.user
	f.mu.Unlock()
	// Current state delivered synchronously to keep the tests simple.
	fn(user, user != "")
	return SubscriptionFunc(func() {
		f.mu.Lock()
		delete(f.fns, id)
		f.mu.Unlock()
	})
}

func (f *fakeIdentity) setUser(user string) {
	f.mu.Lock()
	f.user = user
	fns := make([]func(string, bool), 0, len(f.fns))
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(user, user != "")
	}
}
