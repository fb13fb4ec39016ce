package client

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Route names a top-level screen. Transitions replace history so the
// user cannot navigate back to a stale auth screen.
type Route string

const (
	RouteLogin Route = "Login"
	RouteChat  Route = "Chat"
)

// AuthSession is the controller's externally visible state.
// Initializing is true only during the bootstrap check at process start
// and flips to false exactly once, on the first auth event, whatever
// its outcome.
type AuthSession struct {
	UserID       string
	Initializing bool
}

// SessionController owns auth state transitions. Every transition into
// the signed-in state re-binds the push token and starts rotation
// handling; signing out stops rotation handling for that session.
type SessionController struct {
	identity Identity
	tokens   *TokenManager
	log      *zap.SugaredLogger

	// OnRoute receives the replacement route on every transition.
	OnRoute func(Route)

	mu        sync.Mutex
	session   AuthSession
	rotateSub Subscription

	ready     chan struct{}
	readyOnce sync.Once
}

func NewSessionController(identity Identity, tokens *TokenManager) *SessionController {
	return &SessionController{
		identity: identity,
		tokens:   tokens,
		log:      zap.S().With("method", "session"),
		session:  AuthSession{Initializing: true},
		ready:    make(chan struct{}),
	}
}

// Start subscribes to auth state changes. The returned subscription
// owns the auth listener and any active rotation watch; the mounting
// scope must dispose it on every exit path.
func (c *SessionController) Start(ctx context.Context) Subscription {
	authSub := c.identity.OnAuthStateChanged(func(userID string, signedIn bool) {
		c.transition(ctx, userID, signedIn)
	})
	return SubscriptionFunc(func() {
		authSub.Unsubscribe()
		c.mu.Lock()
		rotate := c.rotateSub
		c.rotateSub = nil
		c.mu.Unlock()
		if rotate != nil {
			rotate.Unsubscribe()
		}
	})
}

// Ready is closed once the first auth event has been observed; the
// initial render blocks on it and nothing else.
func (c *SessionController) Ready() <-chan struct{} {
	return c.ready
}

// Session returns the current auth session.
func (c *SessionController) Session() AuthSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Current reports the signed-in user, if any.
func (c *SessionController) Current() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.UserID, c.session.UserID != ""
}

// SignIn authenticates with the identity provider. Failures are
// AuthError values for the UI to alert on; the state transition itself
// arrives through the auth listener.
func (c *SessionController) SignIn(ctx context.Context, email, password string) error {
	if _, err := c.identity.SignIn(ctx, email, password); err != nil {
		return err
	}
	return nil
}

// SignUp creates an account and signs it in.
func (c *SessionController) SignUp(ctx context.Context, email, password, name string) error {
	if _, err := c.identity.SignUp(ctx, email, password, name); err != nil {
		return err
	}
	return nil
}

// SignOut ends the session.
func (c *SessionController) SignOut(ctx context.Context) error {
	return c.identity.SignOut(ctx)
}

func (c *SessionController) transition(ctx context.Context, userID string, signedIn bool) {
	if !signedIn {
		userID = ""
	}

	c.mu.Lock()
	c.session = AuthSession{UserID: userID}
	route := RouteLogin
	var stopRotate Subscription
	if signedIn {
		route = RouteChat
		if c.rotateSub == nil {
			c.rotateSub = c.tokens.WatchRotation(c.Current)
		}
	} else {
		stopRotate = c.rotateSub
		c.rotateSub = nil
	}
	onRoute := c.OnRoute
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })

	if stopRotate != nil {
		stopRotate.Unsubscribe()
	}
	if signedIn {
		c.log.Info("signed in:", userID)
		c.tokens.Bind(ctx, userID)
	} else {
		c.log.Info("signed out")
	}
	if onRoute != nil {
		onRoute(route)
	}
}
