package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const sendAttempts = 3

// SyncEngine keeps a local, ordered view of the remote chat log.
//
// While subscribed it consumes full snapshots from the store's live
// query, validates and re-sorts them, and swaps the materialized view
// atomically; consumers never observe a torn or unsorted intermediate
// state. A dropped stream is reported through OnError and resubscribed
// with capped exponential backoff until Unsubscribe.
type SyncEngine struct {
	store MessageStore
	log   *zap.SugaredLogger

	// OnUpdate receives the new view after every applied snapshot.
	OnUpdate func([]Message)
	// OnError receives mapping failures and dropped-stream reports.
	OnError func(error)
	// OnSendFailed receives a message whose append was given up on
	// after retries, so the UI can offer a retry affordance.
	OnSendFailed func(Document, error)

	mu     sync.Mutex
	gen    int
	cancel context.CancelFunc
	view   []Message
}

func NewSyncEngine(store MessageStore) *SyncEngine {
	return &SyncEngine{
		store: store,
		log:   zap.S().With("method", "sync"),
	}
}

// Subscribe opens the live query. Only one subscription is active at a
// time; a second call while subscribed returns ErrSubscribed.
func (e *SyncEngine) Subscribe(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return ErrSubscribed
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	gen := e.gen
	e.mu.Unlock()

	go e.run(ctx, gen)
	return nil
}

// Unsubscribe tears the live query down. Safe to call repeatedly and
// from any goroutine; snapshots that race the teardown are discarded.
func (e *SyncEngine) Unsubscribe() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.gen++
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Messages returns a copy of the current materialized view, newest
// first.
func (e *SyncEngine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.view))
	copy(out, e.view)
	return out
}

// Send appends text to the remote log as author. Whitespace-only text
// is a silent no-op. The append happens in the background so the caller
// can clear its input immediately; the live query reconciles the
// authoritative order either way. Failures are retried a bounded number
// of times and then surfaced through OnSendFailed.
func (e *SyncEngine) Send(ctx context.Context, text string, author Author) {
	if strings.TrimSpace(text) == "" {
		return
	}
	doc := Document{
		Text:      text,
		CreatedAt: time.Now().UnixMilli(),
		User: DocumentUser{
			ID:     author.ID,
			Name:   author.Name,
			Avatar: author.Avatar,
		},
	}
	go e.deliver(ctx, doc)
}

func (e *SyncEngine) deliver(ctx context.Context, doc Document) {
	bo := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), sendAttempts-1), ctx)
	err := backoff.Retry(func() error {
		return e.store.Add(ctx, doc)
	}, bo)
	if err == nil {
		return
	}
	e.log.Error("send:", err)
	e.mu.Lock()
	fn := e.OnSendFailed
	e.mu.Unlock()
	if fn != nil {
		fn(doc, fmt.Errorf("send message: %w", err))
	}
}

func (e *SyncEngine) run(ctx context.Context, gen int) {
	bo := newBackOff()
	for {
		failed := make(chan error, 1)
		sub, err := e.store.LiveQuery(ctx,
			func(docs []Document) {
				e.apply(gen, docs)
				bo.Reset()
			},
			func(err error) {
				select {
				case failed <- err:
				default:
				}
			})
		if err == nil {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err = <-failed:
				sub.Unsubscribe()
			}
		}
		e.report(gen, fmt.Errorf("live query: %w", err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// apply maps one full snapshot into the view. Any malformed document
// rejects the whole snapshot and keeps the previous view: better stale
// than wrong.
func (e *SyncEngine) apply(gen int, docs []Document) {
	msgs := make([]Message, 0, len(docs))
	for _, d := range docs {
		m, err := d.message()
		if err != nil {
			e.report(gen, fmt.Errorf("snapshot document %q: %w", d.ID, err))
			return
		}
		msgs = append(msgs, m)
	}
	// The store already orders descending; stable re-sort keeps its
	// insertion order as the tiebreak even if the transport reordered.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.view = msgs
	fn := e.OnUpdate
	e.mu.Unlock()
	if fn != nil {
		fn(msgs)
	}
}

func (e *SyncEngine) report(gen int, err error) {
	e.mu.Lock()
	stale := gen != e.gen
	fn := e.OnError
	e.mu.Unlock()
	if stale {
		return
	}
	e.log.Error(err)
	if fn != nil {
		fn(err)
	}
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}
