// Package loader implements a keyed batching loader: concurrent Load calls
// issued within one coalescing window are collected into a single batched
// fetch, deduplicated by key, and fanned back out to every caller. Resolved
// values are memoized for the lifetime of the loader, which is expected to be
// one request.
//
// The window closes when either Wait elapses since the batch opened or the
// batch reaches MaxBatch unique keys, whichever comes first.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound reports that the batched fetch returned no value for a key.
// It is a per-key condition; other keys in the same batch are unaffected.
var ErrNotFound = errors.New("loader: no value for key")

// BatchFunc fetches values for a set of unique keys in one call. The result
// map is addressed by key, so the fetch may return entries in any order and
// may omit keys it cannot find. A non-nil error fails the whole batch.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// Config tunes the coalescing window.
type Config struct {
	// Wait is how long the first Load in a batch waits for companions
	// before dispatching. Default 2ms.
	Wait time.Duration
	// MaxBatch dispatches early once this many unique keys are queued.
	// Default 100. Values < 1 mean the default.
	MaxBatch int
}

const (
	defaultWait     = 2 * time.Millisecond
	defaultMaxBatch = 100
)

// Loader batches and caches keyed lookups. Create one per request scope with
// New; a Loader must not be shared across unrelated requests.
type Loader[K comparable, V any] struct {
	fetch    BatchFunc[K, V]
	wait     time.Duration
	maxBatch int

	mu    sync.Mutex
	cache map[K]*thunk[V]
	cur   *batch[K, V]
}

// New creates a Loader around fetch.
func New[K comparable, V any](fetch BatchFunc[K, V], cfg Config) *Loader[K, V] {
	if cfg.Wait <= 0 {
		cfg.Wait = defaultWait
	}
	if cfg.MaxBatch < 1 {
		cfg.MaxBatch = defaultMaxBatch
	}
	return &Loader[K, V]{
		fetch:    fetch,
		wait:     cfg.Wait,
		maxBatch: cfg.MaxBatch,
		cache:    make(map[K]*thunk[V]),
	}
}

// thunk is one key's pending or settled outcome. done is closed exactly once
// when val/err are final.
type thunk[V any] struct {
	done chan struct{}
	val  V
	err  error
}

type batch[K comparable, V any] struct {
	keys   []K
	thunks map[K]*thunk[V]
	// ctx is the first caller's context, used (detached from cancellation)
	// for the shared fetch so one caller leaving does not abort the batch.
	ctx    context.Context
	closed bool
}

// Load fetches the value for key, batching with concurrent calls and reusing
// previously resolved values. It blocks until the batch settles or ctx is
// done; cancelling a single caller never cancels the shared batch.
func (l *Loader[K, V]) Load(ctx context.Context, key K) (V, error) {
	t := l.enqueue(ctx, key)
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// LoadThunk registers key in the current batch and returns a function that
// blocks until the value is available. It lets one goroutine queue keys on
// several loaders before waiting on any of them.
func (l *Loader[K, V]) LoadThunk(ctx context.Context, key K) func() (V, error) {
	t := l.enqueue(ctx, key)
	return func() (V, error) {
		<-t.done
		return t.val, t.err
	}
}

// LoadAll fetches many keys at once, returning one value and one error slot
// per key, positionally.
func (l *Loader[K, V]) LoadAll(ctx context.Context, keys []K) ([]V, []error) {
	thunks := make([]func() (V, error), len(keys))
	for i, k := range keys {
		thunks[i] = l.LoadThunk(ctx, k)
	}
	vals := make([]V, len(keys))
	errs := make([]error, len(keys))
	for i, fn := range thunks {
		vals[i], errs[i] = fn()
	}
	return vals, errs
}

// Prime seeds the cache with a resolved value. It reports false and makes no
// change if the key is already present (resolved or in flight).
func (l *Loader[K, V]) Prime(key K, value V) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cache[key]; ok {
		return false
	}
	t := &thunk[V]{done: make(chan struct{}), val: value}
	close(t.done)
	l.cache[key] = t
	return true
}

// Clear drops key from the cache so the next Load fetches it again.
func (l *Loader[K, V]) Clear(key K) {
	l.mu.Lock()
	delete(l.cache, key)
	l.mu.Unlock()
}

// enqueue returns the thunk for key, registering it in the open batch when it
// is not already cached or in flight.
func (l *Loader[K, V]) enqueue(ctx context.Context, key K) *thunk[V] {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.cache[key]; ok {
		return t
	}

	if l.cur == nil {
		b := &batch[K, V]{thunks: make(map[K]*thunk[V]), ctx: ctx}
		l.cur = b
		time.AfterFunc(l.wait, func() { l.dispatch(b) })
	}
	b := l.cur

	t := &thunk[V]{done: make(chan struct{})}
	b.keys = append(b.keys, key)
	b.thunks[key] = t
	l.cache[key] = t

	if len(b.keys) >= l.maxBatch {
		l.closeLocked(b)
		go l.run(b)
	}
	return t
}

// dispatch is the timer path: close the batch if it is still open and run it.
func (l *Loader[K, V]) dispatch(b *batch[K, V]) {
	l.mu.Lock()
	if b.closed {
		l.mu.Unlock()
		return
	}
	l.closeLocked(b)
	l.mu.Unlock()
	l.run(b)
}

func (l *Loader[K, V]) closeLocked(b *batch[K, V]) {
	b.closed = true
	if l.cur == b {
		l.cur = nil
	}
}

// run executes the batched fetch and settles every pending thunk. Failed keys
// are evicted from the cache so a later load may retry them; a batch-level
// failure therefore never poisons subsequent batches.
func (l *Loader[K, V]) run(b *batch[K, V]) {
	results, err := l.fetch(context.WithoutCancel(b.ctx), b.keys)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, t := range b.thunks {
		switch {
		case err != nil:
			t.err = fmt.Errorf("loader: batch fetch: %w", err)
		default:
			if v, ok := results[key]; ok {
				t.val = v
			} else {
				t.err = ErrNotFound
			}
		}
		if t.err != nil && l.cache[key] == t {
			delete(l.cache, key)
		}
		close(t.done)
	}
}

// IsBatchFailure reports whether err came from a failed batch dispatch as
// opposed to a per-key miss.
func IsBatchFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}
