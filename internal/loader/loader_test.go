package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// countingFetch records each batch it receives and serves values derived from
// the key. Keys listed in missing are omitted from results.
type countingFetch struct {
	mu      sync.Mutex
	batches [][]string
	missing map[string]bool
	err     error
	delay   time.Duration
}

func (f *countingFetch) fn(ctx context.Context, keys []string) (map[string]string, error) {
	f.mu.Lock()
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	f.batches = append(f.batches, sorted)
	err := f.err
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if f.missing[k] {
			continue
		}
		out[k] = "value:" + k
	}
	return out, nil
}

func (f *countingFetch) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batches...)
}

func (f *countingFetch) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestLoad_CoalescesAndDedupes(t *testing.T) {
	f := &countingFetch{}
	l := New(f.fn, Config{Wait: 5 * time.Millisecond})
	ctx := context.Background()

	keys := []string{"a", "b", "a", "c", "b", "a"}
	var wg sync.WaitGroup
	got := make([]string, len(keys))
	for i, k := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Load(ctx, k)
			if err != nil {
				t.Errorf("Load(%q): %v", k, err)
			}
			got[i] = v
		}()
	}
	wg.Wait()

	want := []string{"value:a", "value:b", "value:a", "value:c", "value:b", "value:a"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	wantCalls := [][]string{{"a", "b", "c"}}
	if diff := cmp.Diff(wantCalls, f.calls()); diff != "" {
		t.Fatalf("fetch calls mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_SecondLoadHitsCache(t *testing.T) {
	f := &countingFetch{}
	l := New(f.fn, Config{Wait: time.Millisecond})
	ctx := context.Background()

	if _, err := l.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	v, err := l.Load(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if v != "value:a" {
		t.Fatalf("got %q", v)
	}
	if n := len(f.calls()); n != 1 {
		t.Fatalf("expected 1 fetch, got %d", n)
	}
}

func TestLoad_MissingKeyIsPerKeyFailure(t *testing.T) {
	f := &countingFetch{missing: map[string]bool{"gone": true}}
	l := New(f.fn, Config{Wait: 5 * time.Millisecond})
	ctx := context.Background()

	okThunk := l.LoadThunk(ctx, "here")
	missThunk := l.LoadThunk(ctx, "gone")

	if v, err := okThunk(); err != nil || v != "value:here" {
		t.Fatalf("here: v=%q err=%v", v, err)
	}
	if _, err := missThunk(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("gone: want ErrNotFound, got %v", err)
	}
	if IsBatchFailure(ErrNotFound) {
		t.Fatal("per-key miss misclassified as batch failure")
	}
}

func TestLoad_BatchFailureDoesNotPoisonLaterBatches(t *testing.T) {
	f := &countingFetch{}
	f.setErr(fmt.Errorf("collaborator down"))
	l := New(f.fn, Config{Wait: time.Millisecond})
	ctx := context.Background()

	aThunk := l.LoadThunk(ctx, "a")
	bThunk := l.LoadThunk(ctx, "b")
	if _, err := aThunk(); !IsBatchFailure(err) {
		t.Fatalf("a: want batch failure, got %v", err)
	}
	if _, err := bThunk(); !IsBatchFailure(err) {
		t.Fatalf("b: want batch failure, got %v", err)
	}

	// The failed keys were evicted; a retry dispatches a new batch and works.
	f.setErr(nil)
	v, err := l.Load(ctx, "a")
	if err != nil || v != "value:a" {
		t.Fatalf("retry: v=%q err=%v", v, err)
	}
	if n := len(f.calls()); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestLoad_MaxBatchSplitsWindow(t *testing.T) {
	f := &countingFetch{}
	l := New(f.fn, Config{Wait: 50 * time.Millisecond, MaxBatch: 2})
	ctx := context.Background()

	thunks := []func() (string, error){
		l.LoadThunk(ctx, "a"),
		l.LoadThunk(ctx, "b"), // fills the first batch, dispatches immediately
		l.LoadThunk(ctx, "c"),
	}
	for _, fn := range thunks {
		if _, err := fn(); err != nil {
			t.Fatal(err)
		}
	}

	calls := f.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 fetches, got %d: %v", len(calls), calls)
	}
	if diff := cmp.Diff([]string{"a", "b"}, calls[0]); diff != "" {
		t.Fatalf("first batch mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"c"}, calls[1]); diff != "" {
		t.Fatalf("second batch mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_CancelledCallerLeavesBatchRunning(t *testing.T) {
	f := &countingFetch{delay: 20 * time.Millisecond}
	l := New(f.fn, Config{Wait: time.Millisecond})

	cancelled, cancel := context.WithCancel(context.Background())
	survivor := l.LoadThunk(context.Background(), "a")
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	if _, err := l.Load(cancelled, "b"); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: want context.Canceled, got %v", err)
	}
	// The shared batch still completes for the remaining caller.
	if v, err := survivor(); err != nil || v != "value:a" {
		t.Fatalf("survivor: v=%q err=%v", v, err)
	}
}

func TestLoadAll_ReturnsPositionalResults(t *testing.T) {
	f := &countingFetch{missing: map[string]bool{"x": true}}
	l := New(f.fn, Config{Wait: time.Millisecond})

	vals, errs := l.LoadAll(context.Background(), []string{"a", "x", "b"})
	if errs[0] != nil || errs[2] != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !errors.Is(errs[1], ErrNotFound) {
		t.Fatalf("x: want ErrNotFound, got %v", errs[1])
	}
	if vals[0] != "value:a" || vals[2] != "value:b" {
		t.Fatalf("values: %v", vals)
	}
	if n := len(f.calls()); n != 1 {
		t.Fatalf("expected 1 fetch, got %d", n)
	}
}

func TestPrimeAndClear(t *testing.T) {
	f := &countingFetch{}
	l := New(f.fn, Config{Wait: time.Millisecond})
	ctx := context.Background()

	if !l.Prime("a", "seeded") {
		t.Fatal("Prime on empty cache should succeed")
	}
	if l.Prime("a", "other") {
		t.Fatal("Prime on existing key should be a no-op")
	}
	if v, err := l.Load(ctx, "a"); err != nil || v != "seeded" {
		t.Fatalf("primed: v=%q err=%v", v, err)
	}
	if n := len(f.calls()); n != 0 {
		t.Fatalf("primed load should not fetch, got %d calls", n)
	}

	l.Clear("a")
	if v, err := l.Load(ctx, "a"); err != nil || v != "value:a" {
		t.Fatalf("after clear: v=%q err=%v", v, err)
	}
	if n := len(f.calls()); n != 1 {
		t.Fatalf("expected 1 fetch after clear, got %d", n)
	}
}
