package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEmptyGraph(t *testing.T) {
	e := New(4, Hooks{})
	defer e.Shutdown()

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error on empty graph: %v", err)
	}
	if len(e.Results()) != 0 {
		t.Fatalf("expected no results, got %v", e.Results())
	}
}

func TestLinearChain(t *testing.T) {
	e := New(4, Hooks{})
	defer e.Shutdown()

	var mu sync.Mutex
	starts := map[string]time.Time{}
	mark := func(id string) {
		mu.Lock()
		starts[id] = time.Now()
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}

	e.Submit(Task{ID: "a", Priority: 1, Work: func(ctx context.Context) (any, error) {
		mark("a")
		return "a", nil
	}})
	e.Submit(Task{ID: "b", Priority: 1, PreTasks: []string{"a"}, Work: func(ctx context.Context) (any, error) {
		mark("b")
		return "b", nil
	}})
	e.Submit(Task{ID: "c", Priority: 1, PreTasks: []string{"b"}, Work: func(ctx context.Context) (any, error) {
		mark("c")
		return "c", nil
	}})

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	results := e.Results()
	for _, id := range []string{"a", "b", "c"} {
		out, ok := results[id]
		if !ok {
			t.Fatalf("missing result for %s", id)
		}
		if out.Value != id {
			t.Fatalf("task %s: expected value %q, got %v", id, id, out.Value)
		}
	}

	if !starts["a"].Before(starts["b"]) || !starts["b"].Before(starts["c"]) {
		t.Fatalf("expected start(a) < start(b) < start(c), got %v", starts)
	}
}

func TestPriorityBiasSingleWorker(t *testing.T) {
	e := New(1, Hooks{})
	defer e.Shutdown()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(10)
	for p := 1; p <= 10; p++ {
		p := p
		e.Submit(Task{
			ID:       string(rune('0' + p)),
			Priority: p,
			Work: func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, p)
				mu.Unlock()
				wg.Done()
				return p, nil
			},
		})
	}

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 10 {
		t.Fatalf("expected 10 completions, got %d", len(order))
	}
	for i := 0; i < 10; i++ {
		want := 10 - i
		if order[i] != want {
			t.Fatalf("completion order = %v, want descending from 10", order)
		}
	}
}

func TestRetrySuccess(t *testing.T) {
	e := New(2, Hooks{})
	defer e.Shutdown()

	var calls int
	e.Submit(Task{
		ID:         "x",
		MaxRetries: 3,
		Work: func(ctx context.Context) (any, error) {
			calls++
			if calls <= 2 {
				return nil, errors.New("transient")
			}
			return 0, nil
		},
	})

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := e.Results()["x"]
	if out.Failed() {
		t.Fatalf("expected success, got error %v", out.Err)
	}
	if out.Value != 0 {
		t.Fatalf("expected result 0, got %v", out.Value)
	}
	if calls != 3 {
		t.Fatalf("expected 3 invocations, got %d", calls)
	}
}

func TestRetryExhaustion(t *testing.T) {
	e := New(2, Hooks{})
	defer e.Shutdown()

	var calls int
	var callbackRuns int
	var mu sync.Mutex

	done := make(chan struct{})
	e.Submit(Task{
		ID:         "y",
		MaxRetries: 2,
		Work: func(ctx context.Context) (any, error) {
			calls++
			return nil, errors.New("boom")
		},
		Callback: func(o Outcome) {
			mu.Lock()
			callbackRuns++
			mu.Unlock()
			close(done)
		},
	})

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	out := e.Results()["y"]
	if !out.Failed() {
		t.Fatalf("expected failure outcome")
	}
	if !strings.Contains(out.Err.Error(), "boom") {
		t.Fatalf("expected error to contain 'boom', got %v", out.Err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 invocations (maxRetries=2), got %d", calls)
	}
	mu.Lock()
	defer mu.Unlock()
	if callbackRuns != 1 {
		t.Fatalf("expected callback to run exactly once, got %d", callbackRuns)
	}
}

func TestQuiescenceAfterReentrantSubmit(t *testing.T) {
	e := New(2, Hooks{})
	defer e.Shutdown()

	e.Submit(Task{
		ID: "spawn-a",
		Work: func(ctx context.Context) (any, error) {
			e.Submit(Task{
				ID: "spawn-b",
				Work: func(ctx context.Context) (any, error) {
					return "b", nil
				},
			})
			return "a", nil
		},
	})

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	results := e.Results()
	if _, ok := results["spawn-a"]; !ok {
		t.Fatalf("missing spawn-a result")
	}
	if _, ok := results["spawn-b"]; !ok {
		t.Fatalf("missing spawn-b result — reentrant submit not observed before quiescence")
	}
}

func TestPendingTaskGatedUntilPredecessorPresent(t *testing.T) {
	e := New(1, Hooks{})
	defer e.Shutdown()

	release := make(chan struct{})
	var predecessorDone bool
	var mu sync.Mutex

	e.Submit(Task{
		ID: "pred",
		Work: func(ctx context.Context) (any, error) {
			<-release
			mu.Lock()
			predecessorDone = true
			mu.Unlock()
			return nil, nil
		},
	})
	e.Submit(Task{
		ID:       "dep",
		PreTasks: []string{"pred"},
		Work: func(ctx context.Context) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			if !predecessorDone {
				t.Error("dep started before predecessor result was recorded")
			}
			return nil, nil
		},
	})

	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
