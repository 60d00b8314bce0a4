package guardsmith

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestWrapBlocksDenied(t *testing.T) {
	c := newTestClient(t)
	called := false
	inner := func(ctx context.Context, a Action) (any, error) {
		called = true
		return nil, nil
	}
	wrapped := c.Wrap(inner)

	_, err := wrapped(context.Background(), Action{
		Name:  "submit_order",
		Input: map[string]any{"data.age_seconds": float64(45)},
	})

	blocked := requireBlocked(t, err)
	if blocked.Outcome != Denied {
		t.Errorf("expected deny, got %s", blocked.Outcome)
	}
	if len(blocked.Hazards) != 1 || blocked.Hazards[0] != "UCA-7" {
		t.Errorf("expected hazard UCA-7, got %v", blocked.Hazards)
	}
	if blocked.InvocationID == "" {
		t.Error("expected invocation id on blocked error")
	}
	if called {
		t.Error("inner function should not be called on deny")
	}
}

func TestWrapAllowsClean(t *testing.T) {
	c := newTestClient(t)
	inner := func(ctx context.Context, a Action) (any, error) {
		return "ok", nil
	}
	wrapped := c.Wrap(inner)

	result, err := wrapped(context.Background(), Action{
		Name:  "submit_order",
		Input: map[string]any{"data.age_seconds": float64(5)},
	})
	if err != nil {
		t.Fatalf("expected allow, got error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected result \"ok\", got %v", result)
	}
}

func TestWrapClassApplied(t *testing.T) {
	c := newTestClient(t)
	var seen string
	inner := func(ctx context.Context, a Action) (any, error) {
		seen = a.Class
		return nil, nil
	}
	wrapped := c.Wrap(inner, WrapWithClass("trade"))

	_, err := wrapped(context.Background(), Action{
		Name:  "submit_order",
		Input: map[string]any{"data.age_seconds": float64(5)},
	})
	if err != nil {
		t.Fatalf("expected allow: %v", err)
	}
	if seen != "trade" {
		t.Errorf("expected wrap class trade, got %q", seen)
	}
}

func TestWrapActionClassWins(t *testing.T) {
	c := newTestClient(t)
	var seen string
	inner := func(ctx context.Context, a Action) (any, error) {
		seen = a.Class
		return nil, nil
	}
	wrapped := c.Wrap(inner, WrapWithClass("trade"))

	_, err := wrapped(context.Background(), Action{
		Name:  "transfer_funds",
		Class: "transfer",
		Input: map[string]any{"data.age_seconds": float64(5)},
	})
	if err != nil {
		t.Fatalf("expected allow: %v", err)
	}
	if seen != "transfer" {
		t.Errorf("expected the action's own class to win, got %q", seen)
	}
}

func TestWrapErrorMessage(t *testing.T) {
	c := newTestClient(t)
	wrapped := c.Wrap(func(ctx context.Context, a Action) (any, error) {
		return nil, nil
	})

	_, err := wrapped(context.Background(), Action{
		Name:  "submit_order",
		Input: map[string]any{"data.age_seconds": float64(45)},
	})
	blocked := requireBlocked(t, err)
	msg := blocked.Error()
	if want := "guardsmith blocked (DENIED)"; len(msg) < len(want) || msg[:len(want)] != want {
		t.Errorf("unexpected error message: %q", msg)
	}
}

func TestWrapConcurrentSafe(t *testing.T) {
	c := newTestClient(t)
	inner := func(ctx context.Context, a Action) (any, error) {
		return "ok", nil
	}
	wrapped := c.Wrap(inner)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			age := float64(n % 60) // mix of allowed and denied
			wrapped(context.Background(), Action{
				Name:  fmt.Sprintf("order-%d", n),
				Input: map[string]any{"data.age_seconds": age},
			})
		}(i)
	}
	wg.Wait()
}
